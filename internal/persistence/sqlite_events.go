package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

// SQLiteEventLog is an EventLog backed by SQLite. Each run's history is a
// row per event keyed by (run_id, seq); batch appends run in a single
// transaction so the sequence-conflict check and the inserts are atomic.
type SQLiteEventLog struct {
	db *sql.DB
}

var _ EventLog = (*SQLiteEventLog)(nil)

// NewSQLiteEventLog initializes the required schema and returns the log.
func NewSQLiteEventLog(db *sql.DB) (*SQLiteEventLog, error) {
	l := &SQLiteEventLog{db: db}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteEventLog) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			attributes BLOB,
			PRIMARY KEY (run_id, seq)
		);
	`)
	return err
}

func (l *SQLiteEventLog) Append(ctx context.Context, runID string, expectedSeq int64, events []api.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var length int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_events WHERE run_id = ?`, runID).Scan(&length); err != nil {
		return err
	}
	if length != expectedSeq {
		return api.ErrSequenceConflict
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_events (run_id, seq, kind, timestamp, attributes)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			runID, expectedSeq+int64(i), string(ev.Kind),
			ev.Timestamp.UnixNano(), []byte(ev.Attributes),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (l *SQLiteEventLog) Read(ctx context.Context, runID string, fromSeq int64) ([]api.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, kind, timestamp, attributes FROM run_events
		WHERE run_id = ? AND seq >= ?
		ORDER BY seq`, runID, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev    api.Event
			kind  string
			ts    int64
			attrs []byte
		)
		if err := rows.Scan(&ev.Seq, &kind, &ts, &attrs); err != nil {
			return nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.Timestamp = time.Unix(0, ts)
		ev.Attributes = json.RawMessage(attrs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (l *SQLiteEventLog) Length(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_events WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
