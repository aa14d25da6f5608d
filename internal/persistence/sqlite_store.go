package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

// SQLiteRunStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB using a SQLite driver (for example
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver:
//
//	import _ "modernc.org/sqlite"
type SQLiteRunStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLiteRunStore)(nil)

// NewSQLiteRunStore initializes the required schema and returns the store.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			task_queue TEXT NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			result BLOB,
			error TEXT NOT NULL DEFAULT '',
			halt_reason TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			parent_workflow_id TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT NOT NULL DEFAULT '',
			parent_schedule_id INTEGER NOT NULL DEFAULT 0,
			new_run_id TEXT NOT NULL DEFAULT '',
			run_timeout INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			closed_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (workflow_id, run_id)
		);
		CREATE TABLE IF NOT EXISTS current_runs (
			workflow_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`)
	return err
}

func (s *SQLiteRunStore) CreateRun(ctx context.Context, rec *RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curID string
	err = tx.QueryRowContext(ctx,
		`SELECT run_id FROM current_runs WHERE workflow_id = ?`, rec.WorkflowID).Scan(&curID)
	switch {
	case err == nil:
		var status string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM runs WHERE workflow_id = ? AND run_id = ?`,
			rec.WorkflowID, curID).Scan(&status); err == nil {
			if !api.Status(status).IsTerminal() {
				return api.ErrWorkflowAlreadyRunning
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		// First run for this workflow ID.
	default:
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (workflow_id, run_id, workflow_type, task_queue, status,
			input, result, error, halt_reason, cancel_requested,
			parent_workflow_id, parent_run_id, parent_schedule_id, new_run_id,
			run_timeout, started_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.RunID, rec.WorkflowType, rec.TaskQueue, string(rec.Status),
		[]byte(rec.Input), []byte(rec.Result), rec.Error, rec.HaltReason, boolToInt(rec.CancelRequested),
		rec.ParentWorkflowID, rec.ParentRunID, rec.ParentScheduleID, rec.NewRunID,
		int64(rec.RunTimeout), rec.StartedAt.UnixNano(), closedAtNano(rec.ClosedAt),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO current_runs (workflow_id, run_id) VALUES (?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET run_id = excluded.run_id`,
		rec.WorkflowID, rec.RunID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

const runColumns = `workflow_id, run_id, workflow_type, task_queue, status,
	input, result, error, halt_reason, cancel_requested,
	parent_workflow_id, parent_run_id, parent_schedule_id, new_run_id,
	run_timeout, started_at, closed_at`

func (s *SQLiteRunStore) GetRun(ctx context.Context, workflowID, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE workflow_id = ? AND run_id = ?`,
		workflowID, runID)
	return scanRun(row)
}

func (s *SQLiteRunStore) CurrentRun(ctx context.Context, workflowID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE workflow_id = ?1
		  AND run_id = (SELECT run_id FROM current_runs WHERE workflow_id = ?1)`,
		workflowID)
	return scanRun(row)
}

func (s *SQLiteRunStore) UpdateRun(ctx context.Context, rec *RunRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET workflow_type = ?, task_queue = ?, status = ?,
			input = ?, result = ?, error = ?, halt_reason = ?, cancel_requested = ?,
			parent_workflow_id = ?, parent_run_id = ?, parent_schedule_id = ?, new_run_id = ?,
			run_timeout = ?, started_at = ?, closed_at = ?
		WHERE workflow_id = ? AND run_id = ?`,
		rec.WorkflowType, rec.TaskQueue, string(rec.Status),
		[]byte(rec.Input), []byte(rec.Result), rec.Error, rec.HaltReason, boolToInt(rec.CancelRequested),
		rec.ParentWorkflowID, rec.ParentRunID, rec.ParentScheduleID, rec.NewRunID,
		int64(rec.RunTimeout), rec.StartedAt.UnixNano(), closedAtNano(rec.ClosedAt),
		rec.WorkflowID, rec.RunID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrRunNotFound
	}
	return nil
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, f RunFilter, afterKey string, limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var clauses []string
	var args []any

	afterWID, afterRID, hasAfter := splitRunKey(afterKey)
	if hasAfter {
		clauses = append(clauses, `(workflow_id > ? OR (workflow_id = ? AND run_id > ?))`)
		args = append(args, afterWID, afterWID, afterRID)
	}
	if f.WorkflowType != "" {
		clauses = append(clauses, `workflow_type = ?`)
		args = append(args, f.WorkflowType)
	}
	if f.Status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, string(f.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY workflow_id, run_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec                 RunRecord
		status              string
		input, result       []byte
		cancelRequested     int
		runTimeout          int64
		startedAt, closedAt int64
	)
	err := row.Scan(
		&rec.WorkflowID, &rec.RunID, &rec.WorkflowType, &rec.TaskQueue, &status,
		&input, &result, &rec.Error, &rec.HaltReason, &cancelRequested,
		&rec.ParentWorkflowID, &rec.ParentRunID, &rec.ParentScheduleID, &rec.NewRunID,
		&runTimeout, &startedAt, &closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	rec.Status = api.Status(status)
	rec.Input = input
	rec.Result = result
	rec.CancelRequested = cancelRequested != 0
	rec.RunTimeout = time.Duration(runTimeout)
	rec.StartedAt = time.Unix(0, startedAt)
	if closedAt != 0 {
		rec.ClosedAt = time.Unix(0, closedAt)
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func closedAtNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func splitRunKey(key string) (workflowID, runID string, ok bool) {
	if key == "" {
		return "", "", false
	}
	wid, rid, found := strings.Cut(key, "\x1f")
	if !found {
		return "", "", false
	}
	return wid, rid, true
}

// SQLiteLockStore is a LockStore backed by SQLite. Leases are rows with an
// expiry; acquisition is a transaction that honors non-expired holders.
type SQLiteLockStore struct {
	db *sql.DB
}

var _ LockStore = (*SQLiteLockStore)(nil)

// NewSQLiteLockStore initializes the required schema and returns the store.
func NewSQLiteLockStore(db *sql.DB) (*SQLiteLockStore, error) {
	s := &SQLiteLockStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteLockStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_locks (
			run_id TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expiry INTEGER NOT NULL
		);
	`)
	return err
}

func (s *SQLiteLockStore) TryAcquireLease(ctx context.Context, runID, holder string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now()
	var curHolder string
	var expiry int64
	err = tx.QueryRowContext(ctx,
		`SELECT holder, expiry FROM run_locks WHERE run_id = ?`, runID).Scan(&curHolder, &expiry)
	switch {
	case err == nil:
		if curHolder != holder && expiry > now.UnixNano() {
			return false, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// Free.
	default:
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_locks (run_id, holder, expiry) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET holder = excluded.holder, expiry = excluded.expiry`,
		runID, holder, now.Add(ttl).UnixNano(),
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteLockStore) RenewLease(ctx context.Context, runID, holder string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_locks SET expiry = ?
		WHERE run_id = ? AND holder = ? AND expiry > ?`,
		now.Add(ttl).UnixNano(), runID, holder, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

func (s *SQLiteLockStore) ReleaseLease(ctx context.Context, runID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_locks WHERE run_id = ? AND holder = ?`, runID, holder)
	return err
}

func (s *SQLiteLockStore) LeaseHolder(ctx context.Context, runID string) (string, time.Time, bool, error) {
	var holder string
	var expiry int64
	err := s.db.QueryRowContext(ctx,
		`SELECT holder, expiry FROM run_locks WHERE run_id = ?`, runID).Scan(&holder, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	if expiry <= time.Now().UnixNano() {
		return "", time.Time{}, false, nil
	}
	return holder, time.Unix(0, expiry), true, nil
}
