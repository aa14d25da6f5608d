package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

// SQLiteQueue is a persistent, leased task queue backed by SQLite. The
// claim step runs in a transaction that selects the next eligible row and
// bumps its leased_until, so concurrent pollers never share a task.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns
// the queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			queue TEXT NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			schedule_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			input BLOB,
			attempt INTEGER NOT NULL DEFAULT 0,
			retry TEXT NOT NULL DEFAULT '',
			start_to_close INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL DEFAULT 0,
			not_before INTEGER NOT NULL,
			leased_until INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL,
			PRIMARY KEY (queue, id)
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_visibility ON tasks(queue, not_before, leased_until);
	`)
	return err
}

var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	retryJSON := ""
	if !t.Retry.IsZero() {
		data, err := json.Marshal(t.Retry)
		if err != nil {
			return err
		}
		retryJSON = string(data)
	}

	now := time.Now()
	enqueuedAt := now.UnixNano()
	if !t.EnqueuedAt.IsZero() {
		enqueuedAt = t.EnqueuedAt.UnixNano()
	}
	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}
	var expiresAt int64
	if !t.ExpiresAt.IsZero() {
		expiresAt = t.ExpiresAt.UnixNano()
	}

	// INSERT OR IGNORE keeps Enqueue idempotent by (queue, id).
	_, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tasks (queue, id, kind, workflow_id, run_id, schedule_id,
			name, input, attempt, retry, start_to_close, expires_at,
			not_before, leased_until, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		t.Queue, t.ID, string(t.Kind), t.WorkflowID, t.RunID, t.ScheduleID,
		t.Name, []byte(t.Input), t.Attempt, retryJSON, int64(t.StartToClose), expiresAt,
		notBefore, enqueuedAt,
	)
	return err
}

func (q *SQLiteQueue) Poll(ctx context.Context, queue string, lease time.Duration) (*Task, error) {
	for {
		t, err := q.tryClaim(ctx, queue, lease)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) tryClaim(ctx context.Context, queue string, lease time.Duration) (*Task, error) {
	now := time.Now().UnixNano()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		t            Task
		kind         string
		input        []byte
		retryJSON    string
		startToClose int64
		expiresAt    int64
		notBefore    int64
		enqueuedAt   int64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT id, kind, workflow_id, run_id, schedule_id, name, input,
			attempt, retry, start_to_close, expires_at, not_before, enqueued_at
		FROM tasks
		WHERE queue = ? AND not_before <= ? AND leased_until <= ?
		ORDER BY not_before, id
		LIMIT 1`, queue, now, now)
	err = row.Scan(&t.ID, &kind, &t.WorkflowID, &t.RunID, &t.ScheduleID, &t.Name, &input,
		&t.Attempt, &retryJSON, &startToClose, &expiresAt, &notBefore, &enqueuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET leased_until = ? WHERE queue = ? AND id = ?`,
		time.Now().Add(lease).UnixNano(), queue, t.ID,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Queue = queue
	t.Kind = Kind(kind)
	t.Input = json.RawMessage(input)
	if retryJSON != "" {
		if err := json.Unmarshal([]byte(retryJSON), &t.Retry); err != nil {
			return nil, err
		}
	}
	t.StartToClose = time.Duration(startToClose)
	if expiresAt != 0 {
		t.ExpiresAt = time.Unix(0, expiresAt)
	}
	t.NotBefore = time.Unix(0, notBefore)
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	return &t, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, queue, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE queue = ? AND id = ?`, queue, id)
	return err
}

func (q *SQLiteQueue) Extend(ctx context.Context, queue, id string, lease time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET leased_until = ? WHERE queue = ? AND id = ?`,
		time.Now().Add(lease).UnixNano(), queue, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrTaskNotFound
	}
	return nil
}

func (q *SQLiteQueue) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE queue = ?`, queue).Scan(&n)
	return n, err
}
