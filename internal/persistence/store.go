package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

// RunRecord is the mutable envelope around a run: status, routing, and the
// linkage needed for parent notification and continue-as-new. Everything
// that drives replay lives in the event log, never here.
type RunRecord struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	TaskQueue    string
	Status       api.Status

	Input  json.RawMessage
	Result json.RawMessage
	Error  string

	// HaltReason is set when a non-deterministic replay froze the run.
	// A halted run keeps StatusRunning but is never scheduled again until
	// an operator intervenes.
	HaltReason string

	CancelRequested bool

	// Parent linkage, set for child executions.
	ParentWorkflowID string
	ParentRunID      string
	ParentScheduleID int64

	// NewRunID links to the successor after continue-as-new.
	NewRunID string

	RunTimeout time.Duration
	StartedAt  time.Time
	ClosedAt   time.Time
}

// RunFilter narrows ListRuns. Zero values mean "no filter".
type RunFilter struct {
	WorkflowType string
	Status       api.Status
}

// RunStore persists run records and the current-run pointer per workflow ID.
type RunStore interface {
	// CreateRun persists a new run and makes it the workflow ID's current
	// run. It returns api.ErrWorkflowAlreadyRunning when the current run
	// is still open.
	CreateRun(ctx context.Context, rec *RunRecord) error

	// GetRun returns the record for (workflowID, runID), or
	// api.ErrRunNotFound.
	GetRun(ctx context.Context, workflowID, runID string) (*RunRecord, error)

	// CurrentRun resolves the current run for a workflow ID.
	CurrentRun(ctx context.Context, workflowID string) (*RunRecord, error)

	// UpdateRun overwrites an existing record.
	UpdateRun(ctx context.Context, rec *RunRecord) error

	// ListRuns returns up to limit records matching the filter, ordered by
	// (workflowID, runID) and starting strictly after the opaque key
	// returned by RunKey. An empty afterKey starts from the beginning.
	ListRuns(ctx context.Context, f RunFilter, afterKey string, limit int) ([]*RunRecord, error)
}

// EventLog is the durable, append-only, ordered history of one run.
type EventLog interface {
	// Append atomically adds a batch of events, assigning sequence numbers
	// expectedSeq, expectedSeq+1, ... It returns api.ErrSequenceConflict
	// when expectedSeq does not match the current log length; either all
	// events in the batch are durably recorded or none are.
	Append(ctx context.Context, runID string, expectedSeq int64, events []api.Event) error

	// Read returns all events with Seq >= fromSeq in order.
	Read(ctx context.Context, runID string, fromSeq int64) ([]api.Event, error)

	// Length returns the current number of events in the run's log.
	Length(ctx context.Context, runID string) (int64, error)
}

// LockStore enforces at-most-one active executor per run. Expiry is the
// sole crash-detection mechanism; there is no heartbeat-failure callback.
type LockStore interface {
	// TryAcquireLease attempts to acquire (or re-acquire) the run lock.
	// A lease owned by the same holder is re-entrant. If another holder's
	// lease has not expired it returns acquired=false, err=nil.
	TryAcquireLease(ctx context.Context, runID, holder string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends a lease owned by holder, or returns
	// api.ErrLeaseLost.
	RenewLease(ctx context.Context, runID, holder string, ttl time.Duration) error

	// ReleaseLease releases a lease if owned by holder. Idempotent.
	ReleaseLease(ctx context.Context, runID, holder string) error

	// LeaseHolder reports the current holder, if any non-expired lease
	// exists.
	LeaseHolder(ctx context.Context, runID string) (holder string, expiry time.Time, held bool, err error)
}

// Persistence bundles the stores so the engine depends on one abstraction.
type Persistence struct {
	Runs   RunStore
	Events EventLog
	Locks  LockStore
}

// RunKey builds the opaque pagination key for a record, for use as
// ListRuns' afterKey.
func RunKey(workflowID, runID string) string {
	return workflowID + "\x1f" + runID
}
