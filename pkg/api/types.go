package api

import (
	"context"
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusTimedOut       Status = "TIMED_OUT"
	StatusContinuedAsNew Status = "CONTINUED_AS_NEW"
)

// IsTerminal reports whether the status is final for its run. Note that
// CONTINUED_AS_NEW is terminal for the run but not for the workflow: a
// successor run carries on under the same workflow ID.
func (s Status) IsTerminal() bool {
	return s != StatusRunning && s != ""
}

// Handle identifies a workflow execution. RunID may be empty, in which case
// operations resolve the current run for the workflow ID.
type Handle struct {
	WorkflowID string
	RunID      string
}

// StartOptions controls how a workflow execution is started.
type StartOptions struct {
	// WorkflowID is the stable business identifier. If empty, a random one
	// is generated. Starting a workflow whose current run is still open
	// returns ErrWorkflowAlreadyRunning.
	WorkflowID string

	// TaskQueue names the queue workers must poll to make progress on this
	// execution. Required.
	TaskQueue string

	// RunTimeout, when positive, bounds the total run duration. On expiry
	// the engine appends a terminal timeout event.
	RunTimeout time.Duration
}

// ActivityOptions controls a single scheduled activity.
type ActivityOptions struct {
	// StartToClose bounds one attempt's execution time. Required to be
	// positive; there is no unbounded default.
	StartToClose time.Duration

	// ScheduleToStart, when positive, bounds how long a task may wait in
	// the queue before its first delivery is considered expired.
	ScheduleToStart time.Duration

	// RetryPolicy governs retries on failure or timeout. The zero value
	// means DefaultRetryPolicy.
	RetryPolicy RetryPolicy

	// TaskQueue overrides the run's queue for this activity. Rarely needed.
	TaskQueue string
}

// ChildWorkflowSpec describes one child execution to fan out.
type ChildWorkflowSpec struct {
	WorkflowType string
	Input        any

	// WorkflowID, if empty, is derived from the parent's workflow ID and
	// the child's position so replays assign stable identifiers.
	WorkflowID string

	// TaskQueue, if empty, inherits the parent's queue.
	TaskQueue string
}

// FailurePolicy selects how a join over child workflows reacts to failures.
// There is deliberately no default: callers must choose.
type FailurePolicy int

const (
	// FailurePolicyUnspecified is invalid; JoinChildren rejects it.
	FailurePolicyUnspecified FailurePolicy = iota

	// FailFast cancels still-running siblings on the first child failure
	// and fails the join immediately.
	FailFast

	// CollectAll waits for every child to reach a terminal state and
	// returns a per-index result or error for each.
	CollectAll
)

func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case CollectAll:
		return "collect-all"
	default:
		return "unspecified"
	}
}

// WorkflowSummary is the list_workflows row: a cheap projection of a run.
type WorkflowSummary struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	Status       Status
	StartedAt    time.Time
	ClosedAt     time.Time
}

// ListFilter narrows ListWorkflows results. Zero values mean "no filter".
type ListFilter struct {
	WorkflowType string
	Status       Status

	// PageSize bounds how many rows are fetched per store round-trip.
	// Zero picks a sensible default.
	PageSize int

	// StartAfter resumes a previous iteration from an opaque token, making
	// the sequence restartable.
	StartAfter string
}

// RunSnapshot is a read-only view of a run derived by folding its history.
// Building it never executes workflow code and never schedules side effects.
type RunSnapshot struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	Status       Status
	StartedAt    time.Time

	HistoryLength     int64
	PendingActivities []PendingActivity
	PendingTimers     []PendingTimer
	PendingChildren   []PendingChild
	SignalsReceived   int
	CancelRequested   bool

	Result json.RawMessage
	Error  string
}

// PendingActivity is a scheduled activity with no terminal outcome yet.
type PendingActivity struct {
	ScheduleID int64
	Name       string
}

// PendingTimer is a started timer that has not fired.
type PendingTimer struct {
	ScheduleID int64
	FireAt     time.Time
}

// PendingChild is a started child execution with no terminal event in the
// parent's history yet.
type PendingChild struct {
	ScheduleID      int64
	ChildWorkflowID string
	ChildRunID      string
	WorkflowType    string
}

// ActivityFunc is the unit of external work invoked through the activity
// abstraction. It receives the JSON-encoded input recorded in history and
// returns a JSON-encodable result. Activities may perform arbitrary I/O;
// idempotency under redelivery is the implementer's responsibility.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)
