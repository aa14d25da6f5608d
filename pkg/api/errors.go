package api

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceConflict is returned by EventLog.Append when expectedSeq
	// does not match the current log length. It signals a concurrent
	// writer; the caller must abort and reacquire the run lock.
	ErrSequenceConflict = errors.New("event log sequence conflict")

	// ErrRunNotFound is returned when a (workflowID, runID) pair is unknown.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrWorkflowAlreadyRunning is returned by StartWorkflow when the
	// workflow ID already has an open current run.
	ErrWorkflowAlreadyRunning = errors.New("workflow already running")

	// ErrLeaseHeld is returned when a run lock is currently held by
	// another, non-expired holder.
	ErrLeaseHeld = errors.New("run lock held by another holder")

	// ErrLeaseLost is returned when a lock renewal or guarded write finds
	// the lease no longer owned. The in-progress decision must be
	// discarded; it is never partially applied.
	ErrLeaseLost = errors.New("run lock lost")

	// ErrTaskNotFound is returned by queue operations on unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWorkflowCancelled is the terminal result of a cancelled run. It
	// is also what pending futures return once cancellation has been
	// recorded, so workflow logic can run cleanup before propagating it.
	ErrWorkflowCancelled = errors.New("workflow cancelled")

	// ErrWorkflowTimedOut is the terminal result of a run that exceeded
	// its run timeout.
	ErrWorkflowTimedOut = errors.New("workflow run timed out")
)

// TimeoutKind distinguishes which activity deadline expired.
type TimeoutKind string

const (
	TimeoutScheduleToStart TimeoutKind = "schedule_to_start"
	TimeoutStartToClose    TimeoutKind = "start_to_close"
)

// ActivityError is a terminal activity failure as observed by workflow
// logic. The scheduler records it in history after retries are exhausted or
// when the error was marked non-retryable; the workflow decides whether to
// fall back or propagate.
type ActivityError struct {
	Name       string
	ScheduleID int64
	Message    string
	Retryable  bool
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %q failed: %s", e.Name, e.Message)
}

// TimeoutError is a terminal activity timeout as observed by workflow logic.
type TimeoutError struct {
	Name       string
	ScheduleID int64
	Kind       TimeoutKind
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("activity %q timed out (%s)", e.Name, e.Kind)
}

// WorkflowError is the terminal failure of a run, surfaced by GetResult.
type WorkflowError struct {
	WorkflowID string
	RunID      string
	Message    string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s failed: %s", e.WorkflowID, e.Message)
}

// ChildWorkflowError wraps a child failure inside a join, keeping the
// child's position in the fan-out.
type ChildWorkflowError struct {
	Index           int
	ChildWorkflowID string
	Err             error
}

func (e *ChildWorkflowError) Error() string {
	return fmt.Sprintf("child workflow %s (index %d): %v", e.ChildWorkflowID, e.Index, e.Err)
}

func (e *ChildWorkflowError) Unwrap() error { return e.Err }

// NonDeterminismError means a replay produced a decision inconsistent with
// recorded history. This is a bug in workflow logic, not a transient fault:
// the run is halted and never retried automatically.
type NonDeterminismError struct {
	WorkflowID string
	RunID      string
	Expected   string
	Got        string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic replay for run %s: history recorded %s, replay produced %s",
		e.RunID, e.Expected, e.Got)
}

// nonRetryableError marks an activity error that must not be retried,
// regardless of the retry policy.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so the scheduler records it as a terminal
// ActivityFailed immediately, with no retry.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}
