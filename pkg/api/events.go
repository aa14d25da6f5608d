package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies a workflow history event.
type EventKind string

const (
	EventWorkflowStarted        EventKind = "workflow.started"
	EventWorkflowCompleted      EventKind = "workflow.completed"
	EventWorkflowFailed         EventKind = "workflow.failed"
	EventWorkflowCancelled      EventKind = "workflow.cancelled"
	EventWorkflowTimedOut       EventKind = "workflow.timed_out"
	EventWorkflowContinuedAsNew EventKind = "workflow.continued_as_new"

	EventActivityScheduled EventKind = "activity.scheduled"
	EventActivityCompleted EventKind = "activity.completed"
	EventActivityFailed    EventKind = "activity.failed"
	EventActivityTimedOut  EventKind = "activity.timed_out"

	EventTimerStarted EventKind = "timer.started"
	EventTimerFired   EventKind = "timer.fired"

	EventChildWorkflowStarted   EventKind = "child.started"
	EventChildWorkflowCompleted EventKind = "child.completed"
	EventChildWorkflowFailed    EventKind = "child.failed"

	EventSignalReceived  EventKind = "signal.received"
	EventCancelRequested EventKind = "cancel.requested"
)

// IsTerminal reports whether the event kind closes the run.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled,
		EventWorkflowTimedOut, EventWorkflowContinuedAsNew:
		return true
	}
	return false
}

// Event is one record in a run's append-only history.
//
// Events are strictly ordered by Seq within a run, starting at 0. They are
// never mutated or removed; the history is the sole source of truth for
// deterministic replay.
type Event struct {
	Seq        int64           `json:"seq"`
	Kind       EventKind       `json:"kind"`
	Timestamp  time.Time       `json:"ts"`
	Attributes json.RawMessage `json:"attrs,omitempty"`
}

// NewEvent builds an event with marshalled attributes. Seq is assigned by
// the caller when the batch is laid out against the current log length.
func NewEvent(kind EventKind, at time.Time, attrs any) (Event, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s attributes: %w", kind, err)
	}
	return Event{Kind: kind, Timestamp: at, Attributes: raw}, nil
}

// DecodeAttributes unmarshals an event's attributes into T.
func DecodeAttributes[T any](ev Event) (T, error) {
	var out T
	if len(ev.Attributes) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(ev.Attributes, &out); err != nil {
		return out, fmt.Errorf("decode %s attributes: %w", ev.Kind, err)
	}
	return out, nil
}

// WorkflowStartedAttributes records how a run began.
type WorkflowStartedAttributes struct {
	WorkflowType string          `json:"workflow_type"`
	Input        json.RawMessage `json:"input,omitempty"`
	TaskQueue    string          `json:"task_queue"`
	RunTimeout   time.Duration   `json:"run_timeout,omitempty"`

	// Set when this run is a child execution.
	ParentWorkflowID string `json:"parent_workflow_id,omitempty"`
	ParentRunID      string `json:"parent_run_id,omitempty"`
	ParentScheduleID int64  `json:"parent_schedule_id,omitempty"`

	// Set when this run continues an earlier one.
	PreviousRunID string `json:"previous_run_id,omitempty"`
}

// WorkflowCompletedAttributes carries the terminal result.
type WorkflowCompletedAttributes struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// WorkflowFailedAttributes carries the terminal error.
type WorkflowFailedAttributes struct {
	Error string `json:"error"`
}

// WorkflowTimedOutAttributes records an engine-enforced run timeout.
type WorkflowTimedOutAttributes struct {
	Timeout time.Duration `json:"timeout"`
}

// WorkflowContinuedAsNewAttributes links the current run to its successor.
type WorkflowContinuedAsNewAttributes struct {
	NewRunID string          `json:"new_run_id"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ActivityScheduledAttributes records a schedule-activity decision.
type ActivityScheduledAttributes struct {
	ScheduleID      int64           `json:"schedule_id"`
	Name            string          `json:"name"`
	Input           json.RawMessage `json:"input,omitempty"`
	TaskQueue       string          `json:"task_queue"`
	RetryPolicy     RetryPolicy     `json:"retry_policy"`
	StartToClose    time.Duration   `json:"start_to_close,omitempty"`
	ScheduleToStart time.Duration   `json:"schedule_to_start,omitempty"`
}

// ActivityCompletedAttributes records a successful activity outcome.
type ActivityCompletedAttributes struct {
	ScheduleID int64           `json:"schedule_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Attempt    int             `json:"attempt"`
}

// ActivityFailedAttributes records a terminal activity failure, after the
// retry policy has been exhausted or the error was marked non-retryable.
type ActivityFailedAttributes struct {
	ScheduleID int64  `json:"schedule_id"`
	Error      string `json:"error"`
	Attempt    int    `json:"attempt"`
	Retryable  bool   `json:"retryable"`
}

// ActivityTimedOutAttributes records a terminal activity timeout.
type ActivityTimedOutAttributes struct {
	ScheduleID  int64       `json:"schedule_id"`
	TimeoutKind TimeoutKind `json:"timeout_kind"`
	Attempt     int         `json:"attempt"`
}

// TimerStartedAttributes records a start-timer decision.
type TimerStartedAttributes struct {
	ScheduleID int64         `json:"schedule_id"`
	Duration   time.Duration `json:"duration"`
	FireAt     time.Time     `json:"fire_at"`
}

// TimerFiredAttributes records a timer firing.
type TimerFiredAttributes struct {
	ScheduleID int64     `json:"schedule_id"`
	FiredAt    time.Time `json:"fired_at"`
}

// ChildWorkflowStartedAttributes records a start-child decision. The child
// identifiers are assigned once, when the decision is first applied, and
// replayed from here afterwards.
type ChildWorkflowStartedAttributes struct {
	ScheduleID      int64           `json:"schedule_id"`
	ChildWorkflowID string          `json:"child_workflow_id"`
	ChildRunID      string          `json:"child_run_id"`
	WorkflowType    string          `json:"workflow_type"`
	Input           json.RawMessage `json:"input,omitempty"`
	TaskQueue       string          `json:"task_queue"`
}

// ChildWorkflowCompletedAttributes records a child's successful result.
type ChildWorkflowCompletedAttributes struct {
	ScheduleID int64           `json:"schedule_id"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ChildWorkflowFailedAttributes records a child's terminal failure or
// cancellation.
type ChildWorkflowFailedAttributes struct {
	ScheduleID int64  `json:"schedule_id"`
	Error      string `json:"error"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// SignalReceivedAttributes records an external signal delivery.
type SignalReceivedAttributes struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CancelRequestedAttributes records a cancellation request. Cancellation is
// observed by the workflow at its next decision cycle, never preemptively.
type CancelRequestedAttributes struct {
	Reason string `json:"reason,omitempty"`
}
