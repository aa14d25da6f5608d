package taskqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

// Kind identifies what the worker should do with a task.
type Kind string

const (
	// KindWorkflowTask wakes a run's decision loop.
	KindWorkflowTask Kind = "workflow"
	// KindActivityTask executes one activity attempt.
	KindActivityTask Kind = "activity"
	// KindTimerTask fires a durable timer when NotBefore passes.
	KindTimerTask Kind = "timer"
	// KindRunTimeoutTask enforces a run-level execution timeout.
	KindRunTimeoutTask Kind = "run-timeout"
)

// Task is a unit of work routed through a named task queue.
//
// Task IDs are chosen by the producer and deduplicate redelivery on the
// enqueue side: enqueueing an ID that is already queued is a no-op. Activity
// tasks get a fresh ID per attempt; timer and decision tasks get one ID per
// logical wake.
type Task struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
	Kind  Kind   `json:"kind"`

	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`

	// ScheduleID ties activity and timer tasks back to the scheduling
	// event in the run's history. Zero for decision and run-timeout tasks.
	ScheduleID int64 `json:"schedule_id,omitempty"`

	// Activity fields.
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Retry        api.RetryPolicy `json:"retry,omitempty"`
	StartToClose time.Duration   `json:"start_to_close,omitempty"`

	// ExpiresAt is the schedule-to-start deadline for activity tasks.
	// A worker that polls the task after this instant reports a timeout
	// instead of running it. Zero means no deadline.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// NotBefore delays visibility; zero means immediately eligible.
	NotBefore time.Time `json:"not_before,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a leased, at-least-once task queue.
//
// Poll hands a task to exactly one consumer at a time: the task stays
// invisible until the lease expires, then becomes eligible for redelivery.
// Consumers Ack after durably recording the task's effects, and Extend the
// lease while still working.
type Queue interface {
	// Enqueue adds a task. Enqueueing an ID that is already queued is a
	// no-op, so producers may retry freely.
	Enqueue(ctx context.Context, t Task) error

	// Poll leases the next eligible task on the named queue, blocking
	// until one is available or ctx is cancelled.
	Poll(ctx context.Context, queue string, lease time.Duration) (*Task, error)

	// Ack removes a completed task. Acking an unknown ID is a no-op.
	Ack(ctx context.Context, queue, id string) error

	// Extend renews the lease on a leased task, or returns
	// api.ErrTaskNotFound when the task is gone.
	Extend(ctx context.Context, queue, id string, lease time.Duration) error

	// Len returns the number of tasks on the queue, leased included.
	Len(ctx context.Context, queue string) (int, error)
}
