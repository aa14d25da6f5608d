package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/petrijr/virta/internal/persistence"
	"github.com/petrijr/virta/internal/taskqueue"
	"github.com/petrijr/virta/pkg/api"
)

// testEnv bundles an Engine with its in-memory stores and a synchronous
// task pump, so tests can drive decision cycles, activities and timers
// deterministically without spinning up workers.
type testEnv struct {
	t     *testing.T
	eng   *Engine
	store *persistence.InMemoryStore
	queue *taskqueue.InMemoryQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue()
	eng := New(Config{
		Persistence: persistence.Persistence{Runs: store, Events: store, Locks: store},
		Queue:       queue,
		LockTTL:     time.Second,
	})
	return &testEnv{t: t, eng: eng, store: store, queue: queue}
}

// shortRetry keeps retry backoff fast enough for tests while still
// exercising the delayed-visibility path.
func shortRetry(maxAttempts int) api.RetryPolicy {
	return api.RetryPolicy{
		InitialInterval:    5 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaxInterval:        50 * time.Millisecond,
		MaxAttempts:        maxAttempts,
	}
}

func quickOpts() api.ActivityOptions {
	return api.ActivityOptions{
		StartToClose: time.Second,
		RetryPolicy:  shortRetry(3),
	}
}

// pumpOne polls the queue and dispatches a single task the way a worker
// would. It reports whether a task was processed.
func (env *testEnv) pumpOne(ctx context.Context, queue string) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()

	task, err := env.queue.Poll(pollCtx, queue, time.Second)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	}

	switch task.Kind {
	case taskqueue.KindWorkflowTask:
		err = env.eng.RunWorkflowTask(ctx, task, "test-worker")
	case taskqueue.KindActivityTask:
		err = env.runActivity(ctx, task)
	case taskqueue.KindTimerTask:
		err = env.eng.FireTimer(ctx, task)
	case taskqueue.KindRunTimeoutTask:
		err = env.eng.FireRunTimeout(ctx, task)
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}
	if err != nil {
		return true, err
	}
	return true, env.queue.Ack(ctx, queue, task.ID)
}

func (env *testEnv) runActivity(ctx context.Context, task *taskqueue.Task) error {
	if !task.ExpiresAt.IsZero() && time.Now().After(task.ExpiresAt) {
		return env.eng.TimeoutActivity(ctx, task, api.TimeoutScheduleToStart)
	}

	fn, err := env.eng.Registry().Activity(task.Name)
	if err != nil {
		return env.eng.FailActivity(ctx, task, api.NonRetryable(err))
	}

	actCtx := ctx
	if task.StartToClose > 0 {
		var cancel context.CancelFunc
		actCtx, cancel = context.WithTimeout(ctx, task.StartToClose)
		defer cancel()
	}
	out, err := fn(actCtx, task.Input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return env.eng.TimeoutActivity(ctx, task, api.TimeoutStartToClose)
		}
		return env.eng.FailActivity(ctx, task, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return env.eng.FailActivity(ctx, task, api.NonRetryable(err))
	}
	return env.eng.CompleteActivity(ctx, task, raw)
}

// drainUntil pumps tasks until cond reports true or the deadline passes.
// Idle polls are tolerated because retries and timers become visible only
// after their backoff or fire time.
func (env *testEnv) drainUntil(queue string, cond func() bool) {
	env.t.Helper()

	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		if _, err := env.pumpOne(ctx, queue); err != nil {
			env.t.Fatalf("pump task: %v", err)
		}
	}
	env.t.Fatalf("condition not reached before deadline")
}

// waitTerminal pumps until the run identified by h reaches a terminal
// status and returns its final record.
func (env *testEnv) waitTerminal(h api.Handle, queue string) *persistence.RunRecord {
	env.t.Helper()

	var rec *persistence.RunRecord
	env.drainUntil(queue, func() bool {
		r, err := env.store.GetRun(context.Background(), h.WorkflowID, h.RunID)
		if err != nil {
			env.t.Fatalf("GetRun: %v", err)
		}
		rec = r
		return r.Status.IsTerminal() || r.HaltReason != ""
	})
	return rec
}

func (env *testEnv) history(runID string) []api.Event {
	env.t.Helper()

	events, err := env.store.Read(context.Background(), runID, 0)
	if err != nil {
		env.t.Fatalf("read history: %v", err)
	}
	return events
}

func countEvents(events []api.Event, kind api.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
