package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/virta/internal/taskqueue"
	"github.com/petrijr/virta/pkg/api"
	"github.com/petrijr/virta/pkg/workflow"
)

// restarted builds a second engine sharing env's stores but with a fresh,
// empty queue, the way a process restart loses its in-memory tasks.
func restarted(env *testEnv) *testEnv {
	fresh := taskqueue.NewInMemoryQueue()
	eng := New(Config{
		Persistence: env.eng.p,
		Queue:       fresh,
		Registry:    env.eng.Registry(),
		LockTTL:     time.Second,
	})
	return &testEnv{t: env.t, eng: eng, store: env.store, queue: fresh}
}

func TestRecoverStuckRunsReoffersLostActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var attempts atomic.Int32
	if err := env.eng.Registry().RegisterActivity("step", func(ctx context.Context, input json.RawMessage) (any, error) {
		attempts.Add(1)
		return "done", nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	if err := env.eng.Registry().RegisterWorkflow("recoverable", func(wctx *workflow.Context) (any, error) {
		var s string
		if err := wctx.ExecuteActivity("step", nil, quickOpts()).Get(&s); err != nil {
			return nil, err
		}
		return s, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	h, err := env.eng.StartWorkflow(ctx, "recoverable", nil, api.StartOptions{WorkflowID: "rec-1"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Run the first decision cycle so the activity lands in history, then
	// simulate a crash: every queued task is gone.
	env.drainUntil(DefaultTaskQueue, func() bool {
		return countEvents(env.history(h.RunID), api.EventActivityScheduled) == 1
	})

	env2 := restarted(env)
	n, err := env2.eng.RecoverStuckRuns(ctx)
	if err != nil {
		t.Fatalf("RecoverStuckRuns: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered run, got %d", n)
	}

	rec := env2.waitTerminal(h, DefaultTaskQueue)
	if rec.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED after recovery, got %s (error %q)", rec.Status, rec.Error)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected the activity to run once, got %d", got)
	}
}

func TestRecoverStuckRunsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.eng.Registry().RegisterWorkflow("waiting", func(wctx *workflow.Context) (any, error) {
		if err := wctx.Sleep(40 * time.Millisecond); err != nil {
			return nil, err
		}
		return "woke", nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	h, err := env.eng.StartWorkflow(ctx, "waiting", nil, api.StartOptions{WorkflowID: "rec-2"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	env.drainUntil(DefaultTaskQueue, func() bool {
		return countEvents(env.history(h.RunID), api.EventTimerStarted) == 1
	})

	env2 := restarted(env)
	for i := 0; i < 3; i++ {
		if _, err := env2.eng.RecoverStuckRuns(ctx); err != nil {
			t.Fatalf("RecoverStuckRuns pass %d: %v", i, err)
		}
	}

	rec := env2.waitTerminal(h, DefaultTaskQueue)
	if rec.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (error %q)", rec.Status, rec.Error)
	}

	// Repeated recovery passes must not duplicate history.
	events := env2.history(h.RunID)
	if got := countEvents(events, api.EventTimerFired); got != 1 {
		t.Fatalf("expected 1 timer.fired, got %d", got)
	}
	if got := countEvents(events, api.EventWorkflowCompleted); got != 1 {
		t.Fatalf("expected 1 workflow.completed, got %d", got)
	}
}

func TestRecoverSkipsTerminalAndHeldRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.eng.Registry().RegisterWorkflow("noop", func(wctx *workflow.Context) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	if err := env.eng.Registry().RegisterWorkflow("held", func(wctx *workflow.Context) (any, error) {
		if err := wctx.AwaitSignal("never", nil); err != nil {
			return nil, err
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	done, err := env.eng.StartWorkflow(ctx, "noop", nil, api.StartOptions{WorkflowID: "rec-done"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	env.waitTerminal(done, DefaultTaskQueue)

	heldRun, err := env.eng.StartWorkflow(ctx, "held", nil, api.StartOptions{WorkflowID: "rec-held"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	env.drainUntil(DefaultTaskQueue, func() bool {
		return len(env.history(heldRun.RunID)) >= 1
	})

	// Another process is actively deciding the open run.
	acquired, err := env.store.TryAcquireLease(ctx, heldRun.RunID, "other-process", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("TryAcquireLease: acquired=%v err=%v", acquired, err)
	}

	env2 := restarted(env)
	n, err := env2.eng.RecoverStuckRuns(ctx)
	if err != nil {
		t.Fatalf("RecoverStuckRuns: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 recovered runs, got %d", n)
	}
}

func TestNonDeterministicReplayHaltsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.eng.Registry().RegisterActivity("first", func(ctx context.Context, input json.RawMessage) (any, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	// The workflow consults mutable state outside history, which is exactly
	// the kind of logic the replay check exists to catch.
	var mutated atomic.Bool
	if err := env.eng.Registry().RegisterWorkflow("unstable", func(wctx *workflow.Context) (any, error) {
		if mutated.Load() {
			if err := wctx.Sleep(time.Millisecond); err != nil {
				return nil, err
			}
			return "slept", nil
		}
		var s string
		if err := wctx.ExecuteActivity("first", nil, quickOpts()).Get(&s); err != nil {
			return nil, err
		}
		return s, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	h, err := env.eng.StartWorkflow(ctx, "unstable", nil, api.StartOptions{WorkflowID: "halt-1"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	env.drainUntil(DefaultTaskQueue, func() bool {
		return countEvents(env.history(h.RunID), api.EventActivityScheduled) == 1
	})

	// Flip the logic before the completion wakes the next replay.
	mutated.Store(true)

	rec := env.waitTerminal(h, DefaultTaskQueue)
	if rec.HaltReason == "" {
		t.Fatalf("expected a halted run, got status %s", rec.Status)
	}
	if rec.Status != api.StatusRunning {
		t.Fatalf("halted run must keep status RUNNING, got %s", rec.Status)
	}
	if !strings.Contains(rec.HaltReason, "non-deterministic") {
		t.Fatalf("unexpected halt reason %q", rec.HaltReason)
	}

	// GetResult surfaces the halt instead of blocking forever.
	_, err = env.eng.GetResult(ctx, h.WorkflowID, h.RunID)
	if err == nil || !strings.Contains(err.Error(), "halted") {
		t.Fatalf("expected halted error, got %v", err)
	}

	// A halted run is frozen: recovery must not reschedule it.
	env2 := restarted(env)
	n, err := env2.eng.RecoverStuckRuns(ctx)
	if err != nil {
		t.Fatalf("RecoverStuckRuns: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected halted run to be skipped, got %d recovered", n)
	}
}
