package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/virta/internal/engine"
	"github.com/petrijr/virta/internal/taskqueue"
	"github.com/petrijr/virta/pkg/api"
)

// Config describes one Worker.
type Config struct {
	// TaskQueue is the queue this worker polls. Defaults to "default".
	TaskQueue string

	// Concurrency is the number of concurrent poll loops. Defaults to 4.
	Concurrency int

	// LeaseDuration is how long a polled task stays invisible to other
	// workers. It must comfortably exceed the longest activity attempt,
	// or the lease heartbeat must keep extending it. Defaults to 30s.
	LeaseDuration time.Duration

	// Identity names this worker in run locks and logs. Defaults to
	// "<hostname>-<random>".
	Identity string

	Logger *slog.Logger
}

// Worker polls a task queue and drives decision cycles, activities and
// timers through the engine. Multiple workers may poll the same queue; the
// queue's leases and the engine's run locks keep them from stepping on each
// other.
type Worker struct {
	eng *engine.Engine
	cfg Config
	log *slog.Logger
}

// New creates a Worker for the engine's task queue.
func New(eng *engine.Engine, cfg Config) *Worker {
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = engine.DefaultTaskQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.Identity == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.Identity = host + "-" + uuid.NewString()[:8]
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		eng: eng,
		cfg: cfg,
		log: log.With("task_queue", cfg.TaskQueue, "worker", cfg.Identity),
	}
}

// Identity returns the worker's identity string.
func (w *Worker) Identity() string { return w.cfg.Identity }

// Run polls until ctx is cancelled. It returns nil on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.pollLoop(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (w *Worker) pollLoop(ctx context.Context) error {
	for {
		t, err := w.eng.Queue().Poll(ctx, w.cfg.TaskQueue, w.cfg.LeaseDuration)
		if err != nil {
			return err
		}
		w.handle(ctx, t)
	}
}

// handle processes one task. The task is acked only after its effects are
// durably recorded; on error it stays leased and redelivers, which every
// engine path tolerates.
func (w *Worker) handle(ctx context.Context, t *taskqueue.Task) {
	var err error
	switch t.Kind {
	case taskqueue.KindWorkflowTask:
		err = w.eng.RunWorkflowTask(ctx, t, w.cfg.Identity)
		if errors.Is(err, api.ErrLeaseHeld) {
			// Another worker is deciding this run; let the task lease
			// expire and redeliver.
			return
		}

	case taskqueue.KindActivityTask:
		err = w.runActivity(ctx, t)

	case taskqueue.KindTimerTask:
		err = w.eng.FireTimer(ctx, t)

	case taskqueue.KindRunTimeoutTask:
		err = w.eng.FireRunTimeout(ctx, t)

	default:
		w.log.Error("unknown task kind", "task_id", t.ID, "kind", t.Kind)
		err = nil // drop it; redelivering cannot help
	}

	if err != nil {
		w.log.Warn("task failed", "task_id", t.ID, "kind", t.Kind, "err", err)
		return
	}
	if err := w.eng.Queue().Ack(ctx, t.Queue, t.ID); err != nil {
		w.log.Warn("ack failed", "task_id", t.ID, "err", err)
	}
}

// runActivity executes one activity attempt and records its outcome.
func (w *Worker) runActivity(ctx context.Context, t *taskqueue.Task) error {
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		return w.eng.TimeoutActivity(ctx, t, api.TimeoutScheduleToStart)
	}

	fn, err := w.eng.Registry().Activity(t.Name)
	if err != nil {
		// Unknown activity: retrying on this worker cannot help, and other
		// workers on the queue share the registry shape in practice.
		return w.eng.FailActivity(ctx, t, api.NonRetryable(err))
	}

	obs := w.eng.Observer()
	obs.OnActivityStarted(ctx, t.RunID, t.Name, t.Attempt)
	start := time.Now()

	result, err := w.executeAttempt(ctx, t, fn)

	obs.OnActivityFinished(ctx, t.RunID, t.Name, t.Attempt, err, time.Since(start))

	switch {
	case err == nil:
		raw, merr := json.Marshal(result)
		if merr != nil {
			return w.eng.FailActivity(ctx, t, api.NonRetryable(fmt.Errorf("marshal result of %q: %w", t.Name, merr)))
		}
		return w.eng.CompleteActivity(ctx, t, raw)

	case ctx.Err() != nil:
		// Worker shutdown, not an activity outcome. Record nothing and
		// leave the task leased; lease expiry redelivers it with the same
		// attempt number.
		return ctx.Err()

	case errors.Is(err, context.DeadlineExceeded):
		return w.eng.TimeoutActivity(ctx, t, api.TimeoutStartToClose)

	default:
		return w.eng.FailActivity(ctx, t, err)
	}
}

// executeAttempt runs the activity function under its start-to-close
// deadline while heartbeating the task lease, so long activities are not
// redelivered mid-flight.
func (w *Worker) executeAttempt(ctx context.Context, t *taskqueue.Task, fn api.ActivityFunc) (result any, err error) {
	actCtx := ctx
	if t.StartToClose > 0 {
		var cancel context.CancelFunc
		actCtx, cancel = context.WithTimeout(ctx, t.StartToClose)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("activity %q panicked: %v", t.Name, r)}
			}
		}()
		res, err := fn(actCtx, t.Input)
		done <- outcome{result: res, err: err}
	}()

	heartbeat := time.NewTicker(w.cfg.LeaseDuration / 3)
	defer heartbeat.Stop()

	for {
		select {
		case out := <-done:
			return out.result, out.err

		case <-actCtx.Done():
			// The function may still be running; its context is cancelled
			// and it is expected to unwind promptly.
			return nil, actCtx.Err()

		case <-heartbeat.C:
			if err := w.eng.Queue().Extend(ctx, t.Queue, t.ID, w.cfg.LeaseDuration); err != nil {
				w.log.Warn("extend lease failed", "task_id", t.ID, "err", err)
			}
		}
	}
}
