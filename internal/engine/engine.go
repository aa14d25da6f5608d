package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/virta/internal/persistence"
	"github.com/petrijr/virta/internal/taskqueue"
	"github.com/petrijr/virta/pkg/api"
)

// DefaultTaskQueue is used when StartOptions leave the queue empty.
const DefaultTaskQueue = "default"

// Engine coordinates event logs, run records, task queues and run locks.
// It is safe for concurrent use; all durable state lives in the configured
// stores, so multiple Engine instances may share them across processes.
type Engine struct {
	p   persistence.Persistence
	q   taskqueue.Queue
	reg *Registry
	obs api.Observer
	log *slog.Logger

	lockTTL time.Duration

	mu      sync.Mutex
	waiters map[string]chan struct{} // closed when the run reaches a terminal status
}

// Config describes how to construct an Engine.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Registry    *Registry
	Observer    api.Observer
	Logger      *slog.Logger

	// LockTTL is the run lock lease duration for decision cycles. Zero
	// picks a sensible default.
	LockTTL time.Duration
}

// New creates an Engine from cfg, filling in defaults for optional fields.
func New(cfg Config) *Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Engine{
		p:       cfg.Persistence,
		q:       cfg.Queue,
		reg:     reg,
		obs:     obs,
		log:     log,
		lockTTL: ttl,
		waiters: make(map[string]chan struct{}),
	}
}

// Registry returns the engine's function registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Observer returns the configured observer, for workers to report activity
// lifecycle events through.
func (e *Engine) Observer() api.Observer { return e.obs }

// Queue returns the engine's task queue, for workers to poll.
func (e *Engine) Queue() taskqueue.Queue { return e.q }

func decisionTaskID(runID string, seq int64) string {
	return fmt.Sprintf("wf:%s:%d", runID, seq)
}

func activityTaskID(runID string, scheduleID int64, attempt int) string {
	return fmt.Sprintf("act:%s:%d:%d", runID, scheduleID, attempt)
}

func timerTaskID(runID string, scheduleID int64) string {
	return fmt.Sprintf("tm:%s:%d", runID, scheduleID)
}

func runTimeoutTaskID(runID string) string {
	return "rt:" + runID
}

// enqueueDecisionTask wakes the run's decision loop. The task ID embeds the
// history length at wake time, so each logical wake gets its own task and
// duplicate wakes for the same position collapse.
func (e *Engine) enqueueDecisionTask(ctx context.Context, rec *persistence.RunRecord, seq int64) error {
	return e.q.Enqueue(ctx, taskqueue.Task{
		ID:         decisionTaskID(rec.RunID, seq),
		Queue:      rec.TaskQueue,
		Kind:       taskqueue.KindWorkflowTask,
		WorkflowID: rec.WorkflowID,
		RunID:      rec.RunID,
	})
}

// appendExternal appends events produced outside the run lock (signals,
// cancellations, activity outcomes, child notifications) with an optimistic
// retry loop: read the history, let build decide against it, append at the
// observed length, and retry on a sequence conflict.
//
// build returns the events to append, or nil to skip (for example when a
// concurrent writer already recorded the same outcome). The returned length
// is the log length after the append (or after the skip).
func (e *Engine) appendExternal(ctx context.Context, runID string, build func(history []api.Event) ([]api.Event, error)) (int64, error) {
	const maxRetries = 8

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		history, err := e.p.Events.Read(ctx, runID, 0)
		if err != nil {
			return 0, err
		}

		// Terminal runs accept no further events.
		if n := len(history); n > 0 && history[n-1].Kind.IsTerminal() {
			return int64(n), nil
		}

		events, err := build(history)
		if err != nil {
			return 0, err
		}
		if len(events) == 0 {
			return int64(len(history)), nil
		}

		expected := int64(len(history))
		err = e.p.Events.Append(ctx, runID, expected, events)
		if err == nil {
			return expected + int64(len(events)), nil
		}
		if !errors.Is(err, api.ErrSequenceConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("append to run %s: %w", runID, lastErr)
}

// waiter returns a channel closed when the run reaches a terminal status.
func (e *Engine) waiter(workflowID, runID string) <-chan struct{} {
	key := persistence.RunKey(workflowID, runID)

	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.waiters[key]
	if !ok {
		ch = make(chan struct{})
		e.waiters[key] = ch
	}
	return ch
}

// notifyClosed releases GetResult callers waiting on the run. Only helps
// same-process waiters; cross-process callers fall back to polling.
func (e *Engine) notifyClosed(workflowID, runID string) {
	key := persistence.RunKey(workflowID, runID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if ch, ok := e.waiters[key]; ok {
		close(ch)
		delete(e.waiters, key)
	}
}
