package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay decision cycles.
type Observer interface {
	// OnWorkflowStarted is called once per run, after the WorkflowStarted
	// event is durably appended.
	OnWorkflowStarted(ctx context.Context, workflowID, runID, workflowType string)

	// OnWorkflowFinished is called when a run reaches a terminal status.
	// err is non-nil for failures, cancellations and timeouts.
	OnWorkflowFinished(ctx context.Context, workflowID, runID string, status Status, err error)

	// OnDecisionCycle is called after each completed decision cycle.
	// appended is the number of new history events the cycle produced.
	OnDecisionCycle(ctx context.Context, workflowID, runID string, appended int, d time.Duration)

	// OnActivityStarted is called when a worker begins an attempt.
	OnActivityStarted(ctx context.Context, runID, name string, attempt int)

	// OnActivityFinished is called after an attempt returns, for both
	// successes and failures (err != nil).
	OnActivityFinished(ctx context.Context, runID, name string, attempt int, err error, d time.Duration)
}

// NoopObserver is an Observer that does nothing. It is the default when no
// observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStarted(ctx context.Context, workflowID, runID, workflowType string) {}
func (NoopObserver) OnWorkflowFinished(ctx context.Context, workflowID, runID string, status Status, err error) {
}
func (NoopObserver) OnDecisionCycle(ctx context.Context, workflowID, runID string, appended int, d time.Duration) {
}
func (NoopObserver) OnActivityStarted(ctx context.Context, runID, name string, attempt int) {}
func (NoopObserver) OnActivityFinished(ctx context.Context, runID, name string, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStarted(ctx context.Context, workflowID, runID, workflowType string) {
	for _, o := range c.observers {
		o.OnWorkflowStarted(ctx, workflowID, runID, workflowType)
	}
}

func (c *CompositeObserver) OnWorkflowFinished(ctx context.Context, workflowID, runID string, status Status, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFinished(ctx, workflowID, runID, status, err)
	}
}

func (c *CompositeObserver) OnDecisionCycle(ctx context.Context, workflowID, runID string, appended int, d time.Duration) {
	for _, o := range c.observers {
		o.OnDecisionCycle(ctx, workflowID, runID, appended, d)
	}
}

func (c *CompositeObserver) OnActivityStarted(ctx context.Context, runID, name string, attempt int) {
	for _, o := range c.observers {
		o.OnActivityStarted(ctx, runID, name, attempt)
	}
}

func (c *CompositeObserver) OnActivityFinished(ctx context.Context, runID, name string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityFinished(ctx, runID, name, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs engine lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStarted(ctx context.Context, workflowID, runID, workflowType string) {
	o.Logger.InfoContext(ctx, "workflow_started",
		slog.String("workflow_id", workflowID),
		slog.String("run_id", runID),
		slog.String("workflow_type", workflowType),
	)
}

func (o *LoggingObserver) OnWorkflowFinished(ctx context.Context, workflowID, runID string, status Status, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "workflow_finished",
		slog.String("workflow_id", workflowID),
		slog.String("run_id", runID),
		slog.String("status", string(status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnDecisionCycle(ctx context.Context, workflowID, runID string, appended int, d time.Duration) {
	o.Logger.DebugContext(ctx, "decision_cycle",
		slog.String("workflow_id", workflowID),
		slog.String("run_id", runID),
		slog.Int("events_appended", appended),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnActivityStarted(ctx context.Context, runID, name string, attempt int) {
	o.Logger.DebugContext(ctx, "activity_started",
		slog.String("run_id", runID),
		slog.String("activity", name),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnActivityFinished(ctx context.Context, runID, name string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_finished",
		slog.String("run_id", runID),
		slog.String("activity", name),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate durations. It
// implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted  atomic.Int64
	workflowsFinished atomic.Int64
	workflowsFailed   atomic.Int64
	decisionCycles    atomic.Int64
	activityAttempts  atomic.Int64
	activityFailures  atomic.Int64
	totalActivityTime atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted  int64
	WorkflowsFinished int64
	WorkflowsFailed   int64
	OpenWorkflows     int64

	DecisionCycles   int64
	ActivityAttempts int64
	ActivityFailures int64
	AvgActivityTime  time.Duration
}

func (m *BasicMetrics) OnWorkflowStarted(ctx context.Context, workflowID, runID, workflowType string) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFinished(ctx context.Context, workflowID, runID string, status Status, err error) {
	m.workflowsFinished.Add(1)
	if err != nil {
		m.workflowsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnDecisionCycle(ctx context.Context, workflowID, runID string, appended int, d time.Duration) {
	m.decisionCycles.Add(1)
}

func (m *BasicMetrics) OnActivityFinished(ctx context.Context, runID, name string, attempt int, err error, d time.Duration) {
	m.activityAttempts.Add(1)
	if err != nil {
		m.activityFailures.Add(1)
		return
	}
	m.totalActivityTime.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	finished := m.workflowsFinished.Load()
	attempts := m.activityAttempts.Load()
	failures := m.activityFailures.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if ok := attempts - failures; ok > 0 {
		avg = time.Duration(totalNs / ok)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:  started,
		WorkflowsFinished: finished,
		WorkflowsFailed:   m.workflowsFailed.Load(),
		OpenWorkflows:     started - finished,
		DecisionCycles:    m.decisionCycles.Load(),
		ActivityAttempts:  attempts,
		ActivityFailures:  failures,
		AvgActivityTime:   avg,
	}
}
