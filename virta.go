package virta

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/virta/internal/engine"
	"github.com/petrijr/virta/internal/persistence"
	"github.com/petrijr/virta/internal/taskqueue"
	"github.com/petrijr/virta/pkg/api"
	"github.com/petrijr/virta/pkg/workflow"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine = engine.Engine

	Handle            = api.Handle
	StartOptions      = api.StartOptions
	ActivityOptions   = api.ActivityOptions
	ChildWorkflowSpec = api.ChildWorkflowSpec
	FailurePolicy     = api.FailurePolicy
	RetryPolicy       = api.RetryPolicy
	Status            = api.Status
	RunSnapshot       = api.RunSnapshot
	ListFilter        = api.ListFilter
	WorkflowSummary   = api.WorkflowSummary
	ActivityFunc      = api.ActivityFunc

	WorkflowContext = workflow.Context
	WorkflowFunc    = workflow.Func
	Future          = workflow.Future
	ChildHandle     = workflow.ChildHandle
	ChildResult     = workflow.ChildResult

	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	LoggingObserver      = api.LoggingObserver
	CompositeObserver    = api.CompositeObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	DefaultRetryPolicy   = api.DefaultRetryPolicy
	NonRetryable         = api.NonRetryable
	IsNonRetryable       = api.IsNonRetryable
)

// Re-export status and policy values for convenience.

const (
	StatusRunning        = api.StatusRunning
	StatusCompleted      = api.StatusCompleted
	StatusFailed         = api.StatusFailed
	StatusCancelled      = api.StatusCancelled
	StatusTimedOut       = api.StatusTimedOut
	StatusContinuedAsNew = api.StatusContinuedAsNew

	FailFast   = api.FailFast
	CollectAll = api.CollectAll
)

// Engine constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores
// and an in-memory task queue.
func NewInMemoryEngine() *Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given
// Observer.
func NewInMemoryEngineWithObserver(obs Observer) *Engine {
	store := persistence.NewInMemoryStore()
	return engine.New(engine.Config{
		Persistence: persistence.Persistence{Runs: store, Events: store, Locks: store},
		Queue:       taskqueue.NewInMemoryQueue(),
		Observer:    obs,
	})
}

// NewSQLiteEngine returns an Engine that persists run records, event
// histories, run locks and queued tasks in the given SQLite database.
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the
// given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (*Engine, error) {
	runs, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventLog(db)
	if err != nil {
		return nil, err
	}
	locks, err := persistence.NewSQLiteLockStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Persistence: persistence.Persistence{Runs: runs, Events: events, Locks: locks},
		Queue:       queue,
		Observer:    obs,
	}), nil
}

// NewRedisEngine returns an Engine that persists everything in Redis under
// the given key prefix ("virta" when empty).
func NewRedisEngine(client *redis.Client, prefix string) *Engine {
	return NewRedisEngineWithObserver(client, prefix, nil)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given
// Observer.
func NewRedisEngineWithObserver(client *redis.Client, prefix string, obs Observer) *Engine {
	if prefix == "" {
		prefix = "virta"
	}
	return engine.New(engine.Config{
		Persistence: persistence.Persistence{
			Runs:   persistence.NewRedisRunStore(client, prefix),
			Events: persistence.NewRedisEventLog(client, prefix),
			Locks:  persistence.NewRedisLockStore(client, prefix),
		},
		Queue:    taskqueue.NewRedisQueue(client, prefix),
		Observer: obs,
	})
}

// Convenience helpers that just forward to the underlying Engine.

// StartWorkflow starts a new run of a registered workflow type.
func StartWorkflow(ctx context.Context, eng *Engine, workflowType string, input any, opts StartOptions) (Handle, error) {
	return eng.StartWorkflow(ctx, workflowType, input, opts)
}

// GetResult blocks until the workflow reaches a terminal state and returns
// its result. It follows continue-as-new chains to the final run.
func GetResult(ctx context.Context, eng *Engine, h Handle) (json.RawMessage, error) {
	return eng.GetResult(ctx, h.WorkflowID, h.RunID)
}

// Signal delivers a named payload to the workflow's current run.
func Signal(ctx context.Context, eng *Engine, workflowID, name string, payload any) error {
	return eng.Signal(ctx, workflowID, name, payload)
}

// Query returns a read-only snapshot of a run folded from its history. An
// empty run ID resolves the workflow's current run.
func Query(ctx context.Context, eng *Engine, workflowID, runID string) (*RunSnapshot, error) {
	return eng.Query(ctx, workflowID, runID)
}

// Cancel requests cooperative cancellation of a run. An empty run ID
// resolves the workflow's current run.
func Cancel(ctx context.Context, eng *Engine, workflowID, runID string) error {
	return eng.Cancel(ctx, workflowID, runID)
}

// ListWorkflows returns one page of run summaries plus a resume token.
func ListWorkflows(ctx context.Context, eng *Engine, filter ListFilter) ([]WorkflowSummary, string, error) {
	return eng.ListWorkflows(ctx, filter)
}

// RecoverStuckRuns re-offers the pending work of open runs whose run lock
// has expired. It is typically called on process startup before starting
// any workers:
//
//	count, err := virta.RecoverStuckRuns(ctx, engine)
func RecoverStuckRuns(ctx context.Context, eng *Engine) (int, error) {
	return eng.RecoverStuckRuns(ctx)
}
