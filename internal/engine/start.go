package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/virta/internal/persistence"
	"github.com/petrijr/virta/internal/taskqueue"
	"github.com/petrijr/virta/pkg/api"
)

// StartWorkflow creates a new run for the given workflow type and wakes its
// first decision cycle. Input must be JSON-encodable.
func (e *Engine) StartWorkflow(ctx context.Context, workflowType string, input any, opts api.StartOptions) (api.Handle, error) {
	if workflowType == "" {
		return api.Handle{}, fmt.Errorf("workflow type is required")
	}
	// Fail at start, not at first decision, when the type is unknown.
	if _, err := e.reg.Workflow(workflowType); err != nil {
		return api.Handle{}, err
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return api.Handle{}, fmt.Errorf("marshal workflow input: %w", err)
	}

	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}

	rec := &persistence.RunRecord{
		WorkflowID:   workflowID,
		RunID:        uuid.NewString(),
		WorkflowType: workflowType,
		TaskQueue:    taskQueue,
		Status:       api.StatusRunning,
		Input:        raw,
		RunTimeout:   opts.RunTimeout,
		StartedAt:    time.Now(),
	}

	startAttrs := api.WorkflowStartedAttributes{
		WorkflowType: workflowType,
		Input:        raw,
		TaskQueue:    taskQueue,
		RunTimeout:   opts.RunTimeout,
	}
	if err := e.beginRun(ctx, rec, startAttrs); err != nil {
		return api.Handle{}, err
	}

	e.obs.OnWorkflowStarted(ctx, workflowID, rec.RunID, workflowType)
	e.log.Debug("workflow started",
		"workflow_id", workflowID, "run_id", rec.RunID, "workflow_type", workflowType)

	return api.Handle{WorkflowID: workflowID, RunID: rec.RunID}, nil
}

// beginRun persists a new run record, seeds its history with the started
// event, and enqueues the first decision task plus the run-timeout task.
// Child executions and continue-as-new successors funnel through here too.
func (e *Engine) beginRun(ctx context.Context, rec *persistence.RunRecord, attrs api.WorkflowStartedAttributes) error {
	if err := e.p.Runs.CreateRun(ctx, rec); err != nil {
		return err
	}

	started, err := api.NewEvent(api.EventWorkflowStarted, rec.StartedAt, attrs)
	if err != nil {
		return err
	}
	if err := e.p.Events.Append(ctx, rec.RunID, 0, []api.Event{started}); err != nil {
		// A concurrent or earlier attempt already seeded the log; the run
		// is idempotently started either way.
		if !errors.Is(err, api.ErrSequenceConflict) {
			return err
		}
	}

	if rec.RunTimeout > 0 {
		if err := e.q.Enqueue(ctx, taskqueue.Task{
			ID:         runTimeoutTaskID(rec.RunID),
			Queue:      rec.TaskQueue,
			Kind:       taskqueue.KindRunTimeoutTask,
			WorkflowID: rec.WorkflowID,
			RunID:      rec.RunID,
			NotBefore:  rec.StartedAt.Add(rec.RunTimeout),
		}); err != nil {
			return err
		}
	}

	return e.enqueueDecisionTask(ctx, rec, 1)
}
