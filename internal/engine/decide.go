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
	"github.com/petrijr/virta/pkg/workflow"
)

// RunWorkflowTask executes one decision cycle for the run named by the
// task: acquire the run lock, replay the workflow function against history,
// append the events for the new decisions, and apply their side effects.
//
// Returning nil means the task may be acked. ErrLeaseHeld means another
// holder is deciding this run; the task stays queued and redelivers after
// its lease expires.
func (e *Engine) RunWorkflowTask(ctx context.Context, t *taskqueue.Task, holder string) error {
	rec, err := e.p.Runs.GetRun(ctx, t.WorkflowID, t.RunID)
	if err != nil {
		if errors.Is(err, api.ErrRunNotFound) {
			return nil // stale task for a run that never materialized
		}
		return err
	}
	if rec.Status.IsTerminal() || rec.HaltReason != "" {
		return nil
	}

	acquired, err := e.p.Locks.TryAcquireLease(ctx, rec.RunID, holder, e.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return api.ErrLeaseHeld
	}
	defer func() {
		_ = e.p.Locks.ReleaseLease(context.WithoutCancel(ctx), rec.RunID, holder)
	}()

	history, err := e.p.Events.Read(ctx, rec.RunID, 0)
	if err != nil {
		return err
	}
	if n := len(history); n > 0 && history[n-1].Kind.IsTerminal() {
		// The log closed but the record update was lost; repair it.
		return e.closeFromHistory(ctx, rec, history)
	}

	fn, err := e.reg.Workflow(rec.WorkflowType)
	if err != nil {
		return e.haltRun(ctx, rec, err.Error())
	}

	start := time.Now()
	res := workflow.Execute(fn, workflow.ExecutionInfo{
		WorkflowID:   rec.WorkflowID,
		RunID:        rec.RunID,
		WorkflowType: rec.WorkflowType,
		TaskQueue:    rec.TaskQueue,
		Input:        rec.Input,
		Logger:       e.log,
	}, history)

	if res.NonDeterminism != nil {
		return e.haltRun(ctx, rec, res.NonDeterminism.Error())
	}

	appended, err := e.applyResult(ctx, rec, history, res)
	if err != nil {
		return err
	}

	e.obs.OnDecisionCycle(ctx, rec.WorkflowID, rec.RunID, appended, time.Since(start))
	return nil
}

// applyResult turns one replay result into appended events and side
// effects, and returns how many events were appended.
func (e *Engine) applyResult(ctx context.Context, rec *persistence.RunRecord, history []api.Event, res workflow.Result) (int, error) {
	now := time.Now()
	events, sideEffects, cancels, err := e.layOutCommands(rec, res.Commands, now)
	if err != nil {
		return 0, err
	}

	var terminal *api.Event
	switch res.Outcome {
	case workflow.OutcomeSuspended:
		// No terminal event; the run waits for results.

	case workflow.OutcomeCompleted:
		ev, err := api.NewEvent(api.EventWorkflowCompleted, now,
			api.WorkflowCompletedAttributes{Result: res.Output})
		if err != nil {
			return 0, err
		}
		terminal = &ev

	case workflow.OutcomeFailed:
		ev, err := api.NewEvent(api.EventWorkflowFailed, now,
			api.WorkflowFailedAttributes{Error: res.Err.Error()})
		if err != nil {
			return 0, err
		}
		terminal = &ev

	case workflow.OutcomeCancelled:
		ev, err := api.NewEvent(api.EventWorkflowCancelled, now, nil)
		if err != nil {
			return 0, err
		}
		terminal = &ev

	case workflow.OutcomeContinueAsNew:
		newRunID := uuid.NewString()
		ev, err := api.NewEvent(api.EventWorkflowContinuedAsNew, now,
			api.WorkflowContinuedAsNewAttributes{NewRunID: newRunID, Input: res.NextInput})
		if err != nil {
			return 0, err
		}
		terminal = &ev
		rec.NewRunID = newRunID
	}
	if terminal != nil {
		events = append(events, *terminal)
	}

	if len(events) > 0 {
		expected := int64(len(history))
		if err := e.p.Events.Append(ctx, rec.RunID, expected, events); err != nil {
			if errors.Is(err, api.ErrSequenceConflict) {
				// An external event (signal, activity outcome) landed
				// between read and append. The whole cycle is discarded;
				// schedule a fresh one against the longer history.
				length, lerr := e.p.Events.Length(ctx, rec.RunID)
				if lerr != nil {
					return 0, lerr
				}
				return 0, e.enqueueDecisionTask(ctx, rec, length)
			}
			return 0, err
		}
	}

	// Events are durable; side effects may now fire. Redelivery after a
	// crash between these steps is absorbed by idempotent task IDs and by
	// recovery re-offering pending work from history.
	for _, fx := range sideEffects {
		if err := fx(ctx); err != nil {
			return 0, err
		}
	}
	for _, c := range cancels {
		if err := e.requestCancelRun(ctx, c.ChildWorkflowID, c.ChildRunID, "parent requested cancellation"); err != nil {
			e.log.Warn("cancel child failed",
				"workflow_id", rec.WorkflowID, "child_workflow_id", c.ChildWorkflowID, "err", err)
		}
	}

	switch res.Outcome {
	case workflow.OutcomeCompleted:
		rec.Result = res.Output
		return len(events), e.closeRun(ctx, rec, api.StatusCompleted, nil)
	case workflow.OutcomeFailed:
		rec.Error = res.Err.Error()
		return len(events), e.closeRun(ctx, rec, api.StatusFailed, res.Err)
	case workflow.OutcomeCancelled:
		return len(events), e.closeRun(ctx, rec, api.StatusCancelled, api.ErrWorkflowCancelled)
	case workflow.OutcomeContinueAsNew:
		if err := e.closeRun(ctx, rec, api.StatusContinuedAsNew, nil); err != nil {
			return len(events), err
		}
		return len(events), e.startSuccessorRun(ctx, rec, res.NextInput)
	}
	return len(events), nil
}

// sideEffect is a deferred queue or store operation derived from a command.
type sideEffect func(ctx context.Context) error

// layOutCommands converts schedule commands into history events plus the
// side effects to run after the batch is durable. Cancel commands produce
// no events on this run; they are returned separately.
func (e *Engine) layOutCommands(rec *persistence.RunRecord, cmds []workflow.Command, now time.Time) ([]api.Event, []sideEffect, []workflow.CancelChildCommand, error) {
	var (
		events      []api.Event
		sideEffects []sideEffect
		cancels     []workflow.CancelChildCommand
	)

	for _, cmd := range cmds {
		switch cmd.Kind {
		case workflow.CommandScheduleActivity:
			act := cmd.Activity
			queue := act.Options.TaskQueue
			if queue == "" {
				queue = rec.TaskQueue
			}
			ev, err := api.NewEvent(api.EventActivityScheduled, now, api.ActivityScheduledAttributes{
				ScheduleID:      cmd.ScheduleID,
				Name:            act.Name,
				Input:           act.Input,
				TaskQueue:       queue,
				RetryPolicy:     act.Options.RetryPolicy,
				StartToClose:    act.Options.StartToClose,
				ScheduleToStart: act.Options.ScheduleToStart,
			})
			if err != nil {
				return nil, nil, nil, err
			}
			events = append(events, ev)

			task := taskqueue.Task{
				ID:           activityTaskID(rec.RunID, cmd.ScheduleID, 1),
				Queue:        queue,
				Kind:         taskqueue.KindActivityTask,
				WorkflowID:   rec.WorkflowID,
				RunID:        rec.RunID,
				ScheduleID:   cmd.ScheduleID,
				Name:         act.Name,
				Input:        act.Input,
				Attempt:      1,
				Retry:        act.Options.RetryPolicy,
				StartToClose: act.Options.StartToClose,
			}
			if act.Options.ScheduleToStart > 0 {
				task.ExpiresAt = now.Add(act.Options.ScheduleToStart)
			}
			sideEffects = append(sideEffects, func(ctx context.Context) error {
				return e.q.Enqueue(ctx, task)
			})

		case workflow.CommandStartTimer:
			fireAt := now.Add(cmd.Timer.Duration)
			ev, err := api.NewEvent(api.EventTimerStarted, now, api.TimerStartedAttributes{
				ScheduleID: cmd.ScheduleID,
				Duration:   cmd.Timer.Duration,
				FireAt:     fireAt,
			})
			if err != nil {
				return nil, nil, nil, err
			}
			events = append(events, ev)

			task := taskqueue.Task{
				ID:         timerTaskID(rec.RunID, cmd.ScheduleID),
				Queue:      rec.TaskQueue,
				Kind:       taskqueue.KindTimerTask,
				WorkflowID: rec.WorkflowID,
				RunID:      rec.RunID,
				ScheduleID: cmd.ScheduleID,
				NotBefore:  fireAt,
			}
			sideEffects = append(sideEffects, func(ctx context.Context) error {
				return e.q.Enqueue(ctx, task)
			})

		case workflow.CommandStartChild:
			child := cmd.Child
			childRunID := uuid.NewString()
			ev, err := api.NewEvent(api.EventChildWorkflowStarted, now, api.ChildWorkflowStartedAttributes{
				ScheduleID:      cmd.ScheduleID,
				ChildWorkflowID: child.WorkflowID,
				ChildRunID:      childRunID,
				WorkflowType:    child.WorkflowType,
				Input:           child.Input,
				TaskQueue:       child.TaskQueue,
			})
			if err != nil {
				return nil, nil, nil, err
			}
			events = append(events, ev)

			childRec := &persistence.RunRecord{
				WorkflowID:       child.WorkflowID,
				RunID:            childRunID,
				WorkflowType:     child.WorkflowType,
				TaskQueue:        child.TaskQueue,
				Status:           api.StatusRunning,
				Input:            child.Input,
				ParentWorkflowID: rec.WorkflowID,
				ParentRunID:      rec.RunID,
				ParentScheduleID: cmd.ScheduleID,
				StartedAt:        now,
			}
			scheduleID := cmd.ScheduleID
			sideEffects = append(sideEffects, func(ctx context.Context) error {
				return e.startChildRun(ctx, rec, childRec, scheduleID)
			})

		case workflow.CommandCancelChild:
			cancels = append(cancels, *cmd.CancelChild)

		default:
			return nil, nil, nil, fmt.Errorf("unknown command kind %q", cmd.Kind)
		}
	}

	return events, sideEffects, cancels, nil
}

// startChildRun creates the child execution. A collision on the child's
// workflow ID is recorded as the child failing, not as a decision error:
// retrying the parent would never make the conflicting run go away.
func (e *Engine) startChildRun(ctx context.Context, parent, child *persistence.RunRecord, scheduleID int64) error {
	err := e.beginRun(ctx, child, api.WorkflowStartedAttributes{
		WorkflowType:     child.WorkflowType,
		Input:            child.Input,
		TaskQueue:        child.TaskQueue,
		ParentWorkflowID: parent.WorkflowID,
		ParentRunID:      parent.RunID,
		ParentScheduleID: scheduleID,
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, api.ErrWorkflowAlreadyRunning) {
		return err
	}
	cause := err

	_, aerr := e.appendExternal(ctx, parent.RunID, func(history []api.Event) ([]api.Event, error) {
		if hasResultFor(history, scheduleID) {
			return nil, nil
		}
		ev, err := api.NewEvent(api.EventChildWorkflowFailed, time.Now(), api.ChildWorkflowFailedAttributes{
			ScheduleID: scheduleID,
			Error:      fmt.Sprintf("child workflow %s: %v", child.WorkflowID, cause),
		})
		if err != nil {
			return nil, err
		}
		return []api.Event{ev}, nil
	})
	if aerr != nil {
		return aerr
	}
	return e.wakeRun(ctx, parent)
}

// haltRun freezes a run after a non-deterministic replay or configuration
// error. The run keeps StatusRunning but is skipped by decision cycles and
// recovery until an operator intervenes.
func (e *Engine) haltRun(ctx context.Context, rec *persistence.RunRecord, reason string) error {
	rec.HaltReason = reason
	if err := e.p.Runs.UpdateRun(ctx, rec); err != nil {
		return err
	}
	e.log.Error("run halted",
		"workflow_id", rec.WorkflowID, "run_id", rec.RunID, "reason", reason)
	return nil
}

// closeRun records a terminal status, releases result waiters, and
// notifies the parent when this run is a child execution.
func (e *Engine) closeRun(ctx context.Context, rec *persistence.RunRecord, status api.Status, cause error) error {
	rec.Status = status
	rec.ClosedAt = time.Now()
	if err := e.p.Runs.UpdateRun(ctx, rec); err != nil {
		return err
	}

	e.notifyClosed(rec.WorkflowID, rec.RunID)
	if status != api.StatusContinuedAsNew {
		e.obs.OnWorkflowFinished(ctx, rec.WorkflowID, rec.RunID, status, cause)
		if rec.ParentWorkflowID != "" {
			if err := e.notifyParent(ctx, rec, status); err != nil {
				e.log.Warn("notify parent failed",
					"workflow_id", rec.WorkflowID, "parent_workflow_id", rec.ParentWorkflowID, "err", err)
			}
		}
	}
	return nil
}

// notifyParent appends the child's terminal outcome to the parent's history
// and wakes the parent's decision loop. Duplicate notifications collapse on
// the recorded schedule ID.
func (e *Engine) notifyParent(ctx context.Context, child *persistence.RunRecord, status api.Status) error {
	parent, err := e.p.Runs.GetRun(ctx, child.ParentWorkflowID, child.ParentRunID)
	if err != nil {
		return err
	}

	_, err = e.appendExternal(ctx, parent.RunID, func(history []api.Event) ([]api.Event, error) {
		if hasResultFor(history, child.ParentScheduleID) {
			return nil, nil
		}

		var ev api.Event
		var eerr error
		switch status {
		case api.StatusCompleted:
			ev, eerr = api.NewEvent(api.EventChildWorkflowCompleted, time.Now(), api.ChildWorkflowCompletedAttributes{
				ScheduleID: child.ParentScheduleID,
				Result:     child.Result,
			})
		case api.StatusCancelled:
			ev, eerr = api.NewEvent(api.EventChildWorkflowFailed, time.Now(), api.ChildWorkflowFailedAttributes{
				ScheduleID: child.ParentScheduleID,
				Error:      "child workflow cancelled",
				Cancelled:  true,
			})
		default:
			msg := child.Error
			if msg == "" {
				msg = string(status)
			}
			ev, eerr = api.NewEvent(api.EventChildWorkflowFailed, time.Now(), api.ChildWorkflowFailedAttributes{
				ScheduleID: child.ParentScheduleID,
				Error:      msg,
			})
		}
		if eerr != nil {
			return nil, eerr
		}
		return []api.Event{ev}, nil
	})
	if err != nil {
		return err
	}
	return e.wakeRun(ctx, parent)
}

// startSuccessorRun begins the continue-as-new successor, carrying over the
// workflow identity, routing and parent linkage.
func (e *Engine) startSuccessorRun(ctx context.Context, prev *persistence.RunRecord, input []byte) error {
	rec := &persistence.RunRecord{
		WorkflowID:       prev.WorkflowID,
		RunID:            prev.NewRunID,
		WorkflowType:     prev.WorkflowType,
		TaskQueue:        prev.TaskQueue,
		Status:           api.StatusRunning,
		Input:            input,
		ParentWorkflowID: prev.ParentWorkflowID,
		ParentRunID:      prev.ParentRunID,
		ParentScheduleID: prev.ParentScheduleID,
		RunTimeout:       prev.RunTimeout,
		StartedAt:        time.Now(),
	}
	return e.beginRun(ctx, rec, api.WorkflowStartedAttributes{
		WorkflowType:     rec.WorkflowType,
		Input:            input,
		TaskQueue:        rec.TaskQueue,
		RunTimeout:       rec.RunTimeout,
		ParentWorkflowID: rec.ParentWorkflowID,
		ParentRunID:      rec.ParentRunID,
		ParentScheduleID: rec.ParentScheduleID,
		PreviousRunID:    prev.RunID,
	})
}

// closeFromHistory repairs a run whose history holds a terminal event but
// whose record still says running (crash between append and update).
func (e *Engine) closeFromHistory(ctx context.Context, rec *persistence.RunRecord, history []api.Event) error {
	last := history[len(history)-1]
	switch last.Kind {
	case api.EventWorkflowCompleted:
		attrs, err := api.DecodeAttributes[api.WorkflowCompletedAttributes](last)
		if err != nil {
			return err
		}
		rec.Result = attrs.Result
		return e.closeRun(ctx, rec, api.StatusCompleted, nil)

	case api.EventWorkflowFailed:
		attrs, err := api.DecodeAttributes[api.WorkflowFailedAttributes](last)
		if err != nil {
			return err
		}
		rec.Error = attrs.Error
		return e.closeRun(ctx, rec, api.StatusFailed, &api.WorkflowError{
			WorkflowID: rec.WorkflowID, RunID: rec.RunID, Message: attrs.Error,
		})

	case api.EventWorkflowCancelled:
		return e.closeRun(ctx, rec, api.StatusCancelled, api.ErrWorkflowCancelled)

	case api.EventWorkflowTimedOut:
		return e.closeRun(ctx, rec, api.StatusTimedOut, api.ErrWorkflowTimedOut)

	case api.EventWorkflowContinuedAsNew:
		attrs, err := api.DecodeAttributes[api.WorkflowContinuedAsNewAttributes](last)
		if err != nil {
			return err
		}
		rec.NewRunID = attrs.NewRunID
		if err := e.closeRun(ctx, rec, api.StatusContinuedAsNew, nil); err != nil {
			return err
		}
		// Recreate the successor if it never materialized.
		if _, gerr := e.p.Runs.GetRun(ctx, rec.WorkflowID, attrs.NewRunID); errors.Is(gerr, api.ErrRunNotFound) {
			return e.startSuccessorRun(ctx, rec, attrs.Input)
		}
		return nil
	}
	return fmt.Errorf("run %s: unexpected terminal event %s", rec.RunID, last.Kind)
}

// wakeRun enqueues a decision task positioned at the run's current history
// length.
func (e *Engine) wakeRun(ctx context.Context, rec *persistence.RunRecord) error {
	length, err := e.p.Events.Length(ctx, rec.RunID)
	if err != nil {
		return err
	}
	return e.enqueueDecisionTask(ctx, rec, length)
}

// hasResultFor reports whether history already records a terminal outcome
// event carrying the given schedule ID.
func hasResultFor(history []api.Event, scheduleID int64) bool {
	for _, ev := range history {
		switch ev.Kind {
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventActivityTimedOut,
			api.EventTimerFired,
			api.EventChildWorkflowCompleted, api.EventChildWorkflowFailed:
			var probe struct {
				ScheduleID int64 `json:"schedule_id"`
			}
			if err := json.Unmarshal(ev.Attributes, &probe); err == nil && probe.ScheduleID == scheduleID {
				return true
			}
		}
	}
	return false
}
