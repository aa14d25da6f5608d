package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrijr/virta/internal/persistence"
	"github.com/petrijr/virta/internal/taskqueue"
	"github.com/petrijr/virta/pkg/api"
)

// RecoverStuckRuns scans open runs with no active run lock and re-offers
// the work their history says is pending: lost decision tasks, activity
// tasks, timers and child executions. It returns how many runs were
// repaired.
//
// Crash detection is lease expiry and nothing else: a run whose lock is
// still held is in good hands and is skipped. Repair re-derives every task
// from history with the same deterministic IDs normal scheduling uses, so
// re-offering is idempotent; the rare duplicate activity delivery this can
// cause is absorbed by outcome deduplication against history.
func (e *Engine) RecoverStuckRuns(ctx context.Context) (int, error) {
	const pageSize = 200

	recovered := 0
	after := ""
	for {
		recs, err := e.p.Runs.ListRuns(ctx, persistence.RunFilter{Status: api.StatusRunning}, after, pageSize)
		if err != nil {
			return recovered, err
		}
		for _, rec := range recs {
			after = persistence.RunKey(rec.WorkflowID, rec.RunID)
			if rec.HaltReason != "" {
				continue
			}
			_, _, held, err := e.p.Locks.LeaseHolder(ctx, rec.RunID)
			if err != nil {
				return recovered, err
			}
			if held {
				continue
			}
			if err := e.repairRun(ctx, rec); err != nil {
				e.log.Warn("repair run failed",
					"workflow_id", rec.WorkflowID, "run_id", rec.RunID, "err", err)
				continue
			}
			recovered++
		}
		if len(recs) < pageSize {
			return recovered, nil
		}
	}
}

// repairRun reconciles one open run against its history.
func (e *Engine) repairRun(ctx context.Context, rec *persistence.RunRecord) error {
	history, err := e.p.Events.Read(ctx, rec.RunID, 0)
	if err != nil {
		return err
	}

	if len(history) == 0 {
		// The record exists but the started event never landed; re-seed it.
		started, err := api.NewEvent(api.EventWorkflowStarted, rec.StartedAt, api.WorkflowStartedAttributes{
			WorkflowType:     rec.WorkflowType,
			Input:            rec.Input,
			TaskQueue:        rec.TaskQueue,
			RunTimeout:       rec.RunTimeout,
			ParentWorkflowID: rec.ParentWorkflowID,
			ParentRunID:      rec.ParentRunID,
			ParentScheduleID: rec.ParentScheduleID,
		})
		if err != nil {
			return err
		}
		if err := e.p.Events.Append(ctx, rec.RunID, 0, []api.Event{started}); err != nil &&
			!errors.Is(err, api.ErrSequenceConflict) {
			return err
		}
		history = []api.Event{started}
	}

	if last := history[len(history)-1]; last.Kind.IsTerminal() {
		return e.closeFromHistory(ctx, rec, history)
	}

	if err := e.reofferPendingWork(ctx, rec, history); err != nil {
		return err
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

	return e.enqueueDecisionTask(ctx, rec, int64(len(history)))
}

// reofferPendingWork re-enqueues the task for every scheduled operation
// with no recorded outcome, and recreates child runs whose start decision
// is in history but whose run never materialized.
func (e *Engine) reofferPendingWork(ctx context.Context, rec *persistence.RunRecord, history []api.Event) error {
	type pendingSchedule struct {
		ev   api.Event
		done bool
	}
	pending := make(map[int64]*pendingSchedule)

	for _, ev := range history {
		switch ev.Kind {
		case api.EventActivityScheduled, api.EventTimerStarted, api.EventChildWorkflowStarted:
			sid, err := scheduleIDOf(ev)
			if err != nil {
				return err
			}
			pending[sid] = &pendingSchedule{ev: ev}

		case api.EventActivityCompleted, api.EventActivityFailed, api.EventActivityTimedOut,
			api.EventTimerFired,
			api.EventChildWorkflowCompleted, api.EventChildWorkflowFailed:
			sid, err := scheduleIDOf(ev)
			if err != nil {
				return err
			}
			if p, ok := pending[sid]; ok {
				p.done = true
			}
		}
	}

	for sid, p := range pending {
		if p.done {
			continue
		}
		switch p.ev.Kind {
		case api.EventActivityScheduled:
			attrs, err := api.DecodeAttributes[api.ActivityScheduledAttributes](p.ev)
			if err != nil {
				return err
			}
			task := taskqueue.Task{
				ID:           activityTaskID(rec.RunID, sid, 1),
				Queue:        attrs.TaskQueue,
				Kind:         taskqueue.KindActivityTask,
				WorkflowID:   rec.WorkflowID,
				RunID:        rec.RunID,
				ScheduleID:   sid,
				Name:         attrs.Name,
				Input:        attrs.Input,
				Attempt:      1,
				Retry:        attrs.RetryPolicy,
				StartToClose: attrs.StartToClose,
			}
			if attrs.ScheduleToStart > 0 {
				task.ExpiresAt = p.ev.Timestamp.Add(attrs.ScheduleToStart)
			}
			if err := e.q.Enqueue(ctx, task); err != nil {
				return err
			}

		case api.EventTimerStarted:
			attrs, err := api.DecodeAttributes[api.TimerStartedAttributes](p.ev)
			if err != nil {
				return err
			}
			if err := e.q.Enqueue(ctx, taskqueue.Task{
				ID:         timerTaskID(rec.RunID, sid),
				Queue:      rec.TaskQueue,
				Kind:       taskqueue.KindTimerTask,
				WorkflowID: rec.WorkflowID,
				RunID:      rec.RunID,
				ScheduleID: sid,
				NotBefore:  attrs.FireAt,
			}); err != nil {
				return err
			}

		case api.EventChildWorkflowStarted:
			attrs, err := api.DecodeAttributes[api.ChildWorkflowStartedAttributes](p.ev)
			if err != nil {
				return err
			}
			_, gerr := e.p.Runs.GetRun(ctx, attrs.ChildWorkflowID, attrs.ChildRunID)
			if gerr == nil {
				continue
			}
			if !errors.Is(gerr, api.ErrRunNotFound) {
				return gerr
			}
			childRec := &persistence.RunRecord{
				WorkflowID:       attrs.ChildWorkflowID,
				RunID:            attrs.ChildRunID,
				WorkflowType:     attrs.WorkflowType,
				TaskQueue:        attrs.TaskQueue,
				Status:           api.StatusRunning,
				Input:            attrs.Input,
				ParentWorkflowID: rec.WorkflowID,
				ParentRunID:      rec.RunID,
				ParentScheduleID: sid,
				StartedAt:        p.ev.Timestamp,
			}
			if err := e.startChildRun(ctx, rec, childRec, sid); err != nil {
				return err
			}
		}
	}
	return nil
}

func scheduleIDOf(ev api.Event) (int64, error) {
	var probe struct {
		ScheduleID int64 `json:"schedule_id"`
	}
	if err := json.Unmarshal(ev.Attributes, &probe); err != nil {
		return 0, fmt.Errorf("decode %s attributes: %w", ev.Kind, err)
	}
	return probe.ScheduleID, nil
}
