package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/petrijr/virta/internal/persistence"
	"github.com/petrijr/virta/pkg/api"
)

// Signal appends an external signal to the workflow's current run and wakes
// its decision loop. Signals are delivered in append order and never
// dropped while the run is open.
func (e *Engine) Signal(ctx context.Context, workflowID, name string, payload any) error {
	if name == "" {
		return fmt.Errorf("signal name is required")
	}
	rec, err := e.p.Runs.CurrentRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("workflow %s is not running (status %s)", workflowID, rec.Status)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal signal payload: %w", err)
	}

	_, err = e.appendExternal(ctx, rec.RunID, func(history []api.Event) ([]api.Event, error) {
		ev, err := api.NewEvent(api.EventSignalReceived, time.Now(), api.SignalReceivedAttributes{
			Name:    name,
			Payload: raw,
		})
		if err != nil {
			return nil, err
		}
		return []api.Event{ev}, nil
	})
	if err != nil {
		return err
	}
	return e.wakeRun(ctx, rec)
}

// Cancel requests cooperative cancellation of a run. With an empty runID
// the workflow's current run is targeted. Cancelling an already terminal
// run is a no-op.
func (e *Engine) Cancel(ctx context.Context, workflowID, runID string) error {
	rec, err := e.resolveRun(ctx, workflowID, runID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	return e.requestCancelRun(ctx, rec.WorkflowID, rec.RunID, "cancel requested")
}

// requestCancelRun records a CancelRequested event (once) and wakes the
// run so its next decision cycle observes the request.
func (e *Engine) requestCancelRun(ctx context.Context, workflowID, runID, reason string) error {
	rec, err := e.p.Runs.GetRun(ctx, workflowID, runID)
	if err != nil {
		if errors.Is(err, api.ErrRunNotFound) {
			return nil
		}
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	_, err = e.appendExternal(ctx, runID, func(history []api.Event) ([]api.Event, error) {
		for _, ev := range history {
			if ev.Kind == api.EventCancelRequested {
				return nil, nil
			}
		}
		ev, err := api.NewEvent(api.EventCancelRequested, time.Now(), api.CancelRequestedAttributes{
			Reason: reason,
		})
		if err != nil {
			return nil, err
		}
		return []api.Event{ev}, nil
	})
	if err != nil {
		return err
	}

	if !rec.CancelRequested {
		rec.CancelRequested = true
		if err := e.p.Runs.UpdateRun(ctx, rec); err != nil {
			e.log.Warn("mark cancel requested failed",
				"workflow_id", workflowID, "run_id", runID, "err", err)
		}
	}
	return e.wakeRun(ctx, rec)
}

// Query builds a read-only snapshot of a run by folding its history. It
// never executes workflow code and never schedules side effects, so it is
// safe to call from anywhere, including against halted runs.
func (e *Engine) Query(ctx context.Context, workflowID, runID string) (*api.RunSnapshot, error) {
	rec, err := e.resolveRun(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	history, err := e.p.Events.Read(ctx, rec.RunID, 0)
	if err != nil {
		return nil, err
	}

	snap := &api.RunSnapshot{
		WorkflowID:      rec.WorkflowID,
		RunID:           rec.RunID,
		WorkflowType:    rec.WorkflowType,
		Status:          rec.Status,
		StartedAt:       rec.StartedAt,
		HistoryLength:   int64(len(history)),
		CancelRequested: rec.CancelRequested,
		Result:          rec.Result,
		Error:           rec.Error,
	}

	pendingActs := make(map[int64]api.PendingActivity)
	pendingTimers := make(map[int64]api.PendingTimer)
	pendingChildren := make(map[int64]api.PendingChild)

	for _, ev := range history {
		switch ev.Kind {
		case api.EventActivityScheduled:
			attrs, err := api.DecodeAttributes[api.ActivityScheduledAttributes](ev)
			if err != nil {
				return nil, err
			}
			pendingActs[attrs.ScheduleID] = api.PendingActivity{
				ScheduleID: attrs.ScheduleID,
				Name:       attrs.Name,
			}

		case api.EventTimerStarted:
			attrs, err := api.DecodeAttributes[api.TimerStartedAttributes](ev)
			if err != nil {
				return nil, err
			}
			pendingTimers[attrs.ScheduleID] = api.PendingTimer{
				ScheduleID: attrs.ScheduleID,
				FireAt:     attrs.FireAt,
			}

		case api.EventChildWorkflowStarted:
			attrs, err := api.DecodeAttributes[api.ChildWorkflowStartedAttributes](ev)
			if err != nil {
				return nil, err
			}
			pendingChildren[attrs.ScheduleID] = api.PendingChild{
				ScheduleID:      attrs.ScheduleID,
				ChildWorkflowID: attrs.ChildWorkflowID,
				ChildRunID:      attrs.ChildRunID,
				WorkflowType:    attrs.WorkflowType,
			}

		case api.EventActivityCompleted, api.EventActivityFailed, api.EventActivityTimedOut,
			api.EventTimerFired,
			api.EventChildWorkflowCompleted, api.EventChildWorkflowFailed:
			var probe struct {
				ScheduleID int64 `json:"schedule_id"`
			}
			if err := json.Unmarshal(ev.Attributes, &probe); err != nil {
				return nil, fmt.Errorf("decode %s attributes: %w", ev.Kind, err)
			}
			delete(pendingActs, probe.ScheduleID)
			delete(pendingTimers, probe.ScheduleID)
			delete(pendingChildren, probe.ScheduleID)

		case api.EventSignalReceived:
			snap.SignalsReceived++

		case api.EventCancelRequested:
			snap.CancelRequested = true
		}
	}

	for _, pa := range pendingActs {
		snap.PendingActivities = append(snap.PendingActivities, pa)
	}
	for _, pt := range pendingTimers {
		snap.PendingTimers = append(snap.PendingTimers, pt)
	}
	for _, pc := range pendingChildren {
		snap.PendingChildren = append(snap.PendingChildren, pc)
	}
	sort.Slice(snap.PendingActivities, func(i, j int) bool {
		return snap.PendingActivities[i].ScheduleID < snap.PendingActivities[j].ScheduleID
	})
	sort.Slice(snap.PendingTimers, func(i, j int) bool {
		return snap.PendingTimers[i].ScheduleID < snap.PendingTimers[j].ScheduleID
	})
	sort.Slice(snap.PendingChildren, func(i, j int) bool {
		return snap.PendingChildren[i].ScheduleID < snap.PendingChildren[j].ScheduleID
	})
	return snap, nil
}

// GetResult blocks until the run reaches a terminal status and returns its
// result. Continue-as-new chains are followed transparently to the final
// run. Terminal failures map to typed errors: WorkflowError for failures,
// ErrWorkflowCancelled and ErrWorkflowTimedOut for the respective statuses.
func (e *Engine) GetResult(ctx context.Context, workflowID, runID string) (json.RawMessage, error) {
	rec, err := e.resolveRun(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}

	for {
		switch rec.Status {
		case api.StatusCompleted:
			return rec.Result, nil
		case api.StatusFailed:
			return nil, &api.WorkflowError{
				WorkflowID: rec.WorkflowID,
				RunID:      rec.RunID,
				Message:    rec.Error,
			}
		case api.StatusCancelled:
			return nil, api.ErrWorkflowCancelled
		case api.StatusTimedOut:
			return nil, api.ErrWorkflowTimedOut
		case api.StatusContinuedAsNew:
			next, err := e.p.Runs.GetRun(ctx, rec.WorkflowID, rec.NewRunID)
			if err != nil {
				return nil, err
			}
			rec = next
			continue
		}

		if rec.HaltReason != "" {
			return nil, fmt.Errorf("run %s halted: %s", rec.RunID, rec.HaltReason)
		}

		// Still open: wait for a close notification, with polling as the
		// cross-process fallback.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.waiter(rec.WorkflowID, rec.RunID):
		case <-time.After(250 * time.Millisecond):
		}

		rec, err = e.p.Runs.GetRun(ctx, rec.WorkflowID, rec.RunID)
		if err != nil {
			return nil, err
		}
	}
}

// ListWorkflows returns one page of run summaries plus the token to resume
// from. An empty token means the listing is exhausted.
func (e *Engine) ListWorkflows(ctx context.Context, filter api.ListFilter) ([]api.WorkflowSummary, string, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	recs, err := e.p.Runs.ListRuns(ctx, persistence.RunFilter{
		WorkflowType: filter.WorkflowType,
		Status:       filter.Status,
	}, filter.StartAfter, pageSize)
	if err != nil {
		return nil, "", err
	}

	summaries := make([]api.WorkflowSummary, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, api.WorkflowSummary{
			WorkflowID:   rec.WorkflowID,
			RunID:        rec.RunID,
			WorkflowType: rec.WorkflowType,
			Status:       rec.Status,
			StartedAt:    rec.StartedAt,
			ClosedAt:     rec.ClosedAt,
		})
	}

	next := ""
	if len(recs) == pageSize {
		last := recs[len(recs)-1]
		next = persistence.RunKey(last.WorkflowID, last.RunID)
	}
	return summaries, next, nil
}

// resolveRun finds a run record, defaulting to the current run when runID
// is empty.
func (e *Engine) resolveRun(ctx context.Context, workflowID, runID string) (*persistence.RunRecord, error) {
	if runID == "" {
		return e.p.Runs.CurrentRun(ctx, workflowID)
	}
	return e.p.Runs.GetRun(ctx, workflowID, runID)
}
