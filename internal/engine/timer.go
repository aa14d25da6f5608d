package engine

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/virta/internal/taskqueue"
	"github.com/petrijr/virta/pkg/api"
)

// FireTimer records a timer firing and wakes the run. Duplicate deliveries
// collapse on the schedule ID.
func (e *Engine) FireTimer(ctx context.Context, t *taskqueue.Task) error {
	rec, err := e.p.Runs.GetRun(ctx, t.WorkflowID, t.RunID)
	if err != nil {
		if errors.Is(err, api.ErrRunNotFound) {
			return nil
		}
		return err
	}

	_, err = e.appendExternal(ctx, t.RunID, func(history []api.Event) ([]api.Event, error) {
		if hasResultFor(history, t.ScheduleID) {
			return nil, nil
		}
		ev, err := api.NewEvent(api.EventTimerFired, time.Now(), api.TimerFiredAttributes{
			ScheduleID: t.ScheduleID,
			FiredAt:    time.Now(),
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

// FireRunTimeout closes a run that exceeded its run timeout. If the run
// already reached a terminal event the task is a no-op.
func (e *Engine) FireRunTimeout(ctx context.Context, t *taskqueue.Task) error {
	rec, err := e.p.Runs.GetRun(ctx, t.WorkflowID, t.RunID)
	if err != nil {
		if errors.Is(err, api.ErrRunNotFound) {
			return nil
		}
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	length, err := e.appendExternal(ctx, t.RunID, func(history []api.Event) ([]api.Event, error) {
		ev, err := api.NewEvent(api.EventWorkflowTimedOut, time.Now(), api.WorkflowTimedOutAttributes{
			Timeout: rec.RunTimeout,
		})
		if err != nil {
			return nil, err
		}
		return []api.Event{ev}, nil
	})
	if err != nil {
		return err
	}

	// Another terminal event may have won the race; only the writer of the
	// timeout event closes the record.
	tail, err := e.p.Events.Read(ctx, t.RunID, length-1)
	if err != nil {
		return err
	}
	if len(tail) == 0 || tail[0].Kind != api.EventWorkflowTimedOut {
		return nil
	}

	rec.Error = api.ErrWorkflowTimedOut.Error()
	return e.closeRun(ctx, rec, api.StatusTimedOut, api.ErrWorkflowTimedOut)
}
