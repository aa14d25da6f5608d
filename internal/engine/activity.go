package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/petrijr/virta/internal/taskqueue"
	"github.com/petrijr/virta/pkg/api"
)

// CompleteActivity records a successful activity attempt and wakes the
// run's decision loop. Duplicate completions for the same schedule ID
// collapse, so at-least-once task delivery is safe.
func (e *Engine) CompleteActivity(ctx context.Context, t *taskqueue.Task, result json.RawMessage) error {
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
		ev, err := api.NewEvent(api.EventActivityCompleted, time.Now(), api.ActivityCompletedAttributes{
			ScheduleID: t.ScheduleID,
			Result:     result,
			Attempt:    t.Attempt,
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

// FailActivity handles a failed attempt. Retryable failures within the
// policy budget schedule the next attempt after the backoff delay and leave
// no trace in history; only the terminal failure is recorded.
func (e *Engine) FailActivity(ctx context.Context, t *taskqueue.Task, cause error) error {
	retryable := !api.IsNonRetryable(cause)
	if retryable && t.Retry.AllowsAnother(t.Attempt) {
		return e.enqueueRetry(ctx, t)
	}

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
		ev, err := api.NewEvent(api.EventActivityFailed, time.Now(), api.ActivityFailedAttributes{
			ScheduleID: t.ScheduleID,
			Error:      cause.Error(),
			Attempt:    t.Attempt,
			Retryable:  retryable,
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

// TimeoutActivity handles an expired attempt. A start-to-close timeout
// consumes an attempt like a failure and retries within the policy budget;
// a schedule-to-start timeout is terminal immediately, since the scheduling
// window has passed for every future attempt as well.
func (e *Engine) TimeoutActivity(ctx context.Context, t *taskqueue.Task, kind api.TimeoutKind) error {
	if kind == api.TimeoutStartToClose && t.Retry.AllowsAnother(t.Attempt) {
		return e.enqueueRetry(ctx, t)
	}

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
		ev, err := api.NewEvent(api.EventActivityTimedOut, time.Now(), api.ActivityTimedOutAttributes{
			ScheduleID:  t.ScheduleID,
			TimeoutKind: kind,
			Attempt:     t.Attempt,
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

// enqueueRetry schedules the next attempt. The new task ID embeds the
// attempt number, so a redelivered older attempt cannot collide with it.
func (e *Engine) enqueueRetry(ctx context.Context, t *taskqueue.Task) error {
	next := *t
	next.Attempt = t.Attempt + 1
	next.ID = activityTaskID(t.RunID, t.ScheduleID, next.Attempt)
	next.NotBefore = time.Now().Add(t.Retry.Delay(t.Attempt))
	next.EnqueuedAt = time.Time{}
	return e.q.Enqueue(ctx, next)
}
