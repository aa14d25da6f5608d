package workflow

import (
	"encoding/json"

	"github.com/petrijr/virta/pkg/api"
)

type futureKind int

const (
	futureActivity futureKind = iota
	futureTimer
	futureChild
)

// Future is the pending outcome of a scheduled operation. Get suspends the
// workflow until the outcome is recorded in history; on replay it returns
// the memoized outcome immediately.
type Future struct {
	wctx       *Context
	scheduleID int64
	kind       futureKind
	name       string

	immediateErr error
}

// Ready reports whether the outcome is already recorded, without
// suspending. Useful for polling-style logic inside joins.
func (f *Future) Ready() bool {
	if f.immediateErr != nil {
		return true
	}
	_, ok := f.wctx.results[f.scheduleID]
	return ok
}

// Get blocks workflow progress until the operation reaches a terminal
// outcome, then unmarshals any result payload into v (which may be nil).
//
// Once a cancellation request is recorded for the run, Get on a still
// pending future returns ErrWorkflowCancelled instead of suspending, so
// workflow logic can wind down deterministically.
func (f *Future) Get(v any) error {
	if f.immediateErr != nil {
		return f.immediateErr
	}

	ev, ok := f.wctx.results[f.scheduleID]
	if !ok {
		if f.wctx.cancelRequested {
			return api.ErrWorkflowCancelled
		}
		f.wctx.suspend()
	}
	f.wctx.consumed[f.scheduleID] = true
	f.wctx.observe(ev)

	switch ev.Kind {
	case api.EventActivityCompleted:
		attrs, err := api.DecodeAttributes[api.ActivityCompletedAttributes](ev)
		if err != nil {
			return err
		}
		return unmarshalResult(attrs.Result, v)

	case api.EventActivityFailed:
		attrs, err := api.DecodeAttributes[api.ActivityFailedAttributes](ev)
		if err != nil {
			return err
		}
		return &api.ActivityError{
			Name:       f.name,
			ScheduleID: f.scheduleID,
			Message:    attrs.Error,
			Retryable:  attrs.Retryable,
		}

	case api.EventActivityTimedOut:
		attrs, err := api.DecodeAttributes[api.ActivityTimedOutAttributes](ev)
		if err != nil {
			return err
		}
		return &api.TimeoutError{
			Name:       f.name,
			ScheduleID: f.scheduleID,
			Kind:       attrs.TimeoutKind,
		}

	case api.EventTimerFired:
		return nil

	case api.EventChildWorkflowCompleted:
		attrs, err := api.DecodeAttributes[api.ChildWorkflowCompletedAttributes](ev)
		if err != nil {
			return err
		}
		return unmarshalResult(attrs.Result, v)

	case api.EventChildWorkflowFailed:
		attrs, err := api.DecodeAttributes[api.ChildWorkflowFailedAttributes](ev)
		if err != nil {
			return err
		}
		if attrs.Cancelled {
			return api.ErrWorkflowCancelled
		}
		return &api.WorkflowError{
			WorkflowID: f.childWorkflowID(),
			Message:    attrs.Error,
		}
	}

	// History holds a result kind this future does not understand; that is
	// an engine invariant violation, not user error.
	f.wctx.failNonDeterminism("terminal outcome", string(ev.Kind))
	return nil // unreachable
}

func (f *Future) childWorkflowID() string {
	if rec, ok := f.wctx.scheduled[f.scheduleID]; ok && rec.child != nil {
		return rec.child.ChildWorkflowID
	}
	return ""
}

func unmarshalResult(raw json.RawMessage, v any) error {
	if v == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
