package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/virta/pkg/api"
)

// ChildHandle refers to one child workflow execution started by this run.
type ChildHandle struct {
	future *Future

	workflowID string
	runID      string // known once the start decision is recorded
	wfType     string
}

// WorkflowID returns the child's workflow ID. It is assigned
// deterministically, so it is valid even before the start decision is
// recorded.
func (h *ChildHandle) WorkflowID() string { return h.workflowID }

// RunID returns the child's run ID, or "" until the start decision has been
// recorded in history.
func (h *ChildHandle) RunID() string { return h.runID }

// Get blocks until the child reaches a terminal state and unmarshals its
// result into v (which may be nil).
func (h *ChildHandle) Get(v any) error {
	return h.future.Get(v)
}

// ChildResult is the per-index outcome of a join under CollectAll. Exactly
// one of Result/Err is meaningful.
type ChildResult struct {
	Result json.RawMessage
	Err    error
}

// Decode unmarshals the child's result payload into v.
func (r ChildResult) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	return unmarshalResult(r.Result, v)
}

// StartChildWorkflow starts one child execution with its own event log and
// run lock. The returned handle can be awaited directly or passed to
// JoinChildren.
func (c *Context) StartChildWorkflow(spec api.ChildWorkflowSpec) *ChildHandle {
	sid := c.nextID()

	if rec, ok := c.scheduled[sid]; ok {
		if rec.kind != api.EventChildWorkflowStarted || rec.child.WorkflowType != spec.WorkflowType {
			c.failNonDeterminism(describeScheduled(rec),
				fmt.Sprintf("start child workflow %q", spec.WorkflowType))
		}
		return &ChildHandle{
			future:     &Future{wctx: c, scheduleID: sid, kind: futureChild, name: spec.WorkflowType},
			workflowID: rec.child.ChildWorkflowID,
			runID:      rec.child.ChildRunID,
			wfType:     spec.WorkflowType,
		}
	}

	workflowID := spec.WorkflowID
	if workflowID == "" {
		// Derived, not random: replays must assign the same identifier.
		workflowID = fmt.Sprintf("%s:%d", c.info.WorkflowID, sid)
	}
	taskQueue := spec.TaskQueue
	if taskQueue == "" {
		taskQueue = c.info.TaskQueue
	}

	handle := &ChildHandle{
		future:     &Future{wctx: c, scheduleID: sid, kind: futureChild, name: spec.WorkflowType},
		workflowID: workflowID,
		wfType:     spec.WorkflowType,
	}

	raw, err := json.Marshal(spec.Input)
	if err != nil {
		handle.future.immediateErr = fmt.Errorf("marshal input for child %q: %w", spec.WorkflowType, err)
		return handle
	}

	c.commands = append(c.commands, Command{
		Kind:       CommandStartChild,
		ScheduleID: sid,
		Child: &StartChildCommand{
			WorkflowID:   workflowID,
			WorkflowType: spec.WorkflowType,
			Input:        raw,
			TaskQueue:    taskQueue,
		},
	})
	return handle
}

// JoinChildren waits for the given children according to policy. The
// returned slice always matches the input order of handles, never
// completion order.
//
// Under CollectAll the join resolves once every child is terminal and
// reports a per-index result or error. Under FailFast the first recorded
// child failure cancels still-pending siblings and fails the join with a
// ChildWorkflowError carrying the failed child's index.
//
// The policy is a required argument; FailurePolicyUnspecified is rejected.
func (c *Context) JoinChildren(handles []*ChildHandle, policy api.FailurePolicy) ([]ChildResult, error) {
	switch policy {
	case api.FailFast, api.CollectAll:
	default:
		return nil, fmt.Errorf("join requires an explicit failure policy, got %s", policy)
	}

	if policy == api.FailFast {
		if idx := c.firstFailedChild(handles); idx >= 0 {
			c.cancelPendingChildren(handles)
			err := handles[idx].Get(nil)
			return nil, &api.ChildWorkflowError{
				Index:           idx,
				ChildWorkflowID: handles[idx].workflowID,
				Err:             err,
			}
		}
	}

	// Wait for everything. Suspension happens inside Get on the first
	// child whose terminal event is missing.
	results := make([]ChildResult, len(handles))
	for i, h := range handles {
		var raw json.RawMessage
		if err := h.Get(&raw); err != nil {
			if policy == api.FailFast {
				c.cancelPendingChildren(handles)
				return nil, &api.ChildWorkflowError{
					Index:           i,
					ChildWorkflowID: h.workflowID,
					Err:             err,
				}
			}
			results[i] = ChildResult{Err: err}
			continue
		}
		results[i] = ChildResult{Result: raw}
	}
	return results, nil
}

// FanOut starts one child per spec and joins them under policy. It is the
// common fan-out/join shape in one call.
func (c *Context) FanOut(specs []api.ChildWorkflowSpec, policy api.FailurePolicy) ([]ChildResult, error) {
	handles := make([]*ChildHandle, len(specs))
	for i, spec := range specs {
		handles[i] = c.StartChildWorkflow(spec)
	}
	return c.JoinChildren(handles, policy)
}

// firstFailedChild returns the index whose recorded failure event landed
// first in history, or -1. Selection follows event order, not input order:
// once the join fails, later cycles append the cancelled siblings' failure
// events, and input order would then name a different child on replay.
// Genuine failures outrank cancellation outcomes, so the cause is never
// masked by a sibling that was cancelled because of it.
func (c *Context) firstFailedChild(handles []*ChildHandle) int {
	best := -1
	bestCancelled := false
	var bestSeq int64

	for i, h := range handles {
		ev, ok := c.results[h.future.scheduleID]
		if !ok || ev.Kind != api.EventChildWorkflowFailed {
			continue
		}
		attrs, err := api.DecodeAttributes[api.ChildWorkflowFailedAttributes](ev)
		if err != nil {
			// Undecodable attributes surface through Get at this index.
			continue
		}
		switch {
		case best == -1,
			bestCancelled && !attrs.Cancelled,
			bestCancelled == attrs.Cancelled && ev.Seq < bestSeq:
			best, bestCancelled, bestSeq = i, attrs.Cancelled, ev.Seq
		}
	}
	return best
}

// cancelPendingChildren issues best-effort cancellation commands for every
// handle with no terminal event yet. The engine applies them idempotently,
// so replays reaching this point again are harmless.
func (c *Context) cancelPendingChildren(handles []*ChildHandle) {
	for _, h := range handles {
		sid := h.future.scheduleID
		if _, done := c.results[sid]; done {
			continue
		}
		if c.cancelled[sid] {
			continue
		}
		rec, started := c.scheduled[sid]
		if !started || rec.child == nil {
			// Start decision not recorded yet; nothing to cancel.
			continue
		}
		c.cancelled[sid] = true
		c.commands = append(c.commands, Command{
			Kind:       CommandCancelChild,
			ScheduleID: sid,
			CancelChild: &CancelChildCommand{
				ChildWorkflowID: rec.child.ChildWorkflowID,
				ChildRunID:      rec.child.ChildRunID,
			},
		})
	}
}
