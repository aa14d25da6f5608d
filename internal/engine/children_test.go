package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/petrijr/virta/pkg/api"
	"github.com/petrijr/virta/pkg/workflow"
)

func registerSquareChild(t *testing.T, env *testEnv) {
	t.Helper()
	if err := env.eng.Registry().RegisterWorkflow("square", func(wctx *workflow.Context) (any, error) {
		var n int
		if err := wctx.Input(&n); err != nil {
			return nil, err
		}
		return n * n, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow square: %v", err)
	}
}

func TestFanOutCollectAllGathersEveryChild(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	registerSquareChild(t, env)
	if err := env.eng.Registry().RegisterWorkflow("parent", func(wctx *workflow.Context) (any, error) {
		specs := make([]api.ChildWorkflowSpec, 3)
		for i := range specs {
			specs[i] = api.ChildWorkflowSpec{WorkflowType: "square", Input: i + 2}
		}
		results, err := wctx.FanOut(specs, api.CollectAll)
		if err != nil {
			return nil, err
		}
		sum := 0
		for _, r := range results {
			var n int
			if err := r.Decode(&n); err != nil {
				return nil, err
			}
			sum += n
		}
		return sum, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow parent: %v", err)
	}

	h, err := env.eng.StartWorkflow(ctx, "parent", nil, api.StartOptions{WorkflowID: "fan-1"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	rec := env.waitTerminal(h, DefaultTaskQueue)
	if rec.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (error %q)", rec.Status, rec.Error)
	}

	var sum int
	raw, err := env.eng.GetResult(ctx, h.WorkflowID, h.RunID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if err := json.Unmarshal(raw, &sum); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if sum != 4+9+16 {
		t.Fatalf("expected 29, got %d", sum)
	}

	// Children get derived workflow IDs off the parent's ID.
	events := env.history(h.RunID)
	for _, ev := range events {
		if ev.Kind != api.EventChildWorkflowStarted {
			continue
		}
		attrs, err := api.DecodeAttributes[api.ChildWorkflowStartedAttributes](ev)
		if err != nil {
			t.Fatalf("decode attributes: %v", err)
		}
		want := fmt.Sprintf("fan-1:%d", attrs.ScheduleID)
		if attrs.ChildWorkflowID != want {
			t.Fatalf("expected derived child ID %s, got %s", want, attrs.ChildWorkflowID)
		}
	}
}

func TestFanOutCollectAllReportsPerChildErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	registerSquareChild(t, env)
	if err := env.eng.Registry().RegisterWorkflow("failing-child", func(wctx *workflow.Context) (any, error) {
		return nil, errors.New("child blew up")
	}); err != nil {
		t.Fatalf("RegisterWorkflow failing-child: %v", err)
	}
	if err := env.eng.Registry().RegisterWorkflow("mixed-parent", func(wctx *workflow.Context) (any, error) {
		results, err := wctx.FanOut([]api.ChildWorkflowSpec{
			{WorkflowType: "square", Input: 3},
			{WorkflowType: "failing-child"},
		}, api.CollectAll)
		if err != nil {
			return nil, err
		}
		var n int
		if err := results[0].Decode(&n); err != nil {
			return nil, err
		}
		if results[1].Err == nil {
			return nil, errors.New("expected second child to fail")
		}
		return n, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow mixed-parent: %v", err)
	}

	h, err := env.eng.StartWorkflow(ctx, "mixed-parent", nil, api.StartOptions{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	rec := env.waitTerminal(h, DefaultTaskQueue)
	if rec.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (error %q)", rec.Status, rec.Error)
	}

	var n int
	raw, err := env.eng.GetResult(ctx, h.WorkflowID, h.RunID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if err := json.Unmarshal(raw, &n); err != nil || n != 9 {
		t.Fatalf("unexpected result %s (err %v)", raw, err)
	}
}

func TestFanOutFailFastCancelsSiblings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.eng.Registry().RegisterWorkflow("hanging-child", func(wctx *workflow.Context) (any, error) {
		if err := wctx.AwaitSignal("never", nil); err != nil {
			return nil, err
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow hanging-child: %v", err)
	}
	if err := env.eng.Registry().RegisterWorkflow("failing-child", func(wctx *workflow.Context) (any, error) {
		return nil, errors.New("fatal child error")
	}); err != nil {
		t.Fatalf("RegisterWorkflow failing-child: %v", err)
	}
	if err := env.eng.Registry().RegisterWorkflow("failfast-parent", func(wctx *workflow.Context) (any, error) {
		_, err := wctx.FanOut([]api.ChildWorkflowSpec{
			{WorkflowType: "hanging-child", WorkflowID: "ff-hang"},
			{WorkflowType: "failing-child", WorkflowID: "ff-fail"},
		}, api.FailFast)
		return nil, err
	}); err != nil {
		t.Fatalf("RegisterWorkflow failfast-parent: %v", err)
	}

	h, err := env.eng.StartWorkflow(ctx, "failfast-parent", nil, api.StartOptions{WorkflowID: "ff-parent"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	rec := env.waitTerminal(h, DefaultTaskQueue)
	if rec.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", rec.Status)
	}

	_, err = env.eng.GetResult(ctx, h.WorkflowID, h.RunID)
	var wfErr *api.WorkflowError
	if !errors.As(err, &wfErr) {
		t.Fatalf("expected WorkflowError, got %v", err)
	}
	if !strings.Contains(wfErr.Message, "ff-fail") {
		t.Fatalf("expected failure to name child ff-fail, got %q", wfErr.Message)
	}

	// The hanging sibling was cancelled rather than left running forever.
	env.drainUntil(DefaultTaskQueue, func() bool {
		sib, err := env.store.CurrentRun(ctx, "ff-hang")
		if err != nil {
			return false
		}
		return sib.Status == api.StatusCancelled
	})
}

func TestContinueAsNewChainsRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.eng.Registry().RegisterWorkflow("counting", func(wctx *workflow.Context) (any, error) {
		var n int
		if err := wctx.Input(&n); err != nil {
			return nil, err
		}
		if n < 3 {
			return nil, wctx.ContinueAsNew(n + 1)
		}
		return n, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	h, err := env.eng.StartWorkflow(ctx, "counting", 0, api.StartOptions{WorkflowID: "can-1"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	// Pump until the workflow's current run (whatever its run ID) closes
	// with a real result.
	var final string
	env.drainUntil(DefaultTaskQueue, func() bool {
		cur, err := env.store.CurrentRun(ctx, "can-1")
		if err != nil {
			t.Fatalf("CurrentRun: %v", err)
		}
		if cur.Status == api.StatusCompleted {
			final = cur.RunID
			return true
		}
		return false
	})
	if final == h.RunID {
		t.Fatalf("expected the chain to move past the first run")
	}

	// GetResult on the first run follows the successor chain to the end.
	raw, err := env.eng.GetResult(ctx, h.WorkflowID, h.RunID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n != 3 {
		t.Fatalf("unexpected result %s (err %v)", raw, err)
	}

	// The first run closed as CONTINUED_AS_NEW with its successor linked.
	first, err := env.store.GetRun(ctx, h.WorkflowID, h.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if first.Status != api.StatusContinuedAsNew {
		t.Fatalf("expected CONTINUED_AS_NEW, got %s", first.Status)
	}
	if first.NewRunID == "" {
		t.Fatalf("expected NewRunID on the continued run")
	}
}
