package virta

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/petrijr/virta/pkg/workflow"
)

func TestLocalRunnerRunsWorkflowEndToEnd(t *testing.T) {
	ctx := context.Background()
	runner := NewLocalRunner()

	reg := runner.Engine.Registry()
	if err := reg.RegisterActivity("sum", func(ctx context.Context, input json.RawMessage) (any, error) {
		var ns []int
		if err := json.Unmarshal(input, &ns); err != nil {
			return nil, err
		}
		total := 0
		for _, n := range ns {
			total += n
		}
		return total, nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	if err := reg.RegisterWorkflow("summing", func(wctx *workflow.Context) (any, error) {
		var ns []int
		if err := wctx.Input(&ns); err != nil {
			return nil, err
		}
		var total int
		opts := ActivityOptions{StartToClose: time.Second}
		if err := wctx.ExecuteActivity("sum", ns, opts).Get(&total); err != nil {
			return nil, err
		}
		return total, nil
	}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers: %v", err)
	}
	defer runner.Stop()

	if err := runner.StartWorkers(ctx, 2); err == nil {
		t.Fatalf("expected second StartWorkers to fail")
	}

	h, err := runner.Engine.StartWorkflow(ctx, "summing", []int{1, 2, 3}, StartOptions{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	resCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	raw, err := GetResult(resCtx, runner.Engine, h)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	var total int
	if err := json.Unmarshal(raw, &total); err != nil || total != 6 {
		t.Fatalf("unexpected result %s (err %v)", raw, err)
	}
}

func TestLocalRunnerStopIsIdempotent(t *testing.T) {
	runner := NewLocalRunner()
	if err := runner.StartWorkers(context.Background(), 1); err != nil {
		t.Fatalf("StartWorkers: %v", err)
	}
	runner.Stop()
	runner.Stop()

	// The runner can be started again after a full stop.
	if err := runner.StartWorkers(context.Background(), 1); err != nil {
		t.Fatalf("restart: %v", err)
	}
	runner.Stop()
}
