package virta_test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/virta"
	"github.com/petrijr/virta/pkg/workflow"
)

func Example() {
	ctx := context.Background()

	runner := virta.NewLocalRunner()
	reg := runner.Engine.Registry()

	_ = reg.RegisterActivity("greet", func(ctx context.Context, input json.RawMessage) (any, error) {
		var name string
		if err := json.Unmarshal(input, &name); err != nil {
			return nil, err
		}
		return "hello " + name, nil
	})

	_ = reg.RegisterWorkflow("greeting", func(wctx *workflow.Context) (any, error) {
		var name string
		if err := wctx.Input(&name); err != nil {
			return nil, err
		}
		var greeting string
		opts := virta.ActivityOptions{StartToClose: 5 * time.Second}
		if err := wctx.ExecuteActivity("greet", name, opts).Get(&greeting); err != nil {
			return nil, err
		}
		return greeting, nil
	})

	_ = runner.StartWorkers(ctx, 2)
	defer runner.Stop()

	h, err := runner.Engine.StartWorkflow(ctx, "greeting", "world", virta.StartOptions{})
	if err != nil {
		fmt.Println("start:", err)
		return
	}

	raw, err := virta.GetResult(ctx, runner.Engine, h)
	if err != nil {
		fmt.Println("result:", err)
		return
	}
	var greeting string
	_ = json.Unmarshal(raw, &greeting)
	fmt.Println(greeting)

	// Output: hello world
}
