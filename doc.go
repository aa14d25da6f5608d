// Package virta provides a durable workflow execution engine for Go.
//
// Virta is designed for backend services that need long-lived, crash-safe
// orchestration: multi-step business processes, fan-out pipelines, human
// approval flows. It runs fully in Go, supports multiple persistence
// backends, and integrates into existing codebases without external
// orchestrator infrastructure.
//
// # Core Concepts
//
// The programming model is event sourcing plus deterministic replay:
//
//  1. Engine: persists runs, histories, locks and tasks, and drives
//     decision cycles.
//  2. Workflow functions: deterministic orchestration logic written
//     against *workflow.Context.
//  3. Activities: ordinary Go functions performing real I/O, retried
//     under a RetryPolicy.
//  4. Worker: polls a task queue and executes decision cycles,
//     activities and timers.
//  5. LocalRunner: in-memory engine plus worker for tests and development.
//
// Every run has an append-only event history. The workflow function is
// re-executed from the beginning on every decision cycle; operations whose
// outcomes are already in history return the recorded results instantly,
// and the first operation without a recorded outcome suspends the cycle.
// Because the function is a pure function of (input, history), a process
// crash loses nothing: any process holding the history can resume the run.
//
// # Workflow functions
//
// Workflow logic may interact with the outside world only through the
// Context primitives:
//
//	func orderFlow(wctx *workflow.Context) (any, error) {
//		var order Order
//		if err := wctx.Input(&order); err != nil {
//			return nil, err
//		}
//
//		var charge ChargeResult
//		opts := virta.ActivityOptions{StartToClose: 30 * time.Second}
//		if err := wctx.ExecuteActivity("charge-card", order, opts).Get(&charge); err != nil {
//			return nil, err
//		}
//
//		if err := wctx.Sleep(24 * time.Hour); err != nil {
//			return nil, err
//		}
//		return charge, nil
//	}
//
// Direct time reads, randomness and I/O are forbidden inside workflow
// functions; use wctx.Now(), activities and timers instead. A replay that
// diverges from recorded history halts the run with a NonDeterminismError
// rather than corrupting it.
//
// # Backends
//
// Engines can be backed by different storage systems:
//
//   - in-memory (tests, development)
//   - SQLite via modernc.org/sqlite (durable, embedded)
//   - Redis via github.com/redis/go-redis (durable, shared)
//
// All stores of one engine may share a database, as NewSQLiteBundle does.
// Multiple processes may point workers at the same backend; run locks and
// task leases keep them from interfering.
//
// # Getting started
//
//	runner := virta.NewLocalRunner()
//	reg := runner.Engine.Registry()
//	_ = reg.RegisterActivity("greet", greet)
//	_ = reg.RegisterWorkflow("greeting", greetingFlow)
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	h, _ := runner.Engine.StartWorkflow(ctx, "greeting", "dev", virta.StartOptions{})
//	result, _ := virta.GetResult(ctx, runner.Engine, h)
//
// See the examples directory for complete programs, including a fan-out
// research pipeline and a signal-driven approval flow.
package virta
