// Package workflow implements deterministic replay of workflow logic.
//
// A workflow function receives a *Context and orchestrates work through
// its primitives: ExecuteActivity, StartTimer, Sleep, AwaitSignal,
// StartChildWorkflow, JoinChildren, ContinueAsNew. Each primitive records
// a decision event the first time it is reached; on subsequent decision
// cycles the recorded outcome is substituted without re-executing the
// side effect.
//
// # The determinism contract
//
// Workflow functions must be pure functions of their input and history.
// Between replays they may not:
//
//   - read the wall clock (use wctx.Now())
//   - use random values
//   - perform I/O directly (use activities)
//   - depend on mutable globals or map iteration order
//
// Execute re-runs the function from the beginning on every cycle and
// compares each scheduled operation against history. A mismatch produces a
// NonDeterminismError, which halts the run rather than corrupting it;
// halted runs wait for operator intervention and are never retried
// automatically.
//
// # Suspension
//
// When the function asks for a result that is not yet recorded, execution
// suspends by unwinding the call stack. This is invisible to workflow
// code: the function simply appears to block until the next cycle, which
// happens when the awaited outcome lands in history.
package workflow
