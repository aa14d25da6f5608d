// Package worker provides the background worker that drives virta
// workflows forward.
//
// Workers consume tasks from a task queue and dispatch them through the
// engine: decision tasks replay workflow logic, activity tasks execute
// registered activity functions, timer tasks fire durable timers, and
// run-timeout tasks enforce run deadlines. They are designed to be
// embedded in existing services and scaled horizontally; any number of
// workers may poll the same queue.
//
// # Worker Responsibilities
//
//   - Polling a task queue under a delivery lease
//   - Running decision cycles under the per-run lock
//   - Executing activity attempts with start-to-close deadlines
//   - Heartbeating the task lease during long activities
//   - Acking tasks only after their effects are durably recorded
//
// Tasks whose handling fails are deliberately not acked: the lease expires
// and the task redelivers, and every engine path is idempotent under
// redelivery.
//
// # Configuration
//
// A Config controls the queue name, poll concurrency, lease duration and
// the worker's identity (used as the run-lock holder). Zero values pick
// sensible defaults, so worker.New(eng, worker.Config{}) is a working
// worker.
//
// Most applications construct workers through the virta root package,
// which wires engines and queues together; this package holds the
// underlying type for more advanced setups.
package worker
