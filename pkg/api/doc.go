// Package api defines the shared vocabulary of the virta engine: history
// events and their attributes, run statuses, retry policies, the error
// taxonomy, and the Observer hooks used for logging and metrics.
//
// The package is deliberately free of engine logic. Everything that replays
// history lives in pkg/workflow; everything that persists or schedules
// lives under internal/.
//
// # Events
//
// A run's history is an append-only, strictly ordered sequence of Event
// records. Attributes are JSON-encoded per kind (see the *Attributes
// structs) so histories stay readable and replayable across processes.
//
// # Errors
//
// Activity-level failures surface to workflow logic as typed errors
// (*ActivityError, *TimeoutError); workflow logic decides whether to fall
// back or propagate. Engine-level errors (ErrSequenceConflict, ErrLeaseLost)
// never reach workflow logic; the engine retries or discards the decision.
// *NonDeterminismError is fatal and halts the run for operator inspection.
package api
