package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrijr/virta/pkg/api"
)

// Outcome classifies the end state of one decision cycle.
type Outcome int

const (
	// OutcomeSuspended means the logic needs a result not yet in history;
	// the run stays open and Commands carry the pending decisions.
	OutcomeSuspended Outcome = iota

	// OutcomeCompleted means the logic returned a result.
	OutcomeCompleted

	// OutcomeFailed means the logic returned (or panicked with) an error.
	OutcomeFailed

	// OutcomeCancelled means the logic wound down after a recorded
	// cancellation request.
	OutcomeCancelled

	// OutcomeContinueAsNew means the run ends and a successor run starts
	// with the carried-over input.
	OutcomeContinueAsNew
)

// Result is what one replay of workflow logic against history produced.
type Result struct {
	Outcome  Outcome
	Commands []Command

	// Output is set for OutcomeCompleted.
	Output json.RawMessage

	// Err is set for OutcomeFailed and OutcomeCancelled.
	Err error

	// NextInput is set for OutcomeContinueAsNew.
	NextInput json.RawMessage

	// NonDeterminism is set when replay diverged from recorded history.
	// The run must be halted; nothing else in the Result is meaningful.
	NonDeterminism *api.NonDeterminismError
}

// Execute replays fn against history and returns the next decisions.
//
// This is the replay-and-advance algorithm: the logic re-executes from the
// beginning on every cycle; operations whose events already exist in
// history resolve from the recorded outcome, and the first operation whose
// outcome is missing suspends execution. Because the logic is a pure
// function of (input, history), every replay reproduces the identical
// decision sequence, or fails with a NonDeterminismError.
func Execute(fn Func, info ExecutionInfo, history []api.Event) (res Result) {
	wctx, err := newContext(info, history)
	if err != nil {
		res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("rebuild replay state: %w", err)}
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case suspendMarker:
				res = Result{Outcome: OutcomeSuspended, Commands: wctx.commands}
			case *api.NonDeterminismError:
				res = Result{NonDeterminism: v}
			default:
				// A panic in workflow logic fails the run like a returned
				// error would; it is recorded, not retried.
				res = Result{
					Outcome:  OutcomeFailed,
					Commands: keepCancels(wctx.commands),
					Err:      fmt.Errorf("workflow panic: %v", v),
				}
			}
			res = checkConsumedHistory(wctx, res)
		}
	}()

	out, err := fn(wctx)

	switch {
	case err == nil:
		raw, merr := json.Marshal(out)
		if merr != nil {
			res = Result{
				Outcome:  OutcomeFailed,
				Commands: keepCancels(wctx.commands),
				Err:      fmt.Errorf("marshal workflow result: %w", merr),
			}
		} else {
			res = Result{Outcome: OutcomeCompleted, Commands: keepCancels(wctx.commands), Output: raw}
		}

	case errors.Is(err, api.ErrWorkflowCancelled):
		res = Result{Outcome: OutcomeCancelled, Commands: keepCancels(wctx.commands), Err: err}

	default:
		var can *continueAsNewError
		if errors.As(err, &can) {
			res = Result{
				Outcome:   OutcomeContinueAsNew,
				Commands:  keepCancels(wctx.commands),
				NextInput: can.input,
			}
		} else {
			res = Result{Outcome: OutcomeFailed, Commands: keepCancels(wctx.commands), Err: err}
		}
	}

	return checkConsumedHistory(wctx, res)
}

// checkConsumedHistory flags replays that produced fewer schedule
// operations than history records: the recorded execution got further than
// this one, so the logic has changed underneath the run.
func checkConsumedHistory(wctx *Context, res Result) Result {
	if res.NonDeterminism != nil {
		return res
	}
	produced := wctx.nextScheduleID - 1
	if produced < wctx.maxScheduleID {
		return Result{NonDeterminism: &api.NonDeterminismError{
			WorkflowID: wctx.info.WorkflowID,
			RunID:      wctx.info.RunID,
			Expected:   fmt.Sprintf("at least %d scheduled operations", wctx.maxScheduleID),
			Got:        fmt.Sprintf("%d scheduled operations", produced),
		}}
	}
	return res
}

// keepCancels drops schedule commands that can no longer matter once the
// run reaches a terminal outcome, but preserves cancellation commands so a
// failing fan-out still winds down its children.
func keepCancels(cmds []Command) []Command {
	kept := cmds[:0:0]
	for _, cmd := range cmds {
		if cmd.Kind == CommandCancelChild {
			kept = append(kept, cmd)
		}
	}
	return kept
}

// continueAsNewError carries the successor run's input through the normal
// error return path.
type continueAsNewError struct {
	input json.RawMessage
}

func (e *continueAsNewError) Error() string { return "workflow continuing as new run" }

// ContinueAsNew ends the current run and atomically starts a successor run
// of the same workflow with the given input. Return the result from the
// workflow function:
//
//	return nil, wctx.ContinueAsNew(nextInput)
func (c *Context) ContinueAsNew(input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal continue-as-new input: %w", err)
	}
	return &continueAsNewError{input: raw}
}
