package workflow

import (
	"encoding/json"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

// CommandKind identifies a decision produced by one replay cycle.
type CommandKind string

const (
	CommandScheduleActivity CommandKind = "schedule-activity"
	CommandStartTimer       CommandKind = "start-timer"
	CommandStartChild       CommandKind = "start-child-workflow"
	CommandCancelChild      CommandKind = "cancel-child-workflow"
)

// Command is a single pending decision. The executor emits commands for
// operations whose corresponding event does not exist in history yet; the
// engine turns each into an appended event plus a side effect.
type Command struct {
	Kind       CommandKind
	ScheduleID int64

	Activity    *ScheduleActivityCommand
	Timer       *StartTimerCommand
	Child       *StartChildCommand
	CancelChild *CancelChildCommand
}

// ScheduleActivityCommand requests one activity execution with retries.
type ScheduleActivityCommand struct {
	Name    string
	Input   json.RawMessage
	Options api.ActivityOptions
}

// StartTimerCommand requests a durable timer. The fire time is assigned by
// the engine when the decision is applied and recorded in the event.
type StartTimerCommand struct {
	Duration time.Duration
}

// StartChildCommand requests a child workflow execution. The workflow ID is
// derived deterministically before the command is emitted; the run ID is
// assigned by the engine on first application and replayed from history
// afterwards.
type StartChildCommand struct {
	WorkflowID   string
	WorkflowType string
	Input        json.RawMessage
	TaskQueue    string
}

// CancelChildCommand requests best-effort cancellation of a started child.
// Application is idempotent: the engine skips children that are already
// terminal or already have a cancellation recorded.
type CancelChildCommand struct {
	ChildWorkflowID string
	ChildRunID      string
}
