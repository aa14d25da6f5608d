package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

// Func is the unit of orchestration logic. It must be a pure function of
// (input, event history): no wall-clock reads, no randomness, no direct
// I/O. All such operations go through the Context primitives, which record
// them as events and substitute recorded results on replay.
type Func func(wctx *Context) (any, error)

// ExecutionInfo identifies the run a Context replays.
type ExecutionInfo struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	TaskQueue    string
	Input        json.RawMessage
	Logger       *slog.Logger
}

// scheduledRecord is a decoded schedule-type event from history, keyed by
// its schedule ID.
type scheduledRecord struct {
	kind     api.EventKind
	activity *api.ActivityScheduledAttributes
	timer    *api.TimerStartedAttributes
	child    *api.ChildWorkflowStartedAttributes
}

// Context is the capability surface handed to workflow logic. It is the
// only way workflow code may reach the outside world; everything else is
// forbidden by the determinism contract.
//
// A Context is rebuilt from scratch for every decision cycle and must not
// be retained across cycles or shared between goroutines.
type Context struct {
	info    ExecutionInfo
	history []api.Event

	scheduled map[int64]scheduledRecord
	results   map[int64]api.Event
	signals   map[string][]api.Event

	signalCursor    map[string]int
	cancelRequested bool
	startTime       time.Time

	// observedTime advances only when a memoized result is consumed, so
	// Now() is identical on every replay of the same logical position.
	observedTime time.Time

	nextScheduleID int64
	maxScheduleID  int64
	consumed       map[int64]bool // schedule IDs whose recorded results were consumed

	commands  []Command
	cancelled map[int64]bool // cancel commands issued this cycle, by schedule ID
}

func newContext(info ExecutionInfo, history []api.Event) (*Context, error) {
	wctx := &Context{
		info:           info,
		history:        history,
		scheduled:      make(map[int64]scheduledRecord),
		results:        make(map[int64]api.Event),
		signals:        make(map[string][]api.Event),
		signalCursor:   make(map[string]int),
		nextScheduleID: 1,
		consumed:       make(map[int64]bool),
		cancelled:      make(map[int64]bool),
	}

	for _, ev := range history {
		switch ev.Kind {
		case api.EventWorkflowStarted:
			attrs, err := api.DecodeAttributes[api.WorkflowStartedAttributes](ev)
			if err != nil {
				return nil, err
			}
			wctx.startTime = ev.Timestamp
			wctx.observedTime = ev.Timestamp
			if len(attrs.Input) > 0 {
				wctx.info.Input = attrs.Input
			}

		case api.EventActivityScheduled:
			attrs, err := api.DecodeAttributes[api.ActivityScheduledAttributes](ev)
			if err != nil {
				return nil, err
			}
			wctx.recordScheduled(attrs.ScheduleID, scheduledRecord{kind: ev.Kind, activity: &attrs})

		case api.EventTimerStarted:
			attrs, err := api.DecodeAttributes[api.TimerStartedAttributes](ev)
			if err != nil {
				return nil, err
			}
			wctx.recordScheduled(attrs.ScheduleID, scheduledRecord{kind: ev.Kind, timer: &attrs})

		case api.EventChildWorkflowStarted:
			attrs, err := api.DecodeAttributes[api.ChildWorkflowStartedAttributes](ev)
			if err != nil {
				return nil, err
			}
			wctx.recordScheduled(attrs.ScheduleID, scheduledRecord{kind: ev.Kind, child: &attrs})

		case api.EventActivityCompleted, api.EventActivityFailed, api.EventActivityTimedOut,
			api.EventTimerFired,
			api.EventChildWorkflowCompleted, api.EventChildWorkflowFailed:
			sid, err := resultScheduleID(ev)
			if err != nil {
				return nil, err
			}
			wctx.results[sid] = ev

		case api.EventSignalReceived:
			attrs, err := api.DecodeAttributes[api.SignalReceivedAttributes](ev)
			if err != nil {
				return nil, err
			}
			wctx.signals[attrs.Name] = append(wctx.signals[attrs.Name], ev)

		case api.EventCancelRequested:
			wctx.cancelRequested = true
		}
	}

	return wctx, nil
}

func (c *Context) recordScheduled(sid int64, rec scheduledRecord) {
	c.scheduled[sid] = rec
	if sid > c.maxScheduleID {
		c.maxScheduleID = sid
	}
}

func resultScheduleID(ev api.Event) (int64, error) {
	// All result attribute shapes share the schedule_id field.
	var probe struct {
		ScheduleID int64 `json:"schedule_id"`
	}
	if err := json.Unmarshal(ev.Attributes, &probe); err != nil {
		return 0, fmt.Errorf("decode %s attributes: %w", ev.Kind, err)
	}
	return probe.ScheduleID, nil
}

// WorkflowID returns the stable business identifier of this execution.
func (c *Context) WorkflowID() string { return c.info.WorkflowID }

// RunID returns the identifier of the current run.
func (c *Context) RunID() string { return c.info.RunID }

// WorkflowType returns the registered type name of this workflow.
func (c *Context) WorkflowType() string { return c.info.WorkflowType }

// Input unmarshals the run's start input into v.
func (c *Context) Input(v any) error {
	if len(c.info.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.info.Input, v)
}

// Now returns the deterministic workflow time: the timestamp of the most
// recently consumed history event. It never reads the wall clock and is
// identical on every replay of the same logical position.
func (c *Context) Now() time.Time {
	return c.observedTime
}

// CancelRequested reports whether a cancellation request has been recorded
// for this run. Cancellation is cooperative: pending futures start
// returning ErrWorkflowCancelled, and the workflow decides how to wind
// down.
func (c *Context) CancelRequested() bool {
	return c.cancelRequested
}

// Logger returns a structured logger scoped to this run. While the cycle is
// replaying already-recorded progress the logger discards output, so log
// lines appear once per logical step rather than once per replay.
func (c *Context) Logger() *slog.Logger {
	base := c.info.Logger
	if base == nil {
		base = slog.Default()
	}
	if c.replaying() {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return base.With(
		slog.String("workflow_id", c.info.WorkflowID),
		slog.String("run_id", c.info.RunID),
	)
}

// replaying reports whether the cycle is still consuming memoized history:
// either schedule events recorded by earlier cycles have not been re-reached,
// or recorded results remain unconsumed. Consumption is tracked per schedule
// ID, so repeated Gets on one future count once.
func (c *Context) replaying() bool {
	return c.nextScheduleID <= c.maxScheduleID || len(c.consumed) < len(c.results)
}

func (c *Context) nextID() int64 {
	id := c.nextScheduleID
	c.nextScheduleID++
	return id
}

// ExecuteActivity schedules one activity execution and returns a Future for
// its terminal outcome. The activity runs on a worker; failures are retried
// per opts.RetryPolicy before a terminal outcome is recorded.
func (c *Context) ExecuteActivity(name string, input any, opts api.ActivityOptions) *Future {
	sid := c.nextID()

	if rec, ok := c.scheduled[sid]; ok {
		if rec.kind != api.EventActivityScheduled || rec.activity.Name != name {
			c.failNonDeterminism(describeScheduled(rec), fmt.Sprintf("schedule activity %q", name))
		}
		return &Future{wctx: c, scheduleID: sid, kind: futureActivity, name: name}
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return &Future{wctx: c, scheduleID: sid, kind: futureActivity, name: name,
			immediateErr: fmt.Errorf("marshal input for activity %q: %w", name, err)}
	}
	if opts.RetryPolicy.IsZero() {
		opts.RetryPolicy = api.DefaultRetryPolicy()
	}

	c.commands = append(c.commands, Command{
		Kind:       CommandScheduleActivity,
		ScheduleID: sid,
		Activity: &ScheduleActivityCommand{
			Name:    name,
			Input:   raw,
			Options: opts,
		},
	})
	return &Future{wctx: c, scheduleID: sid, kind: futureActivity, name: name}
}

// StartTimer starts a durable timer and returns a Future that resolves when
// it fires. Timers survive crashes: the fire time is recorded in history.
func (c *Context) StartTimer(d time.Duration) *Future {
	sid := c.nextID()

	if rec, ok := c.scheduled[sid]; ok {
		if rec.kind != api.EventTimerStarted || rec.timer.Duration != d {
			c.failNonDeterminism(describeScheduled(rec), fmt.Sprintf("start timer %s", d))
		}
		return &Future{wctx: c, scheduleID: sid, kind: futureTimer}
	}

	c.commands = append(c.commands, Command{
		Kind:       CommandStartTimer,
		ScheduleID: sid,
		Timer:      &StartTimerCommand{Duration: d},
	})
	return &Future{wctx: c, scheduleID: sid, kind: futureTimer}
}

// Sleep blocks workflow progress for the given duration.
func (c *Context) Sleep(d time.Duration) error {
	return c.StartTimer(d).Get(nil)
}

// AwaitSignal blocks until the next unconsumed signal with the given name
// and unmarshals its payload into v (which may be nil). Repeated calls
// consume successive signals in delivery order.
func (c *Context) AwaitSignal(name string, v any) error {
	if ok, err := c.consumeSignal(name, v); ok || err != nil {
		return err
	}

	if c.cancelRequested {
		return api.ErrWorkflowCancelled
	}
	c.suspend()
	return nil // unreachable
}

// AwaitSignalWithTimeout waits like AwaitSignal but gives up after d,
// using a durable timer. It reports whether a signal was consumed; on
// timeout it returns (false, nil) and leaves v untouched.
//
// The race is resolved by history order: whichever event was recorded
// first wins, on this cycle and on every replay. A signal appended after
// the timer fired does not retroactively flip the outcome.
func (c *Context) AwaitSignalWithTimeout(name string, v any, d time.Duration) (bool, error) {
	timer := c.StartTimer(d)

	var sigEv, timEv api.Event
	var sigRecorded, timRecorded bool
	idx := c.signalCursor[name]
	if delivered := c.signals[name]; idx < len(delivered) {
		sigEv, sigRecorded = delivered[idx], true
	}
	if ev, ok := c.results[timer.scheduleID]; ok {
		timEv, timRecorded = ev, true
	}

	switch {
	case sigRecorded && (!timRecorded || sigEv.Seq < timEv.Seq):
		if timRecorded {
			// The losing timer's result is settled too; without this the
			// cycle would look mid-replay forever.
			c.consumed[timer.scheduleID] = true
		}
		ok, err := c.consumeSignal(name, v)
		if !ok {
			err = fmt.Errorf("signal %q vanished during replay", name)
		}
		return ok, err

	case timRecorded:
		if err := timer.Get(nil); err != nil {
			return false, err
		}
		return false, nil
	}

	if c.cancelRequested {
		return false, api.ErrWorkflowCancelled
	}
	c.suspend()
	return false, nil // unreachable
}

// consumeSignal takes the next unconsumed signal with the given name, if
// one is recorded, and unmarshals its payload into v.
func (c *Context) consumeSignal(name string, v any) (bool, error) {
	idx := c.signalCursor[name]
	delivered := c.signals[name]
	if idx >= len(delivered) {
		return false, nil
	}

	c.signalCursor[name] = idx + 1
	ev := delivered[idx]
	c.observe(ev)
	if v == nil {
		return true, nil
	}
	attrs, err := api.DecodeAttributes[api.SignalReceivedAttributes](ev)
	if err != nil {
		return true, err
	}
	if len(attrs.Payload) == 0 {
		return true, nil
	}
	return true, json.Unmarshal(attrs.Payload, v)
}

// observe advances the deterministic clock past a consumed event.
func (c *Context) observe(ev api.Event) {
	if ev.Timestamp.After(c.observedTime) {
		c.observedTime = ev.Timestamp
	}
}

func (c *Context) suspend() {
	panic(suspendMarker{})
}

func (c *Context) failNonDeterminism(expected, got string) {
	panic(&api.NonDeterminismError{
		WorkflowID: c.info.WorkflowID,
		RunID:      c.info.RunID,
		Expected:   expected,
		Got:        got,
	})
}

func describeScheduled(rec scheduledRecord) string {
	switch rec.kind {
	case api.EventActivityScheduled:
		return fmt.Sprintf("schedule activity %q", rec.activity.Name)
	case api.EventTimerStarted:
		return fmt.Sprintf("start timer %s", rec.timer.Duration)
	case api.EventChildWorkflowStarted:
		return fmt.Sprintf("start child workflow %q", rec.child.WorkflowType)
	default:
		return string(rec.kind)
	}
}

// suspendMarker unwinds the workflow function when it needs a result that
// is not in history yet. Recovered by Execute.
type suspendMarker struct{}
