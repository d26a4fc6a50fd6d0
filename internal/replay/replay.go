// Package replay rederives the next decision of an orchestration instance by
// re-running its definition against the recorded history.
package replay

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/petrijr/durable/pkg/api"
)

// Instance identifies the instance being replayed.
type Instance struct {
	ID   string
	Name string

	// Logger backs OrchestrationContext.Logger. Nil discards.
	Logger *slog.Logger
}

// haltPass unwinds the definition once it awaits a call without a result.
type haltPass struct{}

// failPass unwinds the definition with an engine-detected definition error.
type failPass struct {
	err error
}

// Advance replays def from its start against history and returns the next
// decision. It never executes code past the first unresolved call.
//
// A corrupt history is returned as an error wrapping api.ErrCorruptHistory.
// Definition errors, including nondeterminism and panics, are returned as a
// Fail decision. A history that is already terminal yields a no-op.
func Advance(def api.Orchestration, inst Instance, history []api.HistoryEvent) (api.Decision, error) {
	summary, err := Summarize(history)
	if err != nil {
		return api.Decision{}, err
	}
	if summary.Terminal != nil {
		return api.Decision{}, nil
	}
	if def == nil {
		return api.Decision{}, fmt.Errorf("%w: %s", api.ErrUnknownOrchestration, inst.Name)
	}

	c := newContext(inst, summary)
	return c.run(def), nil
}

func (c *orchestrationContext) run(def api.Orchestration) (decision api.Decision) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case haltPass:
			decision = api.Decision{Schedule: c.pending}
		case failPass:
			decision = failDecision(sig.err)
		default:
			decision = failDecision(fmt.Errorf("%w: %v", api.ErrDefinitionPanic, r))
		}
	}()

	result, err := def(c)
	if err != nil {
		return failDecision(err)
	}
	if c.nextSeq < len(c.summary.Calls) {
		return failDecision(fmt.Errorf("%w: definition finished after %d calls but history records %d",
			api.ErrNondeterminism, c.nextSeq, len(c.summary.Calls)))
	}
	payload, err := api.MarshalPayload(result)
	if err != nil {
		return failDecision(err)
	}
	return api.Decision{Complete: &api.Complete{Result: payload}}
}

func failDecision(err error) api.Decision {
	return api.Decision{Fail: &api.Fail{Reason: err.Error(), Err: err}}
}

type orchestrationContext struct {
	inst    Instance
	summary *Summary
	logger  *slog.Logger

	nextSeq  int
	consumed map[int]bool
	pending  []api.ScheduleActivity
}

var _ api.OrchestrationContext = (*orchestrationContext)(nil)

func newContext(inst Instance, summary *Summary) *orchestrationContext {
	if inst.Name == "" {
		inst.Name = summary.Name
	}
	c := &orchestrationContext{
		inst:     inst,
		summary:  summary,
		consumed: make(map[int]bool),
	}
	base := inst.Logger
	if base == nil {
		base = slog.New(discardHandler{})
	}
	c.logger = slog.New(&replaySafeHandler{inner: base.Handler(), replaying: c.IsReplaying}).
		With(slog.String("instance_id", inst.ID), slog.String("orchestration", inst.Name))
	return c
}

func (c *orchestrationContext) InstanceID() string { return c.inst.ID }

func (c *orchestrationContext) Name() string { return c.inst.Name }

func (c *orchestrationContext) GetInput(v any) error {
	return api.UnmarshalPayload(c.summary.Input, v)
}

func (c *orchestrationContext) IsReplaying() bool {
	return len(c.consumed) < c.summary.Results
}

func (c *orchestrationContext) Logger() *slog.Logger { return c.logger }

func (c *orchestrationContext) ScheduleActivity(name string, input any, opts ...api.ActivityOption) api.Task {
	payload, err := api.MarshalPayload(input)
	if err != nil {
		panic(failPass{err: fmt.Errorf("activity %s: %w", name, err)})
	}

	c.nextSeq++
	seq := c.nextSeq

	if call, ok := c.summary.Call(seq); ok {
		rec := call.Scheduled
		if rec.Name != name || !bytes.Equal(rec.Payload, payload) {
			panic(failPass{err: fmt.Errorf("%w: call %d requested %s(%s), history records %s(%s)",
				api.ErrNondeterminism, seq, name, payload, rec.Name, rec.Payload)})
		}
		return &task{ctx: c, seq: seq, name: name, result: call.Result}
	}

	var options api.ActivityOptions
	for _, opt := range opts {
		opt(&options)
	}
	c.pending = append(c.pending, api.ScheduleActivity{
		Name:       name,
		Input:      payload,
		SequenceNo: seq,
		Options:    options,
	})
	return &task{ctx: c, seq: seq, name: name}
}

func (c *orchestrationContext) CallActivity(name string, input any, out any, opts ...api.ActivityOption) error {
	return c.ScheduleActivity(name, input, opts...).Await(out)
}

type task struct {
	ctx    *orchestrationContext
	seq    int
	name   string
	result *api.HistoryEvent
}

func (t *task) SequenceNo() int { return t.seq }

func (t *task) Await(out any) error {
	if t.result == nil {
		panic(haltPass{})
	}
	t.ctx.consumed[t.seq] = true

	if t.result.Type == api.EventActivityFailed {
		return &api.ActivityError{
			Name:       t.name,
			SequenceNo: t.seq,
			Kind:       t.result.ErrorKind,
			Message:    t.result.Message,
		}
	}
	if err := api.UnmarshalPayload(t.result.Payload, out); err != nil {
		panic(failPass{err: fmt.Errorf("activity %s (#%d): %w", t.name, t.seq, err)})
	}
	return nil
}
