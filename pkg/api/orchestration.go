package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Orchestration is the code of an orchestration definition.
//
// The function is re-run from the start on every replay pass, so it must be
// deterministic: wall-clock time, randomness and external state may only be
// reached through activity calls. The returned value is marshalled as JSON
// and becomes the instance output.
type Orchestration func(ctx OrchestrationContext) (any, error)

// OrchestrationContext is handed to an Orchestration during a replay pass.
type OrchestrationContext interface {
	// InstanceID returns the id of the running instance.
	InstanceID() string

	// Name returns the orchestration name.
	Name() string

	// GetInput decodes the instance input into v.
	GetInput(v any) error

	// IsReplaying is true while the definition is re-executing calls whose
	// results are already recorded.
	IsReplaying() bool

	// ScheduleActivity requests an activity call without waiting for it.
	ScheduleActivity(name string, input any, opts ...ActivityOption) Task

	// CallActivity schedules an activity and waits for its result, decoding
	// it into out. A recorded failure is returned as *ActivityError.
	CallActivity(name string, input any, out any, opts ...ActivityOption) error

	// Logger returns a logger that drops records while replaying.
	Logger() *slog.Logger
}

// Task is a pending activity call.
type Task interface {
	// SequenceNo is the position of the call in the orchestration.
	SequenceNo() int

	// Await decodes the call's result into out (which may be nil), or
	// returns its recorded failure as *ActivityError.
	Await(out any) error
}

// ActivityFunc is the code of an activity. input holds the JSON encoded
// argument passed at the call site.
type ActivityFunc func(ctx context.Context, input []byte) (any, error)

// ActivityDefinition registers an activity under a name. Options are the
// defaults for calls that do not set their own.
type ActivityDefinition struct {
	Name    string
	Fn      ActivityFunc
	Options ActivityOptions
}

// OrchestrationDefinition registers an orchestration under a name.
type OrchestrationDefinition struct {
	Name string
	Fn   Orchestration
}

// ActivityResult is delivered by the activity substrate when a call
// reaches a terminal outcome.
type ActivityResult struct {
	InstanceID string
	SequenceNo int

	// Output is set on success.
	Output json.RawMessage

	// Failed is set on terminal failure.
	Failed    bool
	ErrorKind ErrorKind
	Message   string

	Attempts int
	Duration time.Duration
}

// ActivitySucceeded builds a successful ActivityResult.
func ActivitySucceeded(instanceID string, seq int, output json.RawMessage) ActivityResult {
	return ActivityResult{InstanceID: instanceID, SequenceNo: seq, Output: output}
}

// ActivityFailed builds a failed ActivityResult.
func ActivityFailed(instanceID string, seq int, kind ErrorKind, message string) ActivityResult {
	return ActivityResult{
		InstanceID: instanceID,
		SequenceNo: seq,
		Failed:     true,
		ErrorKind:  kind,
		Message:    message,
	}
}

// ActivityTimedOut builds the result recorded when a call produced no
// outcome within its timeout.
func ActivityTimedOut(instanceID string, seq int, timeout time.Duration) ActivityResult {
	return ActivityFailed(instanceID, seq, ErrorKindTimeout, fmt.Sprintf("no result within %s", timeout))
}

// Event converts the result into its history event.
func (r ActivityResult) Event() HistoryEvent {
	if r.Failed {
		kind := r.ErrorKind
		if kind == "" {
			kind = ErrorKindTerminal
		}
		return ActivityFailedEvent(r.SequenceNo, kind, r.Message)
	}
	return ActivityCompletedEvent(r.SequenceNo, r.Output)
}

// TypedActivity adapts a strongly typed function to an ActivityFunc.
func TypedActivity[In any, Out any](fn func(ctx context.Context, in In) (Out, error)) ActivityFunc {
	return func(ctx context.Context, input []byte) (any, error) {
		var in In
		if err := UnmarshalPayload(input, &in); err != nil {
			return nil, NonRetryable(err)
		}
		return fn(ctx, in)
	}
}
