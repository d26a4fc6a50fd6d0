package api

import (
	"encoding/json"
	"time"
)

// EventType identifies an orchestration history event.
type EventType string

const (
	EventOrchestrationStarted   EventType = "orchestration.started"
	EventOrchestrationCompleted EventType = "orchestration.completed"
	EventOrchestrationFailed    EventType = "orchestration.failed"
	EventOrchestrationCanceled  EventType = "orchestration.canceled"

	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"
)

// IsTerminal reports whether no event may follow an event of this type.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventOrchestrationCompleted, EventOrchestrationFailed, EventOrchestrationCanceled:
		return true
	}
	return false
}

// IsActivityResult reports whether t resolves a scheduled activity.
func (t EventType) IsActivityResult() bool {
	return t == EventActivityCompleted || t == EventActivityFailed
}

// ErrorKind classifies a terminal activity failure recorded in history.
// Transient failures are retried by workers and never reach the log.
type ErrorKind string

const (
	ErrorKindTerminal ErrorKind = "terminal"
	ErrorKindTimeout  ErrorKind = "timeout"
)

// HistoryEvent is one entry in an instance's append-only history log.
//
// Which fields are meaningful depends on Type:
//
//	orchestration.started    Name, Payload (input), IdempotencyKey
//	activity.scheduled       SequenceNo, Name, Payload (input), Timeout, Retry
//	activity.completed       SequenceNo, Payload (output)
//	activity.failed          SequenceNo, ErrorKind, Message
//	orchestration.completed  Payload (result)
//	orchestration.failed     Message
//	orchestration.canceled   Message
type HistoryEvent struct {
	// Index is the position of the event in the log, starting at 0.
	// Stores assign it on append.
	Index int64 `json:"index"`

	Type EventType `json:"type"`

	// At is informational only. Replay never reads it.
	At time.Time `json:"at"`

	SequenceNo int             `json:"sequenceNo,omitempty"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Message   string    `json:"message,omitempty"`

	Timeout        time.Duration `json:"timeout,omitempty"`
	Retry          *RetryPolicy  `json:"retry,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

// OrchestrationStartedEvent records the creation of an instance.
func OrchestrationStartedEvent(name string, input json.RawMessage, idempotencyKey string) HistoryEvent {
	return HistoryEvent{
		Type:           EventOrchestrationStarted,
		Name:           name,
		Payload:        input,
		IdempotencyKey: idempotencyKey,
	}
}

// ActivityScheduledEvent records a ScheduleActivity decision.
func ActivityScheduledEvent(s ScheduleActivity) HistoryEvent {
	ev := HistoryEvent{
		Type:       EventActivityScheduled,
		SequenceNo: s.SequenceNo,
		Name:       s.Name,
		Payload:    s.Input,
		Timeout:    s.Options.Timeout,
	}
	if s.Options.Retry != nil {
		r := *s.Options.Retry
		ev.Retry = &r
	}
	return ev
}

// ActivityCompletedEvent records a successful activity result.
func ActivityCompletedEvent(seq int, output json.RawMessage) HistoryEvent {
	return HistoryEvent{
		Type:       EventActivityCompleted,
		SequenceNo: seq,
		Payload:    output,
	}
}

// ActivityFailedEvent records a terminal activity failure.
func ActivityFailedEvent(seq int, kind ErrorKind, message string) HistoryEvent {
	return HistoryEvent{
		Type:       EventActivityFailed,
		SequenceNo: seq,
		ErrorKind:  kind,
		Message:    message,
	}
}

// OrchestrationCompletedEvent records the orchestration result.
func OrchestrationCompletedEvent(result json.RawMessage) HistoryEvent {
	return HistoryEvent{Type: EventOrchestrationCompleted, Payload: result}
}

// OrchestrationFailedEvent records an orchestration-level failure.
func OrchestrationFailedEvent(reason string) HistoryEvent {
	return HistoryEvent{Type: EventOrchestrationFailed, Message: reason}
}

// OrchestrationCanceledEvent records an external cancellation.
func OrchestrationCanceledEvent(reason string) HistoryEvent {
	return HistoryEvent{Type: EventOrchestrationCanceled, Message: reason}
}
