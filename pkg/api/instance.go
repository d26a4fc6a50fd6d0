package api

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of an orchestration instance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Rank orders statuses by progress. A cached status is only ever replaced
// by one with an equal or higher rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed, StatusCanceled:
		return 3
	}
	return 0
}

// InstanceStatus is the caller-visible state of an instance.
type InstanceStatus struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status Status          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`

	// Error holds the failure or cancellation reason for FAILED and
	// CANCELED instances.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusFromHistory derives the status of an instance from its log.
// An empty history yields the zero InstanceStatus.
func StatusFromHistory(id string, history []HistoryEvent) InstanceStatus {
	st := InstanceStatus{ID: id}
	if len(history) == 0 {
		return st
	}

	first := history[0]
	st.Name = first.Name
	st.Input = first.Payload
	st.CreatedAt = first.At
	st.Status = StatusPending

	for _, ev := range history {
		st.UpdatedAt = ev.At
		switch ev.Type {
		case EventActivityScheduled, EventActivityCompleted, EventActivityFailed:
			st.Status = StatusRunning
		case EventOrchestrationCompleted:
			st.Status = StatusCompleted
			st.Output = ev.Payload
		case EventOrchestrationFailed:
			st.Status = StatusFailed
			st.Error = ev.Message
		case EventOrchestrationCanceled:
			st.Status = StatusCanceled
			st.Error = ev.Message
		}
	}
	return st
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Name, if non-empty, limits results to instances of the given orchestration.
	Name string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// StartOptions carries optional parameters of Start.
type StartOptions struct {
	IdempotencyKey string
}

// StartOption configures a Start call.
type StartOption func(*StartOptions)

// WithIdempotencyKey makes Start return the existing instance when an
// instance was already started with the same key.
func WithIdempotencyKey(key string) StartOption {
	return func(o *StartOptions) {
		o.IdempotencyKey = key
	}
}
