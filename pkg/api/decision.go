package api

import "encoding/json"

// ScheduleActivity asks the activity substrate to run one call.
type ScheduleActivity struct {
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	SequenceNo int             `json:"sequenceNo"`
	Options    ActivityOptions `json:"options"`
}

// Complete finishes the orchestration with a result.
type Complete struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// Fail finishes the orchestration with a failure.
type Fail struct {
	Reason string `json:"reason"`

	// Err is the underlying error. It is not persisted.
	Err error `json:"-"`
}

// Decision is the outcome of one replay pass. At most one of the fields
// is set. A zero Decision is a no-op.
type Decision struct {
	Schedule []ScheduleActivity `json:"schedule,omitempty"`
	Complete *Complete          `json:"complete,omitempty"`
	Fail     *Fail              `json:"fail,omitempty"`
}

// IsNoop reports whether the decision changes nothing.
func (d Decision) IsNoop() bool {
	return len(d.Schedule) == 0 && d.Complete == nil && d.Fail == nil
}

// IsTerminal reports whether the decision ends the orchestration.
func (d Decision) IsTerminal() bool {
	return d.Complete != nil || d.Fail != nil
}

// Events converts the decision to the history events that record it.
func (d Decision) Events() []HistoryEvent {
	switch {
	case d.Complete != nil:
		return []HistoryEvent{OrchestrationCompletedEvent(d.Complete.Result)}
	case d.Fail != nil:
		return []HistoryEvent{OrchestrationFailedEvent(d.Fail.Reason)}
	}
	events := make([]HistoryEvent, 0, len(d.Schedule))
	for _, s := range d.Schedule {
		events = append(events, ActivityScheduledEvent(s))
	}
	return events
}
