package replay

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/durable/pkg/api"
)

// Call is one recorded activity call: its scheduled event and, once it
// exists, the event that resolved it.
type Call struct {
	Scheduled api.HistoryEvent
	Result    *api.HistoryEvent
}

// Summary is the validated view of a history log.
type Summary struct {
	Name  string
	Input json.RawMessage

	// Calls is indexed by sequence number minus one.
	Calls []Call

	// Results counts calls that have a result.
	Results int

	// Terminal is the terminal event, if any.
	Terminal *api.HistoryEvent
}

// Outstanding returns scheduled calls without a result.
func (s *Summary) Outstanding() []api.HistoryEvent {
	var out []api.HistoryEvent
	for _, c := range s.Calls {
		if c.Result == nil {
			out = append(out, c.Scheduled)
		}
	}
	return out
}

// HasResult reports whether the call with the given sequence number is
// resolved. Unknown sequence numbers report false.
func (s *Summary) HasResult(seq int) bool {
	if seq < 1 || seq > len(s.Calls) {
		return false
	}
	return s.Calls[seq-1].Result != nil
}

// Call returns the recorded call for seq.
func (s *Summary) Call(seq int) (Call, bool) {
	if seq < 1 || seq > len(s.Calls) {
		return Call{}, false
	}
	return s.Calls[seq-1], true
}

// Summarize validates history and indexes it by sequence number.
//
// A valid log has contiguous indexes from 0, starts with exactly one
// orchestration.started event, numbers scheduled calls 1..n without gaps,
// resolves each call at most once and only after it was scheduled, and
// ends at its first terminal event.
func Summarize(history []api.HistoryEvent) (*Summary, error) {
	s := &Summary{}
	for i, ev := range history {
		if ev.Index != int64(i) {
			return nil, corrupt("event %d has index %d", i, ev.Index)
		}
		if s.Terminal != nil {
			return nil, corrupt("event %d (%s) follows terminal event", i, ev.Type)
		}
		if i == 0 && ev.Type != api.EventOrchestrationStarted {
			return nil, corrupt("first event is %s", ev.Type)
		}

		switch ev.Type {
		case api.EventOrchestrationStarted:
			if i != 0 {
				return nil, corrupt("duplicate %s at %d", ev.Type, i)
			}
			s.Name = ev.Name
			s.Input = ev.Payload

		case api.EventActivityScheduled:
			if ev.SequenceNo != len(s.Calls)+1 {
				return nil, corrupt("event %d schedules sequence %d, want %d", i, ev.SequenceNo, len(s.Calls)+1)
			}
			s.Calls = append(s.Calls, Call{Scheduled: ev})

		case api.EventActivityCompleted, api.EventActivityFailed:
			if ev.SequenceNo < 1 || ev.SequenceNo > len(s.Calls) {
				return nil, corrupt("event %d resolves unscheduled sequence %d", i, ev.SequenceNo)
			}
			c := &s.Calls[ev.SequenceNo-1]
			if c.Result != nil {
				return nil, corrupt("event %d resolves sequence %d twice", i, ev.SequenceNo)
			}
			res := ev
			c.Result = &res
			s.Results++

		case api.EventOrchestrationCompleted, api.EventOrchestrationFailed, api.EventOrchestrationCanceled:
			term := ev
			s.Terminal = &term

		default:
			return nil, corrupt("event %d has unknown type %q", i, ev.Type)
		}
	}
	return s, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", api.ErrCorruptHistory, fmt.Sprintf(format, args...))
}
