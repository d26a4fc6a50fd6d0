package taskqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// codecVersion is written into every encoded task. Decoders reject
// versions they do not know instead of guessing at the layout.
const codecVersion = 1

// ErrMalformedTask is returned for payloads that do not decode to a task.
var ErrMalformedTask = errors.New("malformed task")

// wireTask is the stored form of a Task. It is kept apart from Task so the
// stored layout only changes together with codecVersion.
type wireTask struct {
	Version      int                 `json:"v"`
	ID           string              `json:"id,omitempty"`
	Type         TaskType            `json:"type"`
	InstanceID   string              `json:"instanceId"`
	ActivityName string              `json:"activity,omitempty"`
	SequenceNo   int                 `json:"seq,omitempty"`
	Input        json.RawMessage     `json:"input,omitempty"`
	Options      api.ActivityOptions `json:"options,omitempty"`
	Attempt      int                 `json:"attempt,omitempty"`
	Deadline     *time.Time          `json:"deadline,omitempty"`
	EnqueuedAt   time.Time           `json:"enqueuedAt"`
	NotBefore    *time.Time          `json:"notBefore,omitempty"`
}

// EncodeTask serializes t for the durable queues.
func EncodeTask(t Task) ([]byte, error) {
	if t.InstanceID == "" {
		return nil, fmt.Errorf("%w: missing instance id", ErrMalformedTask)
	}
	w := wireTask{
		Version:      codecVersion,
		ID:           t.ID,
		Type:         t.Type,
		InstanceID:   t.InstanceID,
		ActivityName: t.ActivityName,
		SequenceNo:   t.SequenceNo,
		Options:      t.Options,
		Attempt:      t.Attempt,
		Deadline:     timePtr(t.Deadline),
		EnqueuedAt:   t.EnqueuedAt,
		NotBefore:    timePtr(t.NotBefore),
	}
	if len(t.Input) > 0 {
		if !json.Valid(t.Input) {
			return nil, fmt.Errorf("%w: activity input is not JSON", ErrMalformedTask)
		}
		w.Input = json.RawMessage(t.Input)
	}
	return json.Marshal(w)
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if w.Version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedTask, w.Version)
	}
	switch w.Type {
	case TaskTypeOrchestration, TaskTypeActivity:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedTask, w.Type)
	}
	if w.InstanceID == "" {
		return nil, fmt.Errorf("%w: missing instance id", ErrMalformedTask)
	}

	t := &Task{
		ID:           w.ID,
		Type:         w.Type,
		InstanceID:   w.InstanceID,
		ActivityName: w.ActivityName,
		SequenceNo:   w.SequenceNo,
		Options:      w.Options,
		Attempt:      w.Attempt,
		EnqueuedAt:   w.EnqueuedAt,
	}
	if len(w.Input) > 0 {
		t.Input = []byte(w.Input)
	}
	if w.Deadline != nil {
		t.Deadline = *w.Deadline
	}
	if w.NotBefore != nil {
		t.NotBefore = *w.NotBefore
	}
	return t, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
