package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeOrchestration asks for one replay pass of an instance.
	TaskTypeOrchestration TaskType = "orchestration"

	// TaskTypeActivity asks for one attempt of a scheduled activity.
	TaskTypeActivity TaskType = "activity"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	InstanceID string

	// For activity tasks
	ActivityName string
	SequenceNo   int
	Input        []byte
	Options      api.ActivityOptions

	// Attempt is the 1-based number of the attempt this task performs.
	Attempt int

	// Deadline bounds all attempts of an activity. Zero means none.
	Deadline time.Time

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time
}

// OrchestrationTask builds a replay work item for an instance.
func OrchestrationTask(instanceID string) Task {
	return Task{Type: TaskTypeOrchestration, InstanceID: instanceID}
}

// ActivityTask builds the first attempt of a scheduled activity. scheduledAt
// anchors the deadline derived from the call's timeout.
func ActivityTask(instanceID string, s api.ScheduleActivity, scheduledAt time.Time) Task {
	t := Task{
		Type:         TaskTypeActivity,
		InstanceID:   instanceID,
		ActivityName: s.Name,
		SequenceNo:   s.SequenceNo,
		Input:        s.Input,
		Options:      s.Options,
		Attempt:      1,
	}
	if s.Options.Timeout > 0 {
		t.Deadline = scheduledAt.Add(s.Options.Timeout)
	}
	return t
}

// Retry returns the follow-up attempt of an activity task, eligible after
// delay.
func (t Task) Retry(now time.Time, delay time.Duration) Task {
	next := t
	next.ID = ""
	next.Attempt = t.Attempt + 1
	next.EnqueuedAt = time.Time{}
	next.NotBefore = now.Add(delay)
	return next
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

func prepare(t Task, now time.Time) Task {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}
