package taskqueue

import (
	"container/heap"
	"context"
	"strconv"
	"sync"
	"time"
)

// InMemoryQueue is a Queue held in process memory, ordered by NotBefore
// and then by enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	items taskHeap
	seq   uint64

	// changed is closed and replaced whenever a task is added.
	changed chan struct{}
}

// NewInMemoryQueue creates a new queue. capacity preallocates room for
// that many tasks; the queue itself is unbounded.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		items:   make(taskHeap, 0, capacity),
		changed: make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = prepare(t, time.Now())

	q.mu.Lock()
	q.seq++
	if t.ID == "" {
		t.ID = strconv.FormatUint(q.seq, 10)
	}
	heap.Push(&q.items, queued{task: t, seq: q.seq})
	close(q.changed)
	q.changed = make(chan struct{})
	q.mu.Unlock()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.items) > 0 {
			next := q.items[0]
			now := time.Now()
			if !next.task.NotBefore.After(now) {
				heap.Pop(&q.items)
				q.mu.Unlock()
				t := next.task
				return &t, nil
			}
			wait = next.task.NotBefore.Sub(now)
		}
		changed := q.changed
		q.mu.Unlock()

		var (
			tm    *time.Timer
			timer <-chan time.Time
		)
		if wait >= 0 {
			tm = time.NewTimer(wait)
			timer = tm.C
		}

		select {
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-timer:
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type queued struct {
	task Task
	seq  uint64
}

type taskHeap []queued

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].task.NotBefore.Before(h[j].task.NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
