package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

// Worker pulls tasks from a Queue and executes them using an Executor.
type Worker struct {
	executor api.Executor
	queue    taskqueue.Queue
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger used for retries and task errors.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock replaces the wall clock used for deadlines and retry delays.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a new Worker.
func New(executor api.Executor, queue taskqueue.Queue, opts ...Option) *Worker {
	w := &Worker{
		executor: executor,
		queue:    queue,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true: a task was processed; err indicates whether the handler succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	return true, w.handle(ctx, *task)
}

func (w *Worker) handle(ctx context.Context, task taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeOrchestration:
		return w.executor.RunOrchestration(ctx, task.InstanceID)

	case taskqueue.TaskTypeActivity:
		return w.runActivity(ctx, task)

	default:
		// Unknown task type; return an error so this isn't silently ignored.
		return errors.New("unknown task type: " + string(task.Type))
	}
}

// Drain processes tasks until the queue stays empty for idle, and returns
// how many it processed. It stops at the first task error.
func (w *Worker) Drain(ctx context.Context, idle time.Duration) (int, error) {
	n := 0
	for {
		dctx, cancel := context.WithTimeout(ctx, idle)
		task, err := w.queue.Dequeue(dctx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return n, nil
			}
			return n, err
		}
		if task == nil {
			return n, nil
		}

		n++
		if err := w.handle(ctx, *task); err != nil {
			return n, err
		}
	}
}

// runActivity performs one attempt of an activity task. Transient failures
// are re-enqueued with the policy's backoff; terminal outcomes are handed to
// the executor.
func (w *Worker) runActivity(ctx context.Context, t taskqueue.Task) error {
	info := api.ActivityInfo{
		InstanceID: t.InstanceID,
		Name:       t.ActivityName,
		SequenceNo: t.SequenceNo,
		Attempt:    t.Attempt,
	}
	logger := w.logger.With("instance_id", t.InstanceID, "activity", t.ActivityName,
		"sequence_no", t.SequenceNo, "attempt", t.Attempt)

	if w.expired(t) {
		return w.executor.CompleteActivity(ctx, api.ActivityTimedOut(t.InstanceID, t.SequenceNo, t.Options.Timeout))
	}

	actCtx := ctx
	if !t.Deadline.IsZero() {
		var cancel context.CancelFunc
		actCtx, cancel = context.WithDeadline(ctx, t.Deadline)
		defer cancel()
	}

	start := time.Now()
	out, err := w.executor.InvokeActivity(actCtx, info, t.Input)
	elapsed := time.Since(start)

	if err == nil {
		payload, merr := api.MarshalPayload(out)
		if merr != nil {
			res := api.ActivityFailed(t.InstanceID, t.SequenceNo, api.ErrorKindTerminal,
				fmt.Sprintf("marshal output: %v", merr))
			res.Attempts, res.Duration = t.Attempt, elapsed
			return w.executor.CompleteActivity(ctx, res)
		}
		res := api.ActivitySucceeded(t.InstanceID, t.SequenceNo, payload)
		res.Attempts, res.Duration = t.Attempt, elapsed
		return w.executor.CompleteActivity(ctx, res)
	}

	if ctx.Err() != nil {
		// Shutting down: hand the attempt back instead of burning it.
		if qerr := w.queue.Enqueue(context.WithoutCancel(ctx), t); qerr != nil {
			logger.Error("activity_requeue_failed", "error", qerr)
		}
		return ctx.Err()
	}

	if w.expired(t) {
		res := api.ActivityTimedOut(t.InstanceID, t.SequenceNo, t.Options.Timeout)
		res.Attempts, res.Duration = t.Attempt, elapsed
		return w.executor.CompleteActivity(ctx, res)
	}

	if api.IsNonRetryable(err) || t.Attempt >= t.Options.Retry.Attempts() {
		res := api.ActivityFailed(t.InstanceID, t.SequenceNo, api.ErrorKindTerminal, err.Error())
		res.Attempts, res.Duration = t.Attempt, elapsed
		return w.executor.CompleteActivity(ctx, res)
	}

	next := t.Retry(w.now(), t.Options.Retry.Delay(t.Attempt))
	if !t.Deadline.IsZero() && next.NotBefore.After(t.Deadline) {
		// The retry would start after the deadline; wake up at the deadline
		// to record the timeout instead.
		next.NotBefore = t.Deadline
	}
	logger.Warn("activity_retry_scheduled", "error", err, "not_before", next.NotBefore)
	return w.queue.Enqueue(ctx, next)
}

func (w *Worker) expired(t taskqueue.Task) bool {
	return !t.Deadline.IsZero() && !w.now().Before(t.Deadline)
}
