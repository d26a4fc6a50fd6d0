package durable

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/pkg/worker"
)

// defaultPollInterval is how often WaitForCompletion re-reads the status.
const defaultPollInterval = 10 * time.Millisecond

// LocalRunner bundles an in-memory Engine and a Worker pool into a single
// process-local runtime for development and tests.
//
// Typical usage:
//
//	runner := durable.NewLocalRunner()
//	_ = orders.Register(runner.Engine, acts)
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	id, _ := runner.Engine.Start(ctx, orders.OrchestrationName, order)
//	st, _ := runner.WaitForCompletion(ctx, id)
type LocalRunner struct {
	// Engine is the in-memory engine; its queue feeds Worker.
	Engine *engine.Engine

	// Worker processes tasks from Engine.Queue().
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine.
func NewLocalRunner(opts ...worker.Option) *LocalRunner {
	eng := engine.NewInMemoryEngine()
	return &LocalRunner{
		Engine: eng,
		Worker: worker.New(eng, eng.Queue(), opts...),
	}
}

// StartWorkers starts concurrency worker goroutines that run until Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("durable: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	pool := worker.NewPool(r.Worker, concurrency)
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	r.cancel = cancel
	r.done = done
	r.running = true
	return nil
}

// Stop cancels the worker goroutines and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// Start begins an instance of the named orchestration. Workers pick it up
// asynchronously.
func (r *LocalRunner) Start(ctx context.Context, name string, input any, opts ...StartOption) (string, error) {
	return r.Engine.Start(ctx, name, input, opts...)
}

// WaitForCompletion blocks until the instance reaches a terminal status or
// ctx is done.
func (r *LocalRunner) WaitForCompletion(ctx context.Context, id string) (InstanceStatus, error) {
	return WaitForCompletion(ctx, r.Engine, id, defaultPollInterval)
}

// WaitForCompletion polls eng until the instance id is COMPLETED, FAILED or
// CANCELED. It returns the last observed status together with ctx's error
// when ctx ends first.
func WaitForCompletion(ctx context.Context, eng Engine, id string, interval time.Duration) (InstanceStatus, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last InstanceStatus
	for {
		st, err := eng.QueryStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return st, err
		}
		if st.Status.IsTerminal() {
			return st, nil
		}
		last = st

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
