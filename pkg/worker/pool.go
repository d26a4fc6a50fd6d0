package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// dequeueErrorBackoff spaces out retries after a failing Dequeue.
const dequeueErrorBackoff = 100 * time.Millisecond

// Pool runs a Worker on a fixed number of goroutines.
type Pool struct {
	worker *Worker
	size   int
	logger *slog.Logger
}

// NewPool creates a Pool. size values < 1 default to 1.
func NewPool(w *Worker, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{worker: w, size: size, logger: w.logger}
}

// Run processes tasks until ctx is cancelled. Task errors are logged and do
// not stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			p.loop(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		processed, err := p.worker.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}
		if processed {
			p.logger.Error("task_failed", "worker", id, "error", err)
			continue
		}

		p.logger.Error("dequeue_failed", "worker", id, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(dequeueErrorBackoff):
		}
	}
}
