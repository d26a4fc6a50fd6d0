// Package server assembles the order processor: storage, engine, workers,
// timeout sweeper and the HTTP API, all driven by a config.Config.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/durable/internal/config"
	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/httpapi"
	"github.com/petrijr/durable/internal/observability"
	"github.com/petrijr/durable/internal/sweeper"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/orders"
	"github.com/petrijr/durable/pkg/worker"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// defaultStock seeds the inventory when the config names none.
var defaultStock = map[string]int{"milk": 100}

// Server owns every long-running component of the process.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	backend *backend
	engine  *engine.Engine
	pool    *worker.Pool
	sweeper *sweeper.Sweeper
	handler http.Handler

	shutdownTracing func(context.Context) error
	httpServer      *http.Server
}

// New wires a Server from cfg. The caller must Close it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger, shutdownTracing: func(context.Context) error { return nil }}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.backend = b

	if err := s.build(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.cfg

	tp, shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Pretty:      cfg.Tracing.Pretty,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	observers := []api.Observer{api.NewLoggingObserver(s.logger)}
	var metrics http.Handler
	if !cfg.Metrics.Disabled {
		reg, err := observability.NewRegistry()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		prom, err := observability.NewPrometheusObserver(reg.Registerer())
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		observers = append(observers, prom)
		metrics = reg.Handler()
	}

	retry := cfg.Activities.Retry
	eng, err := engine.NewEngineWithConfig(engine.Config{
		Persistence: s.backend.persistence,
		Queue:       s.backend.queue,
		Observer:    api.NewCompositeObserver(observers...),
		Logger:      s.logger,
		Tracer:      tp.Tracer(engine.TracerName),
		LeaseTTL:    cfg.Engine.LeaseTTL,
		Owner:       cfg.Engine.Owner,
		ActivityDefaults: api.ActivityOptions{
			Timeout: cfg.Activities.Timeout,
			Retry:   &retry,
		},
	})
	if err != nil {
		return err
	}
	s.engine = eng

	if err := orders.Register(eng, s.activities()); err != nil {
		return err
	}

	w := worker.New(eng, eng.Queue(), worker.WithLogger(s.logger))
	s.pool = worker.NewPool(w, cfg.Worker.Concurrency)

	if !cfg.Sweeper.Disabled {
		sw, err := sweeper.New(cfg.Sweeper.Schedule, eng, s.logger,
			sweeper.WithStallThreshold(cfg.Sweeper.StallAfter))
		if err != nil {
			return err
		}
		s.sweeper = sw
	}

	opts := httpapi.Options{
		Defaults: map[string]func() any{
			orders.OrchestrationName: func() any { return orders.DefaultOrder() },
		},
		Metrics:     metrics,
		MetricsPath: cfg.Metrics.Path,
		ServiceName: cfg.Tracing.ServiceName,
		Logger:      s.logger,
	}
	if cfg.Tracing.Enabled {
		opts.TracerProvider = tp
	}
	s.handler = httpapi.NewRouter(eng, opts)
	return nil
}

func (s *Server) activities() *orders.Activities {
	stock := s.cfg.Orders.Stock
	if len(stock) == 0 {
		stock = defaultStock
	}
	acts := &orders.Activities{
		Inventory: orders.NewInventory(stock),
		Payments:  orders.NewLedger(),
		Notifier:  orders.LogNotifier{Logger: s.logger},
		Logger:    s.logger,
	}
	if s.cfg.Orders.SimulateLatency {
		acts.Latency = orders.DemoLatency()
	}
	return acts
}

// Engine returns the instance manager.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run recovers unfinished instances, then serves HTTP and runs the worker
// pool and sweeper until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.handler,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pool.Run(gctx)
	})
	if s.sweeper != nil {
		s.logger.Info("starting sweeper", "next_run", s.sweeper.NextRun())
		g.Go(func() error {
			return s.sweeper.Run(gctx)
		})
	}
	g.Go(func() error {
		s.logger.Info("starting server", "addr", s.cfg.Server.Addr, "storage", s.cfg.Storage.Driver)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close flushes spans and releases the storage connections.
func (s *Server) Close(ctx context.Context) error {
	return errors.Join(
		s.shutdownTracing(ctx),
		s.backend.close(ctx),
	)
}
