// Command orderprocessor runs the durable order workflow, either as an HTTP
// service or as a one-shot local run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/internal/config"
	"github.com/petrijr/durable/internal/logging"
	"github.com/petrijr/durable/internal/server"
	"github.com/petrijr/durable/pkg/orders"
	"github.com/petrijr/durable/pkg/worker"
)

// CLI is the command line of orderprocessor.
type CLI struct {
	Config string `short:"c" type:"path" env:"DURABLE_CONFIG" help:"Path to the YAML config file."`

	Serve ServeCmd `cmd:"" default:"1" help:"Serve the orchestration HTTP API (default)."`
	Run   RunCmd   `cmd:"" help:"Process one order in-process and print its final status."`
}

// app carries what every command needs.
type app struct {
	cfg    config.Config
	logger *logging.Logger
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("orderprocessor"),
		kong.Description("Durable order processing on a replay-based orchestration engine."),
		kong.UsageOnError(),
	)

	a, err := setup(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer a.logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(a); err != nil {
		a.logger.Error("command failed", "command", kctx.Command(), "error", err)
		os.Exit(1)
	}
}

func setup(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger.Logger)
	return &app{cfg: cfg, logger: logger}, nil
}

// ServeCmd runs the HTTP API, the worker pool and the timeout sweeper.
type ServeCmd struct{}

func (c *ServeCmd) Run(ctx context.Context, a *app) error {
	srv, err := server.New(ctx, a.cfg, a.logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Close(closeCtx); err != nil {
			a.logger.Error("failed to close server", "error", err)
		}
	}()
	return srv.Run(ctx)
}

// RunCmd processes a single order on an in-memory engine.
type RunCmd struct {
	Item     string        `default:"milk" help:"Item to order."`
	Quantity int           `default:"1" help:"Number of items."`
	Cost     float64       `default:"5" help:"Total cost of the order."`
	Workers  int           `default:"2" help:"Worker goroutines."`
	Timeout  time.Duration `default:"2m" help:"Give up waiting after this long."`
}

func (c *RunCmd) Run(ctx context.Context, a *app) error {
	stock := a.cfg.Orders.Stock
	if len(stock) == 0 {
		stock = map[string]int{c.Item: c.Quantity}
	}
	acts := &orders.Activities{
		Inventory: orders.NewInventory(stock),
		Payments:  orders.NewLedger(),
		Notifier:  orders.LogNotifier{Logger: a.logger.Logger},
		Logger:    a.logger.Logger,
	}
	if a.cfg.Orders.SimulateLatency {
		acts.Latency = orders.DemoLatency()
	}

	runner := durable.NewLocalRunner(worker.WithLogger(a.logger.Logger))
	if err := orders.Register(runner.Engine, acts); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	if err := runner.StartWorkers(ctx, c.Workers); err != nil {
		return err
	}
	defer runner.Stop()

	order := orders.OrderPayload{Name: c.Item, Quantity: c.Quantity, TotalCost: c.Cost}
	id, err := runner.Start(ctx, orders.OrchestrationName, order)
	if err != nil {
		return err
	}
	st, err := runner.WaitForCompletion(ctx, id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
