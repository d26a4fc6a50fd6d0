package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// Activity names.
const (
	ActivityReserveInventory = "ReserveInventory"
	ActivityProcessPayment   = "ProcessPayment"
	ActivityUpdateInventory  = "UpdateInventory"
	ActivityReleaseInventory = "ReleaseInventory"
	ActivityNotifyCustomer   = "NotifyCustomer"
)

// Latency is the simulated duration of each remote call.
type Latency struct {
	Reserve time.Duration
	Payment time.Duration
	Update  time.Duration
	Notify  time.Duration
}

// DemoLatency mimics slow downstream services.
func DemoLatency() Latency {
	return Latency{
		Reserve: 5 * time.Second,
		Payment: 7 * time.Second,
		Update:  5 * time.Second,
		Notify:  5 * time.Second,
	}
}

// defaultRetry is attached to every order activity. Payment and inventory
// calls are idempotent per request id, so retrying them is safe.
var defaultRetry = api.RetryPolicy{
	MaxAttempts: 3,
	Backoff: api.BackoffStrategy{
		Kind:    api.BackoffExponential,
		Initial: time.Second,
		Max:     10 * time.Second,
	},
}

// Activities binds the order activities to their backing services.
type Activities struct {
	Inventory *Inventory
	Payments  PaymentProcessor
	Notifier  Notifier
	Latency   Latency
	Logger    *slog.Logger
}

// Definitions returns the activity registrations, each carrying its own
// timeout and retry policy.
func (a *Activities) Definitions() []api.ActivityDefinition {
	// The timeout leaves room for every attempt plus the backoff between them.
	opts := func(latency time.Duration) api.ActivityOptions {
		retry := defaultRetry
		timeout := time.Duration(retry.MaxAttempts)*latency + 30*time.Second
		return api.ActivityOptions{Timeout: timeout, Retry: &retry}
	}
	return []api.ActivityDefinition{
		{Name: ActivityReserveInventory, Fn: api.TypedActivity(a.ReserveInventory), Options: opts(a.Latency.Reserve)},
		{Name: ActivityProcessPayment, Fn: api.TypedActivity(a.ProcessPayment), Options: opts(a.Latency.Payment)},
		{Name: ActivityUpdateInventory, Fn: api.TypedActivity(a.UpdateInventory), Options: opts(a.Latency.Update)},
		{Name: ActivityReleaseInventory, Fn: api.TypedActivity(a.ReleaseInventory), Options: opts(a.Latency.Reserve)},
		{Name: ActivityNotifyCustomer, Fn: api.TypedActivity(a.NotifyCustomer), Options: opts(a.Latency.Notify)},
	}
}

func (a *Activities) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// ReserveInventory holds stock for the order.
func (a *Activities) ReserveInventory(ctx context.Context, req InventoryRequest) (InventoryResult, error) {
	a.logger().InfoContext(ctx, "reserving_inventory",
		slog.String("request_id", req.RequestID),
		slog.String("item", req.ItemName),
		slog.Int("quantity", req.Quantity),
	)
	if err := sleep(ctx, a.Latency.Reserve); err != nil {
		return InventoryResult{}, err
	}

	item, ok := a.Inventory.Reserve(req.RequestID, req.ItemName, req.Quantity)
	return InventoryResult{Success: ok, Item: item}, nil
}

// ProcessPayment charges the customer.
func (a *Activities) ProcessPayment(ctx context.Context, req PaymentRequest) (any, error) {
	a.logger().InfoContext(ctx, "processing_payment",
		slog.String("request_id", req.RequestID),
		slog.Int("quantity", req.Quantity),
		slog.String("item", req.ItemBeingPurchased),
		slog.Float64("total_cost", req.TotalCost),
	)
	if err := sleep(ctx, a.Latency.Payment); err != nil {
		return nil, err
	}
	if err := a.Payments.Charge(ctx, req); err != nil {
		return nil, fmt.Errorf("charge %s: %w", req.RequestID, err)
	}
	a.logger().InfoContext(ctx, "payment_processed", slog.String("request_id", req.RequestID))
	return nil, nil
}

// UpdateInventory commits the reservation made for the order.
func (a *Activities) UpdateInventory(ctx context.Context, req PaymentRequest) (any, error) {
	if err := sleep(ctx, a.Latency.Update); err != nil {
		return nil, err
	}
	remaining, err := a.Inventory.Commit(req.RequestID)
	if errors.Is(err, ErrNoReservation) {
		return nil, api.NonRetryable(err)
	}
	if err != nil {
		return nil, err
	}
	a.logger().InfoContext(ctx, "inventory_updated",
		slog.String("request_id", req.RequestID),
		slog.String("item", req.ItemBeingPurchased),
		slog.Int("remaining", remaining),
	)
	return nil, nil
}

// ReleaseInventory gives back stock reserved for an order that will not
// be fulfilled.
func (a *Activities) ReleaseInventory(ctx context.Context, req InventoryRequest) (any, error) {
	if err := sleep(ctx, a.Latency.Reserve); err != nil {
		return nil, err
	}
	released := a.Inventory.Release(req.RequestID)
	a.logger().InfoContext(ctx, "inventory_released",
		slog.String("request_id", req.RequestID),
		slog.Bool("released", released),
	)
	return nil, nil
}

// NotifyCustomer delivers a message to the customer.
func (a *Activities) NotifyCustomer(ctx context.Context, n Notification) (any, error) {
	if err := sleep(ctx, a.Latency.Notify); err != nil {
		return nil, err
	}
	return nil, a.Notifier.Notify(ctx, n)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
