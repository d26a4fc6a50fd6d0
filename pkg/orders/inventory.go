package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNoReservation is returned when stock is committed for a request that
// never reserved any.
var ErrNoReservation = errors.New("no reservation for request")

type reservation struct {
	item     string
	quantity int
}

// Inventory is an in-memory stock table with per-request reservations.
// Reserve, Commit and Release are idempotent per request id so that retried
// activity attempts do not double count.
type Inventory struct {
	mu        sync.Mutex
	stock     map[string]int
	reserved  map[string]reservation
	committed map[string]reservation
}

// NewInventory creates an inventory seeded with stock.
func NewInventory(stock map[string]int) *Inventory {
	inv := &Inventory{
		stock:     make(map[string]int, len(stock)),
		reserved:  make(map[string]reservation),
		committed: make(map[string]reservation),
	}
	for item, qty := range stock {
		inv.stock[item] = qty
	}
	return inv
}

// Available returns the stock of item that is not held by a reservation.
func (inv *Inventory) Available(item string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.availableLocked(item)
}

func (inv *Inventory) availableLocked(item string) int {
	n := inv.stock[item]
	for _, r := range inv.reserved {
		if r.item == item {
			n -= r.quantity
		}
	}
	return n
}

// Reserve holds quantity of item for requestID. It returns false when not
// enough stock is available.
func (inv *Inventory) Reserve(requestID, item string, quantity int) (InventoryItem, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if r, ok := inv.reserved[requestID]; ok {
		return InventoryItem{Name: r.item, Quantity: r.quantity, Remaining: inv.availableLocked(r.item)}, true
	}
	if r, ok := inv.committed[requestID]; ok {
		return InventoryItem{Name: r.item, Quantity: r.quantity, Remaining: inv.availableLocked(r.item)}, true
	}
	avail := inv.availableLocked(item)
	if avail < quantity {
		return InventoryItem{Name: item, Remaining: avail}, false
	}
	inv.reserved[requestID] = reservation{item: item, quantity: quantity}
	return InventoryItem{Name: item, Quantity: quantity, Remaining: avail - quantity}, true
}

// Commit removes the stock reserved by requestID and returns what is left
// of the item.
func (inv *Inventory) Commit(requestID string) (int, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if r, ok := inv.committed[requestID]; ok {
		return inv.availableLocked(r.item), nil
	}
	r, ok := inv.reserved[requestID]
	if !ok {
		return 0, fmt.Errorf("%w %s", ErrNoReservation, requestID)
	}
	inv.stock[r.item] -= r.quantity
	delete(inv.reserved, requestID)
	inv.committed[requestID] = r
	return inv.availableLocked(r.item), nil
}

// Release drops the reservation held for requestID and reports whether
// there was one. Committed stock is not returned.
func (inv *Inventory) Release(requestID string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, ok := inv.reserved[requestID]; !ok {
		return false
	}
	delete(inv.reserved, requestID)
	return true
}

// PaymentProcessor charges customers.
type PaymentProcessor interface {
	Charge(ctx context.Context, req PaymentRequest) error
}

// Ledger is an in-memory PaymentProcessor that charges each request once.
type Ledger struct {
	mu      sync.Mutex
	charged map[string]PaymentRequest
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{charged: make(map[string]PaymentRequest)}
}

// Charge records the payment. Charging the same request twice is a no-op.
func (l *Ledger) Charge(ctx context.Context, req PaymentRequest) error {
	if req.TotalCost < 0 {
		return fmt.Errorf("invalid amount %.2f", req.TotalCost)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.charged[req.RequestID]; !ok {
		l.charged[req.RequestID] = req
	}
	return nil
}

// Charged returns the payment recorded for requestID.
func (l *Ledger) Charged(requestID string) (PaymentRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.charged[requestID]
	return p, ok
}

// Notifier delivers customer notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, msg Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "customer_notified", slog.String("message", msg.Message))
	return nil
}

// Outbox is a Notifier that keeps every message in memory.
type Outbox struct {
	mu       sync.Mutex
	messages []string
}

func (o *Outbox) Notify(ctx context.Context, n Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, n.Message)
	return nil
}

// Messages returns the delivered messages in order.
func (o *Outbox) Messages() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.messages...)
}
