package orders

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/replay"
	"github.com/petrijr/durable/pkg/api"
	"github.com/petrijr/durable/pkg/worker"
)

type OrdersSuite struct {
	suite.Suite

	ctx       context.Context
	inventory *Inventory
	ledger    *Ledger
	outbox    *Outbox
	acts      *Activities
	eng       *engine.Engine
	worker    *worker.Worker
}

func TestOrdersSuite(t *testing.T) {
	suite.Run(t, new(OrdersSuite))
}

func (s *OrdersSuite) SetupTest() {
	s.ctx = context.Background()
	s.inventory = NewInventory(map[string]int{"milk": 10})
	s.ledger = NewLedger()
	s.outbox = &Outbox{}
	s.acts = &Activities{Inventory: s.inventory, Payments: s.ledger, Notifier: s.outbox}
	s.eng = engine.NewInMemoryEngine()
	s.worker = worker.New(s.eng, s.eng.Queue())
}

// register registers the order workflow, replacing the named activities.
func (s *OrdersSuite) register(overrides map[string]api.ActivityFunc) {
	for _, def := range s.acts.Definitions() {
		if fn, ok := overrides[def.Name]; ok {
			def.Fn = fn
		}
		s.Require().NoError(s.eng.RegisterActivity(def))
	}
	s.Require().NoError(s.eng.RegisterOrchestration(api.OrchestrationDefinition{
		Name: OrchestrationName,
		Fn:   ProcessOrder,
	}))
}

func (s *OrdersSuite) run(order OrderPayload) (string, api.InstanceStatus) {
	id, err := s.eng.Start(s.ctx, OrchestrationName, order)
	s.Require().NoError(err)

	_, err = s.worker.Drain(s.ctx, 100*time.Millisecond)
	s.Require().NoError(err)

	st, err := s.eng.QueryStatus(s.ctx, id)
	s.Require().NoError(err)
	return id, st
}

func (s *OrdersSuite) calls(id string) []string {
	history, err := s.eng.History(s.ctx, id)
	s.Require().NoError(err)
	var names []string
	for _, ev := range history {
		if ev.Type == api.EventActivityScheduled {
			names = append(names, ev.Name)
		}
	}
	return names
}

func (s *OrdersSuite) result(st api.InstanceStatus) OrderResult {
	var res OrderResult
	s.Require().NoError(json.Unmarshal(st.Output, &res))
	return res
}

func (s *OrdersSuite) TestHappyPath() {
	s.register(nil)

	id, st := s.run(OrderPayload{Name: "milk", TotalCost: 10, Quantity: 2})

	s.Equal(api.StatusCompleted, st.Status)
	s.True(s.result(st).Processed)
	s.Equal([]string{
		ActivityReserveInventory,
		ActivityProcessPayment,
		ActivityUpdateInventory,
		ActivityNotifyCustomer,
	}, s.calls(id))
	s.Equal([]string{"Order " + id + " has completed!"}, s.outbox.Messages())
	s.Equal(8, s.inventory.Available("milk"))

	charged, ok := s.ledger.Charged(id)
	s.Require().True(ok)
	s.Equal(10.0, charged.TotalCost)
	s.Equal("milk", charged.ItemBeingPurchased)
}

func (s *OrdersSuite) TestInsufficientInventoryShortCircuits() {
	s.register(nil)

	id, st := s.run(OrderPayload{Name: "milk", TotalCost: 50, Quantity: 11})

	s.Equal(api.StatusCompleted, st.Status)
	s.False(s.result(st).Processed)
	s.Equal([]string{ActivityReserveInventory, ActivityNotifyCustomer}, s.calls(id))
	s.Equal([]string{"Insufficient inventory for milk"}, s.outbox.Messages())

	_, charged := s.ledger.Charged(id)
	s.False(charged, "payment is never attempted")
	s.Equal(10, s.inventory.Available("milk"))
}

func (s *OrdersSuite) TestUnknownItemIsInsufficient() {
	s.register(nil)

	_, st := s.run(OrderPayload{Name: "bread", TotalCost: 3})

	s.False(s.result(st).Processed)
	s.Equal([]string{"Insufficient inventory for bread"}, s.outbox.Messages())
}

func (s *OrdersSuite) TestUpdateFailureNotifiesRefundOnce() {
	s.register(map[string]api.ActivityFunc{
		ActivityUpdateInventory: func(context.Context, []byte) (any, error) {
			return nil, api.NonRetryable(errors.New("warehouse offline"))
		},
	})

	id, st := s.run(DefaultOrder())

	s.Equal(api.StatusCompleted, st.Status)
	s.False(s.result(st).Processed)
	s.Equal([]string{
		ActivityReserveInventory,
		ActivityProcessPayment,
		ActivityUpdateInventory,
		ActivityReleaseInventory,
		ActivityNotifyCustomer,
	}, s.calls(id))
	s.Equal([]string{"Order " + id + " Failed! You are now getting a refund"}, s.outbox.Messages())
	s.Equal(10, s.inventory.Available("milk"), "the reservation is released")
}

func (s *OrdersSuite) TestPaymentFailureFailsOrder() {
	s.register(map[string]api.ActivityFunc{
		ActivityProcessPayment: func(context.Context, []byte) (any, error) {
			return nil, api.NonRetryable(errors.New("card declined"))
		},
	})

	id, st := s.run(DefaultOrder())

	s.Equal(api.StatusFailed, st.Status)
	s.Contains(st.Error, "card declined")
	s.Equal([]string{ActivityReserveInventory, ActivityProcessPayment, ActivityReleaseInventory}, s.calls(id))
	s.Empty(s.outbox.Messages())
	s.Equal(10, s.inventory.Available("milk"), "the reservation is released")
}

func (s *OrdersSuite) TestInvalidOrderFails() {
	s.register(nil)

	id, st := s.run(OrderPayload{Quantity: 1})

	s.Equal(api.StatusFailed, st.Status)
	s.Contains(st.Error, "item name is required")
	s.Empty(s.calls(id))
}

func (s *OrdersSuite) TestReplayOfCompletedOrderIsNoop() {
	s.register(nil)
	id, _ := s.run(DefaultOrder())

	before, err := s.eng.History(s.ctx, id)
	s.Require().NoError(err)

	s.Require().NoError(s.eng.RunOrchestration(s.ctx, id))
	s.Require().NoError(s.eng.RunOrchestration(s.ctx, id))

	after, err := s.eng.History(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(before, after)
	s.Len(s.outbox.Messages(), 1)
}

func (s *OrdersSuite) TestReplayIsDeterministic() {
	s.register(nil)
	id, _ := s.run(DefaultOrder())

	history, err := s.eng.History(s.ctx, id)
	s.Require().NoError(err)
	inst := replay.Instance{ID: id, Name: OrchestrationName}

	// Every prefix ending in a result yields the call recorded next.
	for i, ev := range history {
		if !ev.Type.IsActivityResult() {
			continue
		}
		first, err := replay.Advance(ProcessOrder, inst, history[:i+1])
		s.Require().NoError(err)
		second, err := replay.Advance(ProcessOrder, inst, history[:i+1])
		s.Require().NoError(err)
		s.Equal(first, second)

		if next := history[i+1]; next.Type == api.EventActivityScheduled {
			s.Require().Len(first.Schedule, 1)
			s.Equal(next.Name, first.Schedule[0].Name)
			s.Equal(next.SequenceNo, first.Schedule[0].SequenceNo)
			s.JSONEq(string(next.Payload), string(first.Schedule[0].Input))
		} else {
			s.Require().NotNil(first.Complete)
			s.JSONEq(`{"processed":true}`, string(first.Complete.Result))
		}
	}
}

func (s *OrdersSuite) TestUnknownInstance() {
	_, err := s.eng.QueryStatus(s.ctx, "no-such-order")
	s.ErrorIs(err, api.ErrUnknownInstance)
}

func TestOrderNormalize(t *testing.T) {
	o, err := OrderPayload{Name: " milk ", TotalCost: 5}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, OrderPayload{Name: "milk", TotalCost: 5, Quantity: 1}, o)

	_, err = OrderPayload{Name: "milk", Quantity: -1}.Normalize()
	assert.Error(t, err)
	_, err = OrderPayload{Name: "milk", TotalCost: -5}.Normalize()
	assert.Error(t, err)
	_, err = OrderPayload{}.Normalize()
	assert.Error(t, err)
}

func TestInventoryReservationsAreIdempotent(t *testing.T) {
	inv := NewInventory(map[string]int{"milk": 3})

	item, ok := inv.Reserve("order-1", "milk", 2)
	require.True(t, ok)
	assert.Equal(t, 1, item.Remaining)

	_, ok = inv.Reserve("order-1", "milk", 2)
	require.True(t, ok, "a retried reservation is not counted twice")
	assert.Equal(t, 1, inv.Available("milk"))

	_, ok = inv.Reserve("order-2", "milk", 2)
	assert.False(t, ok)

	remaining, err := inv.Commit("order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = inv.Commit("order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, err = inv.Commit("order-3")
	assert.ErrorIs(t, err, ErrNoReservation)
}

func TestInventoryRelease(t *testing.T) {
	inv := NewInventory(map[string]int{"milk": 3})

	_, ok := inv.Reserve("order-1", "milk", 2)
	require.True(t, ok)
	assert.Equal(t, 1, inv.Available("milk"))

	assert.True(t, inv.Release("order-1"))
	assert.Equal(t, 3, inv.Available("milk"))
	assert.False(t, inv.Release("order-1"), "a retried release is a no-op")

	_, ok = inv.Reserve("order-2", "milk", 1)
	require.True(t, ok)
	_, err := inv.Commit("order-2")
	require.NoError(t, err)
	assert.False(t, inv.Release("order-2"), "committed stock stays taken")
	assert.Equal(t, 2, inv.Available("milk"))
}

func TestUpdateWithoutReservationIsNotRetried(t *testing.T) {
	acts := &Activities{Inventory: NewInventory(nil)}
	_, err := acts.UpdateInventory(context.Background(), PaymentRequest{RequestID: "order-9"})
	assert.True(t, api.IsNonRetryable(err))
	assert.ErrorIs(t, err, ErrNoReservation)
}

func TestActivityLatencyHonoursCancellation(t *testing.T) {
	acts := &Activities{
		Inventory: NewInventory(map[string]int{"milk": 1}),
		Latency:   Latency{Reserve: time.Hour},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := acts.ReserveInventory(ctx, InventoryRequest{RequestID: "order-1", ItemName: "milk", Quantity: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, acts.Inventory.Available("milk"))
}

func TestDefinitionsCarryTimeoutAndRetry(t *testing.T) {
	acts := &Activities{Latency: DemoLatency()}
	defs := acts.Definitions()
	require.Len(t, defs, 5)
	for _, def := range defs {
		assert.Greater(t, def.Options.Timeout, 3*DemoLatency().Payment, def.Name)
		require.NotNil(t, def.Options.Retry, def.Name)
		assert.Equal(t, 3, def.Options.Retry.MaxAttempts, def.Name)
	}
}

func TestRegister(t *testing.T) {
	eng := engine.NewInMemoryEngine()
	acts := &Activities{Inventory: NewInventory(nil), Payments: NewLedger(), Notifier: &Outbox{}}

	require.NoError(t, Register(eng, acts))
	assert.ErrorIs(t, Register(eng, acts), api.ErrAlreadyRegistered)
}
