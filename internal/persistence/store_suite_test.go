package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/durable/pkg/api"
)

// StoreSuite runs the same behavioural checks against every backend.
type StoreSuite struct {
	suite.Suite

	// newStore returns a store over an empty backend.
	newStore func() Store

	store Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func started(name string) api.HistoryEvent {
	return api.OrchestrationStartedEvent(name, json.RawMessage(`{"name":"milk","quantity":1}`), "")
}

func scheduled(seq int, name string) api.HistoryEvent {
	return api.ActivityScheduledEvent(api.ScheduleActivity{
		Name:       name,
		SequenceNo: seq,
		Input:      json.RawMessage(`{"item":"<milk> & honey"}`),
		Options: api.ActivityOptions{
			Timeout: 3 * time.Second,
			Retry:   &api.RetryPolicy{MaxAttempts: 3, Backoff: api.BackoffStrategy{Kind: api.BackoffExponential, Initial: time.Second}},
		},
	})
}

func (s *StoreSuite) TestAppendAndRead() {
	s.Require().NoError(s.store.Append(s.ctx, "i-1", 0, started("ProcessOrder")))
	s.Require().NoError(s.store.Append(s.ctx, "i-1", 1, scheduled(1, "Reserve"), scheduled(2, "Notify")))
	s.Require().NoError(s.store.Append(s.ctx, "i-1", 3, api.ActivityCompletedEvent(1, json.RawMessage(`{"success":true}`))))

	events, err := s.store.Read(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Require().Len(events, 4)

	for i, ev := range events {
		s.Equal(int64(i), ev.Index)
		s.False(ev.At.IsZero())
	}
	s.Equal(api.EventOrchestrationStarted, events[0].Type)
	s.Equal("ProcessOrder", events[0].Name)
	s.JSONEq(`{"name":"milk","quantity":1}`, string(events[0].Payload))

	sched := events[1]
	s.Equal(api.EventActivityScheduled, sched.Type)
	s.Equal(1, sched.SequenceNo)
	s.Equal("Reserve", sched.Name)
	s.Equal(`{"item":"<milk> & honey"}`, string(sched.Payload), "payload bytes must survive storage unchanged")
	s.Equal(3*time.Second, sched.Timeout)
	s.Require().NotNil(sched.Retry)
	s.Equal(3, sched.Retry.MaxAttempts)
	s.Equal(api.BackoffExponential, sched.Retry.Backoff.Kind)

	s.Equal(api.EventActivityCompleted, events[3].Type)
	s.JSONEq(`{"success":true}`, string(events[3].Payload))
}

func (s *StoreSuite) TestReadUnknownInstanceIsEmpty() {
	events, err := s.store.Read(s.ctx, "missing")
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *StoreSuite) TestAppendConflict() {
	s.Require().NoError(s.store.Append(s.ctx, "i-1", 0, started("ProcessOrder")))

	err := s.store.Append(s.ctx, "i-1", 0, started("ProcessOrder"))
	s.Require().ErrorIs(err, api.ErrAppendConflict)

	err = s.store.Append(s.ctx, "i-1", 5, scheduled(1, "Reserve"))
	s.Require().ErrorIs(err, api.ErrAppendConflict)

	events, err := s.store.Read(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Len(events, 1, "conflicting appends must write nothing")
}

func (s *StoreSuite) TestConcurrentAppendsHaveOneWinner() {
	s.Require().NoError(s.store.Append(s.ctx, "i-1", 0, started("ProcessOrder")))

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.store.Append(s.ctx, "i-1", 1, scheduled(1, "Reserve"), scheduled(2, "Pay"))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, api.ErrAppendConflict):
		default:
			s.Failf("unexpected append error", "%v", err)
		}
	}
	s.Equal(1, wins)

	events, err := s.store.Read(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Len(events, 3)
}

func record(id, name, key string, at time.Time) InstanceRecord {
	return InstanceRecord{
		ID:             id,
		Name:           name,
		Input:          json.RawMessage(`{"quantity":2}`),
		Status:         api.StatusPending,
		IdempotencyKey: key,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func (s *StoreSuite) TestCreateAndGetInstance() {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("i-1", "ProcessOrder", "order-42", at)))

	got, err := s.store.GetInstance(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Equal("ProcessOrder", got.Name)
	s.Equal(api.StatusPending, got.Status)
	s.Equal("order-42", got.IdempotencyKey)
	s.JSONEq(`{"quantity":2}`, string(got.Input))
	s.True(at.Equal(got.CreatedAt))

	byKey, err := s.store.FindByIdempotencyKey(s.ctx, "order-42")
	s.Require().NoError(err)
	s.Equal("i-1", byKey.ID)

	_, err = s.store.GetInstance(s.ctx, "missing")
	s.ErrorIs(err, ErrInstanceNotFound)
	_, err = s.store.FindByIdempotencyKey(s.ctx, "missing")
	s.ErrorIs(err, ErrInstanceNotFound)
}

func (s *StoreSuite) TestCreateInstanceRejectsDuplicates() {
	now := time.Now().UTC()
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("i-1", "ProcessOrder", "k", now)))

	err := s.store.CreateInstance(s.ctx, record("i-1", "ProcessOrder", "", now))
	s.ErrorIs(err, ErrDuplicateInstance)

	err = s.store.CreateInstance(s.ctx, record("i-2", "ProcessOrder", "k", now))
	s.ErrorIs(err, ErrDuplicateInstance)

	// Instances without a key never collide on it.
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("i-3", "ProcessOrder", "", now)))
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("i-4", "ProcessOrder", "", now)))
}

func (s *StoreSuite) TestUpdateStatusIsMonotonic() {
	now := time.Now().UTC()
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("i-1", "ProcessOrder", "", now)))

	s.Require().NoError(s.store.UpdateStatus(s.ctx, "i-1", api.StatusRunning, now.Add(time.Second)))
	s.Require().NoError(s.store.UpdateStatus(s.ctx, "i-1", api.StatusCompleted, now.Add(2*time.Second)))
	s.Require().NoError(s.store.UpdateStatus(s.ctx, "i-1", api.StatusRunning, now.Add(3*time.Second)))

	got, err := s.store.GetInstance(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, got.Status)
	s.True(now.Add(2 * time.Second).Equal(got.UpdatedAt))

	err = s.store.UpdateStatus(s.ctx, "missing", api.StatusRunning, now)
	s.ErrorIs(err, ErrInstanceNotFound)
}

func (s *StoreSuite) TestListInstancesFilters() {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("a", "ProcessOrder", "", base)))
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("b", "ProcessOrder", "", base.Add(time.Second))))
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("c", "Refund", "", base.Add(2*time.Second))))
	s.Require().NoError(s.store.UpdateStatus(s.ctx, "b", api.StatusCompleted, base.Add(3*time.Second)))

	all, err := s.store.ListInstances(s.ctx, InstanceFilter{})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "c"}, ids(all))

	orders, err := s.store.ListInstances(s.ctx, InstanceFilter{Name: "ProcessOrder"})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b"}, ids(orders))

	done, err := s.store.ListInstances(s.ctx, InstanceFilter{Name: "ProcessOrder", Status: api.StatusCompleted})
	s.Require().NoError(err)
	s.Equal([]string{"b"}, ids(done))

	pending, err := s.store.ListInstances(s.ctx, InstanceFilter{Status: api.StatusPending})
	s.Require().NoError(err)
	s.Equal([]string{"a", "c"}, ids(pending))
}

func (s *StoreSuite) TestLeaseAcquireRenewRelease() {
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("i-1", "ProcessOrder", "", time.Now().UTC())))
	ttl := time.Minute

	ok, err := s.store.TryAcquireLease(s.ctx, "i-1", "engine-a", ttl)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.TryAcquireLease(s.ctx, "i-1", "engine-b", ttl)
	s.Require().NoError(err)
	s.False(ok, "a live lease is exclusive")

	ok, err = s.store.TryAcquireLease(s.ctx, "i-1", "engine-a", ttl)
	s.Require().NoError(err)
	s.True(ok, "the holder may re-acquire")

	s.Require().NoError(s.store.RenewLease(s.ctx, "i-1", "engine-a", ttl))
	s.ErrorIs(s.store.RenewLease(s.ctx, "i-1", "engine-b", ttl), ErrLeaseNotHeld)

	// Releasing someone else's lease changes nothing.
	s.Require().NoError(s.store.ReleaseLease(s.ctx, "i-1", "engine-b"))
	ok, err = s.store.TryAcquireLease(s.ctx, "i-1", "engine-b", ttl)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.ReleaseLease(s.ctx, "i-1", "engine-a"))
	s.Require().NoError(s.store.ReleaseLease(s.ctx, "i-1", "engine-a"))

	ok, err = s.store.TryAcquireLease(s.ctx, "i-1", "engine-b", ttl)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *StoreSuite) TestExpiredLeaseCanBeTakenOver() {
	s.Require().NoError(s.store.CreateInstance(s.ctx, record("i-1", "ProcessOrder", "", time.Now().UTC())))

	ok, err := s.store.TryAcquireLease(s.ctx, "i-1", "crashed", 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Eventually(func() bool {
		ok, err := s.store.TryAcquireLease(s.ctx, "i-1", "survivor", time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)

	s.ErrorIs(s.store.RenewLease(s.ctx, "i-1", "crashed", time.Minute), ErrLeaseNotHeld)
}

func (s *StoreSuite) TestLeaseOnUnknownInstance() {
	_, err := s.store.TryAcquireLease(s.ctx, "missing", "engine-a", time.Minute)
	s.ErrorIs(err, ErrInstanceNotFound)

	_, err = s.store.TryAcquireLease(s.ctx, "missing", "engine-a", 0)
	s.Error(err)
}

func ids(recs []InstanceRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
