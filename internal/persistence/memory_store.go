package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// HistoryLog and InstanceIndex backed by maps.
type InMemoryStore struct {
	mu        sync.RWMutex
	logs      map[string][]api.HistoryEvent
	instances map[string]InstanceRecord
	keys      map[string]string
	leases    map[string]memoryLease
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		logs:      make(map[string][]api.HistoryEvent),
		instances: make(map[string]InstanceRecord),
		keys:      make(map[string]string),
		leases:    make(map[string]memoryLease),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ HistoryLog = (*InMemoryStore)(nil)

var _ InstanceIndex = (*InMemoryStore)(nil)

var _ LeaseManager = (*InMemoryStore)(nil)

func (s *InMemoryStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(len(s.logs[instanceID])) != expected {
		return api.ErrAppendConflict
	}
	s.logs[instanceID] = append(s.logs[instanceID], stamp(expected, events)...)
	return nil
}

func (s *InMemoryStore) Read(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[instanceID]
	out := make([]api.HistoryEvent, len(log))
	copy(out, log)
	return out, nil
}

func (s *InMemoryStore) CreateInstance(ctx context.Context, rec InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[rec.ID]; ok {
		return ErrDuplicateInstance
	}
	if rec.IdempotencyKey != "" {
		if _, ok := s.keys[rec.IdempotencyKey]; ok {
			return ErrDuplicateInstance
		}
		s.keys[rec.IdempotencyKey] = rec.ID
	}
	s.instances[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, id string, status api.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	if status.Rank() < rec.Status.Rank() {
		return nil
	}
	rec.Status = status
	rec.UpdatedAt = at
	s.instances[id] = rec
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[id]
	if !ok {
		return InstanceRecord{}, ErrInstanceNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[key]
	if !ok {
		return InstanceRecord{}, ErrInstanceNotFound
	}
	return s.instances[id], nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []InstanceRecord
	for _, rec := range s.instances {
		if filter.matches(rec) {
			result = append(result, rec)
		}
	}
	sortRecords(result)
	return result, nil
}

func sortRecords(recs []InstanceRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if err := validTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return false, ErrInstanceNotFound
	}
	now := time.Now()
	if cur, ok := s.leases[instanceID]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	s.leases[instanceID] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if err := validTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[instanceID]
	if !ok || cur.owner != owner {
		return ErrLeaseNotHeld
	}
	cur.expires = time.Now().Add(ttl)
	s.leases[instanceID] = cur
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[instanceID]; ok && cur.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}
