package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when an instance record is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrDuplicateInstance is returned when an instance id or idempotency
	// key is already taken.
	ErrDuplicateInstance = errors.New("duplicate instance")

	// ErrLeaseNotHeld is returned by RenewLease when the caller no longer
	// owns the lease.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// HistoryLog is the append-only, per-instance event log. It is the source
// of truth for instance state.
type HistoryLog interface {
	// Append adds events to the end of an instance's log. expected is the
	// length the caller last read; the events receive indexes expected,
	// expected+1, .... If the log no longer has that length, Append
	// returns api.ErrAppendConflict and writes nothing.
	Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) error

	// Read returns the full log ordered by index. An unknown instance
	// returns an empty log.
	Read(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}

// InstanceRecord is the index entry of one instance. Its Status is a cache
// of the status derived from the history log.
type InstanceRecord struct {
	ID             string
	Name           string
	Input          json.RawMessage
	Status         api.Status
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InstanceFilter is used to select instances from the index.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Name   string
	Status api.Status
}

func (f InstanceFilter) matches(rec InstanceRecord) bool {
	if f.Name != "" && rec.Name != f.Name {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// InstanceIndex maps instance ids and idempotency keys to records.
type InstanceIndex interface {
	// CreateInstance stores a new record. A taken id or idempotency key
	// returns ErrDuplicateInstance.
	CreateInstance(ctx context.Context, rec InstanceRecord) error

	// UpdateStatus moves the cached status forward. Updates that would move
	// it to a lower api.Status.Rank are ignored.
	UpdateStatus(ctx context.Context, id string, status api.Status, at time.Time) error

	GetInstance(ctx context.Context, id string) (InstanceRecord, error)
	FindByIdempotencyKey(ctx context.Context, key string) (InstanceRecord, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]InstanceRecord, error)
}

// LeaseManager hands out time-bound ownership of an instance so that
// engines in different processes serialize their work on it.
type LeaseManager interface {
	// TryAcquireLease attempts to acquire (or re-acquire) the lease on an
	// instance. If another owner holds an unexpired lease it returns
	// acquired=false, err=nil. A lease already held by owner is extended.
	// Unknown instances return ErrInstanceNotFound.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends a lease held by owner. It returns ErrLeaseNotHeld
	// when the lease expired and was taken over, or was never held.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease drops the lease if owner holds it. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction. Leases is optional; without it instances are only
// serialized within one process.
type Persistence struct {
	History   HistoryLog
	Instances InstanceIndex
	Leases    LeaseManager
}

// Store is implemented by backends that serve every concern.
type Store interface {
	HistoryLog
	InstanceIndex
	LeaseManager
}

// FromStore builds a Persistence backed by a single store.
func FromStore(s Store) Persistence {
	return Persistence{History: s, Instances: s, Leases: s}
}

func validTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("lease ttl must be > 0")
	}
	return nil
}

// stamp assigns log indexes and fills missing timestamps.
func stamp(expected int64, events []api.HistoryEvent) []api.HistoryEvent {
	now := time.Now().UTC()
	out := make([]api.HistoryEvent, len(events))
	for i, ev := range events {
		ev.Index = expected + int64(i)
		if ev.At.IsZero() {
			ev.At = now
		}
		out[i] = ev
	}
	return out
}
