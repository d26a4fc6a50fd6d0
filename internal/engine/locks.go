package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/durable/internal/persistence"
	"github.com/petrijr/durable/pkg/api"
)

// DefaultLeaseTTL is the instance lease lifetime when Config.LeaseTTL is
// zero.
const DefaultLeaseTTL = 30 * time.Second

const (
	leaseRetryInitial = 10 * time.Millisecond
	leaseRetryMax     = 250 * time.Millisecond
)

// keyedMutex serializes work per key. Entries are dropped once no caller
// holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// defaultOwner names this process in instance leases.
func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	return host + ":" + strconv.Itoa(os.Getpid()) + ":" + uuid.NewString()[:8]
}

// lockInstance serializes work on one instance: first within the process,
// then across processes through the store lease when one is configured.
// The returned function releases both.
func (e *Engine) lockInstance(ctx context.Context, id string) (func(), error) {
	unlock := e.locks.Lock(id)
	if e.leases == nil {
		return unlock, nil
	}
	if err := e.acquireLease(ctx, id); err != nil {
		unlock()
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go e.renewLease(ctx, id, stop, done)

	return func() {
		close(stop)
		<-done
		if err := e.leases.ReleaseLease(context.WithoutCancel(ctx), id, e.owner); err != nil {
			e.logger.WarnContext(ctx, "lease_release_failed", "instance_id", id, "error", err)
		}
		unlock()
	}, nil
}

// acquireLease polls for the lease for up to twice its TTL, which is long
// enough for a lease left behind by a crashed owner to expire.
func (e *Engine) acquireLease(ctx context.Context, id string) error {
	deadline := time.Now().Add(2 * e.leaseTTL)
	wait := leaseRetryInitial
	for {
		ok, err := e.leases.TryAcquireLease(ctx, id, e.owner, e.leaseTTL)
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return fmt.Errorf("%w: %s", api.ErrUnknownInstance, id)
		}
		if err != nil {
			return fmt.Errorf("acquire lease on %s: %w", id, err)
		}
		if ok {
			return nil
		}
		if !time.Now().Add(wait).Before(deadline) {
			return fmt.Errorf("%w: %s", api.ErrInstanceLocked, id)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait = min(2*wait, leaseRetryMax)
	}
}

// renewLease keeps the lease alive while the holder works. A lost lease is
// logged; the optimistic append still rejects writes from a stale holder.
func (e *Engine) renewLease(ctx context.Context, id string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := e.leases.RenewLease(context.WithoutCancel(ctx), id, e.owner, e.leaseTTL); err != nil {
				e.logger.WarnContext(ctx, "lease_renew_failed", "instance_id", id, "error", err)
			}
		}
	}
}

// leaseFree reports whether no other owner holds a live lease on id. It
// takes and drops the lease to find out.
func (e *Engine) leaseFree(ctx context.Context, id string) bool {
	if e.leases == nil {
		return true
	}
	ok, err := e.leases.TryAcquireLease(ctx, id, e.owner, e.leaseTTL)
	if err != nil || !ok {
		return false
	}
	if err := e.leases.ReleaseLease(ctx, id, e.owner); err != nil {
		e.logger.WarnContext(ctx, "lease_release_failed", "instance_id", id, "error", err)
	}
	return true
}
