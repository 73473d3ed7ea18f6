package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryLocks is an in-process LockProvider.
type InMemoryLocks struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	leases map[string]lease
}

var _ LockProvider = (*InMemoryLocks)(nil)

// NewInMemoryLocks creates an in-process lock provider. A nil clock means
// the real clock.
func NewInMemoryLocks(clock clockwork.Clock) *InMemoryLocks {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryLocks{clock: clock, leases: make(map[string]lease)}
}

func (l *InMemoryLocks) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cur, ok := l.leases[key]
	if ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *InMemoryLocks) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cur, ok := l.leases[key]
	if !ok || cur.owner != owner || !now.Before(cur.expiresAt) {
		return ErrLockHeld
	}
	l.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

func (l *InMemoryLocks) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}
