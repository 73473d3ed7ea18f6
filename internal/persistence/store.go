package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/tokenflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a process instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrInstanceExists is returned by CreateInstance for a duplicate id.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrRevisionMismatch is returned by CompareAndSwap when the stored
	// revision differs from the expected one.
	ErrRevisionMismatch = errors.New("revision mismatch")

	// ErrKeyClaimed is returned by CreateInstance when the exclusive
	// correlation key is held by another live instance.
	ErrKeyClaimed = errors.New("correlation key already claimed")

	// ErrTimerNotFound is returned when a timer entry is not found.
	ErrTimerNotFound = api.ErrTimerNotFound

	// ErrLockHeld is returned when a lease is owned by someone else.
	ErrLockHeld = api.ErrLockHeld
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero state mean "no filter" for that field.
type InstanceFilter struct {
	DefinitionID   string
	State          api.State
	CorrelationKey string
}

// InstanceStore persists process instances with optimistic concurrency.
//
// Revisions start at 1 on create. CompareAndSwap writes inst when the stored
// revision equals inst.Revision and then increments inst.Revision.
//
// An instance with a non-empty ExclusiveKey holds a claim on that key from
// CreateInstance until the commit that makes it terminal.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *api.ProcessInstance) error
	GetInstance(ctx context.Context, id string) (*api.ProcessInstance, error)
	CompareAndSwap(ctx context.Context, inst *api.ProcessInstance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.ProcessInstance, error)
	// FindByCorrelationKey returns the non-terminal instances with the key,
	// oldest first.
	FindByCorrelationKey(ctx context.Context, key string) ([]*api.ProcessInstance, error)
}

// TimerStore persists timer entries, range-queryable by fire time.
type TimerStore interface {
	InsertTimer(ctx context.Context, e api.TimerEntry) error
	// DeleteTimer removes an entry and reports whether it existed. A fire is
	// claimed by the caller whose delete returned true.
	DeleteTimer(ctx context.Context, id string) (bool, error)
	RescheduleTimer(ctx context.Context, id string, fireAt time.Time) error
	// DueTimers returns entries with FireAt <= until in shards (nil means
	// all shards), ordered by api.TimerLess, at most limit entries.
	DueTimers(ctx context.Context, until time.Time, shards []int, limit int) ([]api.TimerEntry, error)
	ListInstanceTimers(ctx context.Context, instanceID string) ([]api.TimerEntry, error)
	// DeleteInstanceTimers removes every entry of an instance and returns the
	// ids removed.
	DeleteInstanceTimers(ctx context.Context, instanceID string) ([]string, error)
}

// LockProvider hands out expiring leases on named keys.
type LockProvider interface {
	// TryAcquire acquires (or re-acquires) the lease. It returns false
	// without error when another owner holds an unexpired lease.
	// A lease owned by the same owner is re-entrant.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Renew extends a lease held by owner, or fails with ErrLockHeld.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error
	// Release drops the lease if owner holds it. It is idempotent.
	Release(ctx context.Context, key, owner string) error
}

func filterMatches(f InstanceFilter, inst *api.ProcessInstance) bool {
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if f.State != "" && inst.State != f.State {
		return false
	}
	if f.CorrelationKey != "" && inst.CorrelationKey != f.CorrelationKey {
		return false
	}
	return true
}
