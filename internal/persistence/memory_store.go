package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/tokenflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// InstanceStore and TimerStore backed by maps. Values are copied on the way
// in and out, so callers never share state with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.ProcessInstance
	claims    map[string]string
	timers    map[string]api.TimerEntry
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.ProcessInstance),
		claims:    make(map[string]string),
		timers:    make(map[string]api.TimerEntry),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ InstanceStore = (*InMemoryStore)(nil)

var _ TimerStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	if key := inst.ExclusiveKey; key != "" {
		if _, taken := s.claims[key]; taken {
			return ErrKeyClaimed
		}
		s.claims[key] = inst.ID
	}

	inst.Revision = 1
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) CompareAndSwap(ctx context.Context, inst *api.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if cur.Revision != inst.Revision {
		return ErrRevisionMismatch
	}

	if inst.Terminal() && inst.ExclusiveKey != "" && s.claims[inst.ExclusiveKey] == inst.ID {
		delete(s.claims, inst.ExclusiveKey)
	}

	inst.Revision++
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ProcessInstance
	for _, inst := range s.instances {
		if filterMatches(filter, inst) {
			result = append(result, inst.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) FindByCorrelationKey(ctx context.Context, key string) ([]*api.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ProcessInstance
	for _, inst := range s.instances {
		if inst.CorrelationKey == key && !inst.Terminal() {
			result = append(result, inst.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) InsertTimer(ctx context.Context, e api.TimerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Payload = slices.Clone(e.Payload)
	s.timers[e.ID] = e
	return nil
}

func (s *InMemoryStore) DeleteTimer(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[id]; !ok {
		return false, nil
	}
	delete(s.timers, id)
	return true, nil
}

func (s *InMemoryStore) RescheduleTimer(ctx context.Context, id string, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[id]
	if !ok {
		return ErrTimerNotFound
	}
	e.FireAt = fireAt
	s.timers[id] = e
	return nil
}

func (s *InMemoryStore) DueTimers(ctx context.Context, until time.Time, shards []int, limit int) ([]api.TimerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.TimerEntry
	for _, e := range s.timers {
		if e.FireAt.After(until) {
			continue
		}
		if shards != nil && !slices.Contains(shards, e.Shard) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return api.TimerLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListInstanceTimers(ctx context.Context, instanceID string) ([]api.TimerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.TimerEntry
	for _, e := range s.timers {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return api.TimerLess(out[i], out[j]) })
	return out, nil
}

func (s *InMemoryStore) DeleteInstanceTimers(ctx context.Context, instanceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.timers {
		if e.InstanceID == instanceID {
			ids = append(ids, id)
			delete(s.timers, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
