package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/pkg/api"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	fired []api.TimerEntry
	fail  func(e api.TimerEntry) error
}

func (r *recorder) handle(ctx context.Context, e api.TimerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, e)
	if r.fail != nil {
		return r.fail(e)
	}
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.fired))
	for i, e := range r.fired {
		out[i] = e.ID
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

type testQueue struct {
	*Queue
	store *persistence.InMemoryStore
	clock *clockwork.FakeClock
	rec   *recorder
}

func newTestQueue(t *testing.T, store *persistence.InMemoryStore, clock *clockwork.FakeClock, opts ...func(*Config)) *testQueue {
	t.Helper()

	rec := &recorder{}
	cfg := Config{
		Store:   store,
		Handler: rec.handle,
		Clock:   clock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	q, err := New(cfg)
	require.NoError(t, err)
	return &testQueue{Queue: q, store: store, clock: clock, rec: rec}
}

func (tq *testQueue) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, tq.Tick(context.Background()))
}

func (tq *testQueue) schedule(t *testing.T, e api.TimerEntry) string {
	t.Helper()
	id, err := tq.Schedule(context.Background(), e)
	require.NoError(t, err)
	return id
}

func waitEntry(instanceID string, after time.Duration) api.TimerEntry {
	return api.TimerEntry{
		InstanceID: instanceID,
		NodeID:     "wait",
		TokenID:    "tok-" + instanceID,
		Kind:       api.TimerWait,
		FireAt:     epoch.Add(after),
	}
}

func TestNewRequiresStoreAndHandler(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	require.Equal(t, api.KindConfiguration, api.KindOf(err))
}

func TestScheduleRecoverFiresExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	clock := clockwork.NewFakeClockAt(epoch)

	first := newTestQueue(t, store, clock)
	id := first.schedule(t, waitEntry("inst-1", 10*time.Millisecond))

	// A restarted process only has the store.
	second := newTestQueue(t, store, clock)
	require.NoError(t, second.Recover(ctx))

	second.tick(t)
	require.Zero(t, second.rec.count())

	clock.Advance(10 * time.Millisecond)
	second.tick(t)
	require.Equal(t, []string{id}, second.rec.ids())

	// The first queue still has the entry in its heap, but the claim is gone.
	first.tick(t)
	second.tick(t)
	require.Zero(t, first.rec.count())
	require.Equal(t, 1, second.rec.count())

	left, err := store.ListInstanceTimers(ctx, "inst-1")
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestTickFiresDueEntriesInOrder(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock)

	late := tq.schedule(t, waitEntry("a", 3*time.Second))
	low := waitEntry("b", time.Second)
	low.ID = "b-low"
	tq.schedule(t, low)
	high := waitEntry("c", time.Second)
	high.ID = "c-high"
	high.Priority = 5
	tq.schedule(t, high)
	notYet := tq.schedule(t, waitEntry("d", time.Hour))

	clock.Advance(3 * time.Second)
	tq.tick(t)

	require.Equal(t, []string{"c-high", "b-low", late}, tq.rec.ids())

	pending, err := tq.List(context.Background(), "d")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, notYet, pending[0].ID)
}

func TestScheduleAssignsIDAndShard(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock, func(c *Config) { c.Shards = 8 })

	id := tq.schedule(t, waitEntry("inst-42", time.Minute))
	require.NotEmpty(t, id)

	pending, err := tq.List(context.Background(), "inst-42")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ShardFor("inst-42", 8), pending[0].Shard)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock)

	keep := tq.schedule(t, waitEntry("a", time.Second))
	drop := tq.schedule(t, waitEntry("a", time.Second))
	other := tq.schedule(t, waitEntry("b", time.Second))
	tq.tick(t)

	require.NoError(t, tq.Cancel(ctx, drop))
	require.NoError(t, tq.Cancel(ctx, "unknown"))

	clock.Advance(time.Second)
	tq.tick(t)
	require.ElementsMatch(t, []string{keep, other}, tq.rec.ids())
}

func TestCancelInstance(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock)

	tq.schedule(t, waitEntry("a", time.Second))
	tq.schedule(t, waitEntry("a", 2*time.Second))
	other := tq.schedule(t, waitEntry("b", time.Second))

	require.NoError(t, tq.CancelInstance(ctx, "a"))

	clock.Advance(time.Minute)
	tq.tick(t)
	require.Equal(t, []string{other}, tq.rec.ids())
}

func TestRefillLoadsEntriesBeyondLookahead(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock, func(c *Config) {
		c.Lookahead = 5 * time.Minute
	})

	id := tq.schedule(t, waitEntry("far", 10*time.Minute))
	tq.tick(t)
	require.Zero(t, tq.heap.Len())

	clock.Advance(6 * time.Minute)
	tq.tick(t)
	require.Equal(t, 1, tq.heap.Len())
	require.Zero(t, tq.rec.count())

	clock.Advance(4 * time.Minute)
	tq.tick(t)
	require.Equal(t, []string{id}, tq.rec.ids())
}

func TestHandlerErrorRedelivers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock, func(c *Config) {
		c.RedeliveryDelay = time.Second
		c.MaxRedeliveries = 3
	})
	tq.rec.fail = func(e api.TimerEntry) error {
		if e.Retries < 2 {
			return errors.New("engine unavailable")
		}
		return nil
	}

	id := tq.schedule(t, waitEntry("a", 0))
	tq.tick(t)
	require.Equal(t, 1, tq.rec.count())

	// Not before the redelivery delay.
	clock.Advance(500 * time.Millisecond)
	tq.tick(t)
	require.Equal(t, 1, tq.rec.count())

	clock.Advance(500 * time.Millisecond)
	tq.tick(t)
	clock.Advance(time.Second)
	tq.tick(t)
	require.Equal(t, []string{id, id, id}, tq.rec.ids())
	require.Equal(t, 2, tq.rec.fired[2].Retries)

	pending, err := tq.List(context.Background(), "a")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRedeliveryIsBounded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock, func(c *Config) {
		c.RedeliveryDelay = time.Second
		c.MaxRedeliveries = 2
	})
	tq.rec.fail = func(api.TimerEntry) error { return errors.New("boom") }

	tq.schedule(t, waitEntry("a", 0))
	for range 5 {
		tq.tick(t)
		clock.Advance(time.Second)
	}
	require.Equal(t, 3, tq.rec.count())

	pending, err := tq.List(context.Background(), "a")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestBlackoutDefersFire(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	maintenance := NewWindowCalendar(Window{Start: epoch, End: epoch.Add(time.Hour)})
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock, func(c *Config) {
		c.Calendars = map[string]Calendar{"maintenance": maintenance}
	})

	deferred := waitEntry("a", time.Minute)
	deferred.Calendar = "maintenance"
	deferredID := tq.schedule(t, deferred)

	urgent := waitEntry("b", time.Minute)
	urgent.Calendar = "maintenance"
	urgent.OverrideBlackout = true
	urgentID := tq.schedule(t, urgent)

	clock.Advance(time.Minute)
	tq.tick(t)
	require.Equal(t, []string{urgentID}, tq.rec.ids())

	pending, err := tq.List(ctx, "a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].FireAt.Equal(epoch.Add(time.Hour)))

	clock.Advance(59 * time.Minute)
	tq.tick(t)
	require.Equal(t, []string{urgentID, deferredID}, tq.rec.ids())
}

func TestBlackedOutEntryRemovedFromStoreLeavesHeap(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	store := persistence.NewInMemoryStore()
	maintenance := NewWindowCalendar(Window{Start: epoch, End: epoch.Add(time.Hour)})
	tq := newTestQueue(t, store, clock, func(c *Config) {
		c.Calendars = map[string]Calendar{"maintenance": maintenance}
	})

	e := waitEntry("a", time.Minute)
	e.Calendar = "maintenance"
	id := tq.schedule(t, e)
	tq.tick(t)
	require.Equal(t, 1, tq.heap.Len())

	// Another node claims the entry behind this queue's back.
	claimed, err := store.DeleteTimer(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	clock.Advance(time.Minute)
	tq.tick(t)
	tq.tick(t)
	require.Zero(t, tq.heap.Len())
	require.Zero(t, tq.rec.count())
}

func TestUnknownCalendarFires(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock)

	e := waitEntry("a", 0)
	e.Calendar = "missing"
	id := tq.schedule(t, e)

	tq.tick(t)
	require.Equal(t, []string{id}, tq.rec.ids())
}

func TestShardLeasesPartitionFires(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := persistence.NewInMemoryStore()
	locks := persistence.NewInMemoryLocks(clock)
	withLocks := func(owner string) func(*Config) {
		return func(c *Config) {
			c.Locks = locks
			c.Owner = owner
			c.Shards = 4
			c.LeaseTTL = 3 * time.Second
		}
	}
	a := newTestQueue(t, store, clock, withLocks("a"))
	b := newTestQueue(t, store, clock, withLocks("b"))

	a.tick(t)
	b.tick(t)
	require.Len(t, a.owned, 4)
	require.Empty(t, b.owned)

	var ids []string
	for i := range 12 {
		ids = append(ids, b.schedule(t, waitEntry(fmt.Sprintf("inst-%d", i), time.Second)))
	}

	clock.Advance(time.Second)
	b.tick(t)
	a.tick(t)
	require.ElementsMatch(t, ids, a.rec.ids())
	require.Zero(t, b.rec.count())

	// a stops renewing; b takes over once the leases expire.
	late := a.schedule(t, waitEntry("inst-late", 10*time.Second))
	clock.Advance(4 * time.Second)
	b.tick(t)
	require.Len(t, b.owned, 4)

	a.tick(t)
	require.Empty(t, a.owned)
	require.Zero(t, a.heap.Len())

	clock.Advance(5 * time.Second)
	a.tick(t)
	b.tick(t)
	require.Equal(t, []string{late}, b.rec.ids())
	require.Len(t, a.rec.ids(), len(ids))
}

func TestRunServesTicksThroughActor(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	tq := newTestQueue(t, persistence.NewInMemoryStore(), clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tq.Run(ctx) }()

	id := tq.schedule(t, waitEntry("a", 0))
	require.NoError(t, tq.Tick(ctx))
	require.Equal(t, []string{id}, tq.rec.ids())

	cancel()
	require.NoError(t, <-done)

	// Without an actor ticks run inline.
	second := tq.schedule(t, waitEntry("b", 0))
	tq.tick(t)
	require.Equal(t, []string{id, second}, tq.rec.ids())
}

func TestShardFor(t *testing.T) {
	require.Zero(t, ShardFor("anything", 1))
	require.Zero(t, ShardFor("anything", 0))

	seen := make(map[int]bool)
	for i := range 100 {
		id := fmt.Sprintf("inst-%d", i)
		s := ShardFor(id, 4)
		require.GreaterOrEqual(t, s, 0)
		require.Less(t, s, 4)
		require.Equal(t, s, ShardFor(id, 4))
		seen[s] = true
	}
	require.Len(t, seen, 4)
}
