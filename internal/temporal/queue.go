package temporal

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/pkg/api"
)

// Handler receives claimed timer fires. An error schedules a redelivery.
type Handler func(ctx context.Context, e api.TimerEntry) error

// Config describes how to construct a Queue.
type Config struct {
	Store   persistence.TimerStore
	Handler Handler

	// Locks, when set, distributes shards among queues sharing Store. A
	// queue without Locks owns every shard.
	Locks persistence.LockProvider

	// Owner identifies this queue in shard leases. Defaults to a random id.
	Owner string

	Clock  clockwork.Clock
	Logger *slog.Logger

	// Shards is the number of timer shards. Defaults to 1.
	Shards int

	// Lookahead is the window of upcoming entries kept in memory.
	// Defaults to 5m.
	Lookahead time.Duration

	// TickInterval is the polling resolution. Defaults to 100ms.
	TickInterval time.Duration

	// RefillInterval is how often the heap is refilled from the store.
	// Defaults to 1s.
	RefillInterval time.Duration

	// BatchSize bounds a single refill. Defaults to 1024.
	BatchSize int

	// LeaseTTL is the shard lease duration. Leases are renewed every
	// LeaseTTL/3. Defaults to 15s.
	LeaseTTL time.Duration

	// RedeliveryDelay is the delay before a fire whose handler failed is
	// delivered again. Defaults to 1s.
	RedeliveryDelay time.Duration

	// MaxRedeliveries bounds redeliveries of one entry. Defaults to 5.
	MaxRedeliveries int

	// Calendars maps the calendar names used by timer entries.
	Calendars map[string]Calendar
}

type request struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Queue is the temporal queue: durable timer entries in a TimerStore and a
// near-term in-memory heap. The heap is owned by a single actor goroutine
// (Run); other goroutines reach it through channels.
//
// Delivery is at-least-once. A fire is handed to the handler only after the
// entry was deleted from the store by this queue, so among queues sharing a
// store only one delivers a given fire.
type Queue struct {
	cfg    Config
	store  persistence.TimerStore
	clock  clockwork.Clock
	logger *slog.Logger

	offers   chan api.TimerEntry
	removals chan string
	requests chan request

	// actor holds the stop channel of the running actor, nil when none runs.
	actor atomic.Pointer[chan struct{}]
	// mu guards the actor state; Run holds it for its lifetime.
	mu sync.Mutex

	// Actor state.
	heap       *timerHeap
	owned      map[int]bool
	lastRenew  time.Time
	lastRefill time.Time
}

// New creates a Queue. Store and Handler are required.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil || cfg.Handler == nil {
		return nil, &api.Error{
			Kind: api.KindConfiguration,
			Op:   "new_temporal_queue",
			Err:  errors.New("store and handler are required"),
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 5 * time.Minute
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1024
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Second
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 5
	}

	q := &Queue{
		cfg:      cfg,
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		offers:   make(chan api.TimerEntry, 1024),
		removals: make(chan string, 1024),
		requests: make(chan request),
		heap:     newTimerHeap(),
		owned:    make(map[int]bool),
	}
	if cfg.Locks == nil {
		for s := range cfg.Shards {
			q.owned[s] = true
		}
	}
	return q, nil
}

// ShardFor maps an instance id onto one of n shards.
func ShardFor(instanceID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	return int(h.Sum32() % uint32(n))
}

func shardKey(shard int) string {
	return "timers/shard/" + strconv.Itoa(shard)
}

// Schedule persists e and returns its id. An empty id is generated.
func (q *Queue) Schedule(ctx context.Context, e api.TimerEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	e.Shard = ShardFor(e.InstanceID, q.cfg.Shards)

	if err := q.store.InsertTimer(ctx, e); err != nil {
		return "", fmt.Errorf("schedule timer %s: %w", e.ID, err)
	}
	if !e.FireAt.After(q.clock.Now().Add(q.cfg.Lookahead)) {
		q.offer(e)
	}
	return e.ID, nil
}

// offer hands e to the actor without blocking. A dropped offer is picked up
// by the next refill.
func (q *Queue) offer(e api.TimerEntry) {
	select {
	case q.offers <- e:
	default:
	}
}

// Cancel removes an entry. Unknown ids are ignored.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if _, err := q.store.DeleteTimer(ctx, id); err != nil {
		return fmt.Errorf("cancel timer %s: %w", id, err)
	}
	q.dropFromHeap(id)
	return nil
}

// CancelInstance removes every entry of an instance.
func (q *Queue) CancelInstance(ctx context.Context, instanceID string) error {
	ids, err := q.store.DeleteInstanceTimers(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("cancel timers of %s: %w", instanceID, err)
	}
	for _, id := range ids {
		q.dropFromHeap(id)
	}
	return nil
}

func (q *Queue) dropFromHeap(id string) {
	select {
	case q.removals <- id:
	default:
		// The claim in tick fails for entries no longer in the store.
	}
}

// List returns the pending entries of an instance.
func (q *Queue) List(ctx context.Context, instanceID string) ([]api.TimerEntry, error) {
	return q.store.ListInstanceTimers(ctx, instanceID)
}

// Recover rebuilds the heap from the store.
func (q *Queue) Recover(ctx context.Context) error {
	return q.do(ctx, func(ctx context.Context) {
		q.heap.reset()
		q.acquireShards(ctx)
		q.refill(ctx, q.clock.Now())
	})
}

// Tick runs one tick synchronously.
func (q *Queue) Tick(ctx context.Context) error {
	return q.do(ctx, q.tick)
}

// do runs fn on the actor, or inline when no actor runs.
func (q *Queue) do(ctx context.Context, fn func(ctx context.Context)) error {
	stopped := q.actor.Load()
	if stopped == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		fn(ctx)
		return nil
	}

	req := request{fn: fn, done: make(chan struct{})}
	select {
	case q.requests <- req:
	case <-*stopped:
		return q.do(ctx, fn)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the actor loop. It ticks every TickInterval until ctx is done and
// releases its shard leases on exit.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stopped := make(chan struct{})
	q.actor.Store(&stopped)
	defer func() {
		q.actor.Store(nil)
		close(stopped)
	}()

	ticker := q.clock.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()
	defer q.releaseShards()

	q.logger.Info("temporal_queue_started", "owner", q.cfg.Owner, "shards", q.cfg.Shards)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("temporal_queue_stopped", "owner", q.cfg.Owner)
			return nil
		case <-ticker.Chan():
			q.tick(ctx)
		case e := <-q.offers:
			q.accept(e)
		case id := <-q.removals:
			q.heap.remove(id)
		case req := <-q.requests:
			req.fn(ctx)
			close(req.done)
		}
	}
}

func (q *Queue) accept(e api.TimerEntry) {
	if q.owned[e.Shard] {
		q.heap.upsert(e)
	}
}

func (q *Queue) drain() {
	for {
		select {
		case e := <-q.offers:
			q.accept(e)
		case id := <-q.removals:
			q.heap.remove(id)
		default:
			return
		}
	}
}

func (q *Queue) tick(ctx context.Context) {
	now := q.clock.Now()
	q.drain()

	gained := q.acquireShards(ctx)
	if gained || now.Sub(q.lastRefill) >= q.cfg.RefillInterval {
		q.refill(ctx, now)
	}

	var retry []api.TimerEntry
	for {
		e, ok := q.heap.peek()
		if !ok || e.FireAt.After(now) {
			break
		}
		q.heap.pop()
		if !q.owned[e.Shard] {
			continue
		}
		if deferred, ok := q.deferForBlackout(ctx, e, now); ok {
			if !deferred.FireAt.After(now.Add(q.cfg.Lookahead)) {
				retry = append(retry, deferred)
			}
			continue
		}

		claimed, err := q.store.DeleteTimer(ctx, e.ID)
		if err != nil {
			q.logger.Warn("timer_claim_failed", "timer_id", e.ID, "instance_id", e.InstanceID, "error", err)
			retry = append(retry, e)
			continue
		}
		if !claimed {
			continue
		}
		q.deliver(ctx, e, now)
	}

	for _, e := range retry {
		q.heap.upsert(e)
	}
}

// deferForBlackout moves e past the blackout of its calendar. It reports
// false when e should go on to the claim step.
func (q *Queue) deferForBlackout(ctx context.Context, e api.TimerEntry, now time.Time) (api.TimerEntry, bool) {
	if e.Calendar == "" || e.OverrideBlackout {
		return e, false
	}
	cal, ok := q.cfg.Calendars[e.Calendar]
	if !ok {
		q.logger.Warn("timer_calendar_unknown", "timer_id", e.ID, "calendar", e.Calendar)
		return e, false
	}
	next, ok := cal.NextOpen(now)
	if !ok {
		q.logger.Error("timer_calendar_never_opens", "timer_id", e.ID, "calendar", e.Calendar)
		return e, false
	}
	if !next.After(now) {
		return e, false
	}

	if err := q.store.RescheduleTimer(ctx, e.ID, next); err != nil {
		if errors.Is(err, persistence.ErrTimerNotFound) {
			// Cancelled meanwhile; the claim finds nothing and drops it.
			return e, false
		}
		q.logger.Warn("timer_reschedule_failed", "timer_id", e.ID, "error", err)
		return e, true
	}
	q.logger.Debug("timer_deferred", "timer_id", e.ID, "calendar", e.Calendar, "fire_at", next)
	e.FireAt = next
	return e, true
}

func (q *Queue) deliver(ctx context.Context, e api.TimerEntry, now time.Time) {
	err := q.cfg.Handler(ctx, e)
	if err == nil {
		return
	}

	if e.Retries >= q.cfg.MaxRedeliveries {
		q.logger.Error("timer_dropped",
			"timer_id", e.ID,
			"instance_id", e.InstanceID,
			"kind", string(e.Kind),
			"retries", e.Retries,
			"error", err,
		)
		return
	}

	e.Retries++
	e.FireAt = now.Add(q.cfg.RedeliveryDelay)
	q.logger.Warn("timer_redelivery",
		"timer_id", e.ID,
		"instance_id", e.InstanceID,
		"retries", e.Retries,
		"error", err,
	)
	if err := q.store.InsertTimer(ctx, e); err != nil {
		q.logger.Error("timer_dropped", "timer_id", e.ID, "instance_id", e.InstanceID, "error", err)
		return
	}
	q.heap.upsert(e)
}

// acquireShards renews held shard leases and tries to take free ones. It
// reports whether a shard was gained.
func (q *Queue) acquireShards(ctx context.Context) bool {
	if q.cfg.Locks == nil {
		return false
	}
	now := q.clock.Now()
	renew := now.Sub(q.lastRenew) >= q.cfg.LeaseTTL/3
	if renew {
		q.lastRenew = now
	}

	gained := false
	for s := range q.cfg.Shards {
		key := shardKey(s)
		if q.owned[s] {
			if !renew {
				continue
			}
			if err := q.cfg.Locks.Renew(ctx, key, q.cfg.Owner, q.cfg.LeaseTTL); err != nil {
				q.logger.Warn("timer_shard_lost", "shard", s, "owner", q.cfg.Owner, "error", err)
				delete(q.owned, s)
				q.heap.dropShard(s)
			}
			continue
		}
		ok, err := q.cfg.Locks.TryAcquire(ctx, key, q.cfg.Owner, q.cfg.LeaseTTL)
		if err != nil {
			q.logger.Warn("timer_shard_acquire_failed", "shard", s, "error", err)
			continue
		}
		if ok {
			q.logger.Info("timer_shard_acquired", "shard", s, "owner", q.cfg.Owner)
			q.owned[s] = true
			gained = true
		}
	}
	return gained
}

func (q *Queue) releaseShards() {
	if q.cfg.Locks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for s := range q.owned {
		if err := q.cfg.Locks.Release(ctx, shardKey(s), q.cfg.Owner); err != nil {
			q.logger.Warn("timer_shard_release_failed", "shard", s, "error", err)
		}
		delete(q.owned, s)
	}
	q.heap.reset()
}

func (q *Queue) ownedShards() []int {
	shards := make([]int, 0, len(q.owned))
	for s := range q.cfg.Shards {
		if q.owned[s] {
			shards = append(shards, s)
		}
	}
	return shards
}

func (q *Queue) refill(ctx context.Context, now time.Time) {
	q.lastRefill = now
	shards := q.ownedShards()
	if len(shards) == 0 {
		return
	}
	if q.cfg.Locks == nil {
		shards = nil
	}

	due, err := q.store.DueTimers(ctx, now.Add(q.cfg.Lookahead), shards, q.cfg.BatchSize)
	if err != nil {
		q.logger.Warn("timer_refill_failed", "error", err)
		return
	}
	for _, e := range due {
		q.heap.upsert(e)
	}
}
