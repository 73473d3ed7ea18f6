package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/internal/taskqueue"
	"github.com/petrijr/tokenflow/pkg/api"
)

// Executor runs the work behind a task implementation. It must honour ctx:
// the context is cancelled when the task deadline passes or the instance is
// cancelled.
type Executor interface {
	Execute(ctx context.Context, task api.DispatchedTask) (map[string]any, error)
}

// ExecutorFunc adapts a function over the task payload to an Executor.
type ExecutorFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, task api.DispatchedTask) (map[string]any, error) {
	return f(ctx, task.Payload)
}

// RetryScheduler schedules retry timers. The temporal queue implements it.
type RetryScheduler interface {
	Schedule(ctx context.Context, e api.TimerEntry) (string, error)
}

// Config describes how to construct a Dispatcher.
type Config struct {
	// Queue is the work queue. Defaults to an in-memory queue of
	// QueueCapacity.
	Queue         taskqueue.Queue
	QueueCapacity int

	// Backlog is the number of offered tasks waiting for queue space above
	// which WaitForRoom blocks. Defaults to QueueCapacity, or 1024.
	Backlog int

	// Retries schedules retry timers. Required.
	Retries RetryScheduler

	// Workers is the size of the worker pool. Defaults to 4.
	Workers int

	// DefaultTimeout applies to tasks without a timeout. Defaults to 30s.
	DefaultTimeout time.Duration

	// ResultBuffer is the capacity of the Results channel. Defaults to 1024.
	ResultBuffer int

	Executors map[string]Executor
	Observer  api.Observer
	Logger    *slog.Logger
	Clock     clockwork.Clock

	// Rand returns jitter values in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Dispatcher executes dispatched tasks on a fixed pool of workers.
//
// Each attempt runs under a deadline enforced by a watchdog. A failed or
// timed out attempt is retried through a retry timer while the task's retry
// budget lasts. Final outcomes are published on Results.
//
// Tasks enter either through Submit, which blocks while the queue is full,
// or through Offer, which never blocks: offered tasks wait in an unbounded
// backlog that a pump goroutine moves into the queue.
type Dispatcher struct {
	queue    taskqueue.Queue
	retries  RetryScheduler
	workers  int
	timeout  time.Duration
	observer api.Observer
	logger   *slog.Logger
	clock    clockwork.Clock
	rand     func() float64
	results  chan api.TaskResult

	mu        sync.RWMutex
	executors map[string]Executor
	cancelled map[string]time.Time
	inflight  map[string]map[string]context.CancelFunc

	pmu      sync.Mutex
	pending  []api.DispatchedTask
	pumping  bool
	backlog  int
	room     chan struct{} // closed while the backlog is below its limit
	roomOpen bool
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Retries == nil {
		return nil, api.NewError(api.KindConfiguration, "new_dispatcher", "", "", errors.New("retry scheduler is required"))
	}
	if cfg.Queue == nil {
		cfg.Queue = taskqueue.NewInMemoryQueue(cfg.QueueCapacity)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 1024
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = cfg.QueueCapacity
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1024
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	d := &Dispatcher{
		queue:     cfg.Queue,
		retries:   cfg.Retries,
		workers:   cfg.Workers,
		timeout:   cfg.DefaultTimeout,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		rand:      cfg.Rand,
		results:   make(chan api.TaskResult, cfg.ResultBuffer),
		executors: make(map[string]Executor, len(cfg.Executors)),
		cancelled: make(map[string]time.Time),
		inflight:  make(map[string]map[string]context.CancelFunc),
		backlog:   cfg.Backlog,
		room:      make(chan struct{}),
		roomOpen:  true,
	}
	close(d.room)
	for name, ex := range cfg.Executors {
		d.executors[name] = ex
	}
	return d, nil
}

// Register binds an implementation name to an executor, replacing any
// previous binding.
func (d *Dispatcher) Register(implementation string, ex Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[implementation] = ex
}

// Results returns the channel of final task outcomes.
func (d *Dispatcher) Results() <-chan api.TaskResult {
	return d.results
}

// Submit enqueues a task. It blocks while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, task api.DispatchedTask) error {
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("submit task %s: %w", task.ID, err)
	}
	return nil
}

// Offer hands a task to the dispatcher without blocking. The task waits in
// the backlog until the queue has room.
func (d *Dispatcher) Offer(task api.DispatchedTask) {
	if task.Attempt < 1 {
		task.Attempt = 1
	}

	d.pmu.Lock()
	defer d.pmu.Unlock()
	d.pending = append(d.pending, task)
	if d.roomOpen && len(d.pending) >= d.backlog {
		d.room = make(chan struct{})
		d.roomOpen = false
	}
	if !d.pumping {
		d.pumping = true
		go d.pump()
	}
}

// WaitForRoom blocks while the backlog of offered tasks is at its limit.
// Callers outside the dispatch loop use it for backpressure.
func (d *Dispatcher) WaitForRoom(ctx context.Context) error {
	d.pmu.Lock()
	room := d.room
	d.pmu.Unlock()

	select {
	case <-room:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backlog returns the number of offered tasks not yet in the queue.
func (d *Dispatcher) Backlog() int {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return len(d.pending)
}

// pump moves offered tasks into the queue in order and exits when the
// backlog is empty.
func (d *Dispatcher) pump() {
	for {
		d.pmu.Lock()
		if len(d.pending) == 0 {
			d.pumping = false
			d.pmu.Unlock()
			return
		}
		task := d.pending[0]
		d.pending[0] = api.DispatchedTask{}
		d.pending = d.pending[1:]
		if !d.roomOpen && len(d.pending) < d.backlog {
			close(d.room)
			d.roomOpen = true
		}
		d.pmu.Unlock()

		for {
			err := d.queue.Enqueue(context.Background(), task)
			if err == nil {
				break
			}
			d.logger.Warn("task_enqueue_failed", "task_id", task.ID, "instance_id", task.InstanceID, "error", err)
			<-d.clock.After(100 * time.Millisecond)
		}
	}
}

// Resubmit handles a fired retry timer by offering the task it carries.
func (d *Dispatcher) Resubmit(ctx context.Context, entry api.TimerEntry) error {
	task, err := persistence.DecodeTask(entry.Payload)
	if err != nil {
		return fmt.Errorf("decode retry payload of timer %s: %w", entry.ID, err)
	}
	if d.isCancelled(task.InstanceID) {
		return nil
	}
	d.Offer(task)
	return nil
}

// cancelledRetention bounds how long a cancelled instance id is remembered.
const cancelledRetention = time.Hour

// CancelInstance cancels the running attempts of an instance and drops its
// queued tasks when they are dequeued.
func (d *Dispatcher) CancelInstance(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for id, at := range d.cancelled {
		if now.Sub(at) > cancelledRetention {
			delete(d.cancelled, id)
		}
	}
	d.cancelled[instanceID] = now
	for _, cancel := range d.inflight[instanceID] {
		cancel()
	}
}

func (d *Dispatcher) isCancelled(instanceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.cancelled[instanceID]
	return ok
}

// Run starts the worker pool and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range d.workers {
		g.Go(func() error {
			return d.work(ctx, i)
		})
	}
	d.logger.Info("dispatcher_started", "workers", d.workers)
	err := g.Wait()
	d.logger.Info("dispatcher_stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, n int) error {
	for {
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn("dequeue_failed", "worker", n, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-d.clock.After(100 * time.Millisecond):
			}
			continue
		}
		d.process(ctx, *task)
	}
}

// ProcessOne dequeues and processes a single task.
func (d *Dispatcher) ProcessOne(ctx context.Context) error {
	task, err := d.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	d.process(ctx, *task)
	return nil
}

func (d *Dispatcher) process(ctx context.Context, task api.DispatchedTask) {
	if d.isCancelled(task.InstanceID) {
		d.logger.Debug("task_dropped", "task_id", task.ID, "instance_id", task.InstanceID)
		return
	}

	d.mu.RLock()
	ex, ok := d.executors[task.Implementation]
	d.mu.RUnlock()
	if !ok {
		task.Status = api.TaskFailed
		err := api.NewError(api.KindConfiguration, "dispatch", task.InstanceID, task.NodeID,
			fmt.Errorf("%w: %q", api.ErrUnknownImplementation, task.Implementation))
		d.observer.OnTaskAttempt(ctx, task, err, 0)
		d.publish(ctx, api.TaskResult{Task: task, Err: err})
		return
	}

	res, ok := d.attempt(ctx, ex, &task)
	if !ok {
		return
	}
	if res.err == nil {
		d.publish(ctx, api.TaskResult{Task: task, Output: res.out})
		return
	}

	err := res.err
	if task.Attempt <= task.Retry.MaxRetries {
		serr := d.scheduleRetry(ctx, task)
		if serr == nil {
			return
		}
		err = errors.Join(err, serr)
	}
	d.publish(ctx, api.TaskResult{
		Task: task,
		Err:  api.NewError(api.KindTaskFailure, "dispatch", task.InstanceID, task.NodeID, err),
	})
}

type outcome struct {
	out map[string]any
	err error
}

// attempt runs one executor call raced against the task deadline. It
// returns false when the attempt was abandoned because the instance was
// cancelled or the dispatcher is stopping.
func (d *Dispatcher) attempt(ctx context.Context, ex Executor, task *api.DispatchedTask) (outcome, bool) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	start := d.clock.Now()
	task.Deadline = start.Add(timeout)
	task.Status = api.TaskRunning

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := d.track(task.InstanceID, task.ID, cancel)
	defer release()

	done := make(chan outcome, 1)
	go func(t api.DispatchedTask) {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := ex.Execute(runCtx, t)
		done <- outcome{out: out, err: err}
	}(*task)

	var res outcome
	select {
	case res = <-done:
		if res.err != nil && runCtx.Err() != nil {
			d.logger.Info("task_abandoned", "task_id", task.ID, "instance_id", task.InstanceID, "attempt", task.Attempt)
			return outcome{}, false
		}
		if res.err == nil {
			task.Status = api.TaskCompleted
		} else {
			task.Status = api.TaskFailed
		}
	case <-d.clock.After(timeout):
		cancel()
		task.Status = api.TaskTimedOut
		res.err = fmt.Errorf("%w after %s", api.ErrTaskTimeout, timeout)
	case <-runCtx.Done():
		d.logger.Info("task_abandoned",
			"task_id", task.ID,
			"instance_id", task.InstanceID,
			"attempt", task.Attempt,
		)
		return outcome{}, false
	}

	elapsed := d.clock.Since(start)
	d.observer.OnTaskAttempt(ctx, *task, res.err, elapsed)
	if res.err != nil {
		d.logger.Warn("task_attempt_failed",
			"task_id", task.ID,
			"instance_id", task.InstanceID,
			"node_id", task.NodeID,
			"attempt", task.Attempt,
			"status", string(task.Status),
			"error", res.err,
		)
	}
	return res, true
}

func (d *Dispatcher) track(instanceID, taskID string, cancel context.CancelFunc) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[instanceID] == nil {
		d.inflight[instanceID] = make(map[string]context.CancelFunc)
	}
	d.inflight[instanceID][taskID] = cancel

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.inflight[instanceID], taskID)
		if len(d.inflight[instanceID]) == 0 {
			delete(d.inflight, instanceID)
		}
	}
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, task api.DispatchedTask) error {
	delay := task.Retry.Delay(task.Attempt, d.rand())

	next := task
	next.Attempt++
	next.Status = api.TaskQueued
	next.Deadline = time.Time{}
	payload, err := persistence.EncodeTask(next)
	if err != nil {
		return err
	}

	fireAt := d.clock.Now().Add(delay)
	id, err := d.retries.Schedule(ctx, api.TimerEntry{
		InstanceID: task.InstanceID,
		NodeID:     task.NodeID,
		TokenID:    task.TokenID,
		Kind:       api.TimerRetry,
		FireAt:     fireAt,
		Priority:   task.Priority,
		Payload:    payload,
	})
	if err != nil {
		d.logger.Error("task_retry_schedule_failed", "task_id", task.ID, "instance_id", task.InstanceID, "error", err)
		return fmt.Errorf("schedule retry: %w", err)
	}
	d.logger.Info("task_retry_scheduled",
		"task_id", task.ID,
		"instance_id", task.InstanceID,
		"next_attempt", next.Attempt,
		"fire_at", fireAt,
		"timer_id", id,
	)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, r api.TaskResult) {
	select {
	case d.results <- r:
	case <-ctx.Done():
		d.logger.Warn("task_result_dropped", "task_id", r.Task.ID, "instance_id", r.Task.InstanceID)
	}
}
