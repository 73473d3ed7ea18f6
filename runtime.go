package tokenflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/tokenflow/internal/engine"
	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/internal/taskqueue"
	"github.com/petrijr/tokenflow/internal/temporal"
	"github.com/petrijr/tokenflow/pkg/api"
	"github.com/petrijr/tokenflow/pkg/worker"
)

// Options tune a Runtime. Zero values select the defaults of the underlying
// components.
type Options struct {
	// Workers is the size of the task worker pool.
	Workers int

	// QueueCapacity bounds the task queue.
	QueueCapacity int

	// DurableQueue keeps queued tasks in the backend store instead of
	// memory, where the backend supports it (SQLite, Postgres, Redis, Mongo).
	DurableQueue bool

	// DefaultTaskTimeout applies to tasks without a timeout.
	DefaultTaskTimeout time.Duration

	// TickInterval is the resolution of the temporal queue.
	TickInterval time.Duration

	// Lookahead is the window of upcoming timers kept in memory.
	Lookahead time.Duration

	// Shards partitions timers among runtimes sharing a backend.
	Shards int

	// Owner identifies this runtime in timer shard leases.
	Owner string

	// BoltTimerPath, when set, keeps timers in a bbolt file at this path
	// instead of the backend store.
	BoltTimerPath string

	Calendars map[string]Calendar
	Executors map[string]Executor

	// MaxSteps bounds a single traversal.
	MaxSteps int

	Observer Observer
	Logger   *slog.Logger
	Clock    clockwork.Clock
}

// Runtime wires the token engine, the temporal queue and the dispatcher over
// one set of stores. It implements Engine.
//
// Typical usage:
//
//	rt, err := tokenflow.NewSQLiteRuntime(db, tokenflow.Options{})
//	rt.RegisterExecutor("charge", chargeCard)
//	rt.Register(def)
//	rt.Recover(ctx)
//	go rt.Run(ctx)
//	id, err := rt.Start(ctx, "order", vars, "")
type Runtime struct {
	engine     *engine.Engine
	timers     *temporal.Queue
	dispatcher *worker.Dispatcher
	store      *persistence.Persistence
	events     persistence.EventStore
	logger     *slog.Logger
}

var _ Engine = (*Runtime)(nil)

func newRuntime(p *persistence.Persistence, queue taskqueue.Queue, opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.BoltTimerPath != "" {
		bolt, err := persistence.OpenBoltTimerStore(opts.BoltTimerPath)
		if err != nil {
			return nil, api.NewError(api.KindConfiguration, "new_runtime", "", "", err)
		}
		p.Timers = bolt
		p.Closers = append(p.Closers, bolt)
	}
	if p.Events == nil {
		p.Events = persistence.NoopEventStore{}
	}

	observers := []api.Observer{api.NewHistoryObserver(p.Events, opts.Logger)}
	if opts.Observer != nil {
		observers = append(observers, opts.Observer)
	}
	observer := api.NewCompositeObserver(observers...)

	rt := &Runtime{store: p, events: p.Events, logger: opts.Logger}

	timers, err := temporal.New(temporal.Config{
		Store:        p.Timers,
		Handler:      rt.fire,
		Locks:        p.Locks,
		Owner:        opts.Owner,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Shards:       opts.Shards,
		Lookahead:    opts.Lookahead,
		TickInterval: opts.TickInterval,
		Calendars:    opts.Calendars,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := worker.New(worker.Config{
		Queue:          queue,
		QueueCapacity:  opts.QueueCapacity,
		Retries:        timers,
		Workers:        opts.Workers,
		DefaultTimeout: opts.DefaultTaskTimeout,
		Executors:      opts.Executors,
		Observer:       observer,
		Logger:         opts.Logger,
		Clock:          opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Instances: p.Instances,
		Timers:    timers,
		Tasks:     dispatcher,
		Observer:  observer,
		Logger:    opts.Logger,
		Clock:     opts.Clock,
		MaxSteps:  opts.MaxSteps,
	})
	if err != nil {
		return nil, err
	}

	rt.engine = eng
	rt.timers = timers
	rt.dispatcher = dispatcher
	return rt, nil
}

// fire routes a claimed timer: retry timers go back to the dispatcher, all
// others re-enter the engine.
func (r *Runtime) fire(ctx context.Context, e api.TimerEntry) error {
	if e.Kind == api.TimerRetry {
		return r.dispatcher.Resubmit(ctx, e)
	}
	return r.engine.FireTimer(ctx, e)
}

// RegisterExecutor binds a task implementation name to an executor.
func (r *Runtime) RegisterExecutor(implementation string, ex Executor) {
	r.dispatcher.Register(implementation, ex)
}

func (r *Runtime) Register(def *ProcessDefinition) error {
	return r.engine.Register(def)
}

// Start waits while the dispatcher backlog is full, then starts an instance.
func (r *Runtime) Start(ctx context.Context, definitionID string, vars map[string]any, correlationKey string) (string, error) {
	if err := r.dispatcher.WaitForRoom(ctx); err != nil {
		return "", err
	}
	return r.engine.Start(ctx, definitionID, vars, correlationKey)
}

func (r *Runtime) StartVersion(ctx context.Context, definitionID string, version int, vars map[string]any, correlationKey string) (string, error) {
	if err := r.dispatcher.WaitForRoom(ctx); err != nil {
		return "", err
	}
	return r.engine.StartVersion(ctx, definitionID, version, vars, correlationKey)
}

func (r *Runtime) Cancel(ctx context.Context, instanceID string, reason string) error {
	return r.engine.Cancel(ctx, instanceID, reason)
}

func (r *Runtime) Correlate(ctx context.Context, key string, payload map[string]any) (string, error) {
	return r.engine.Correlate(ctx, key, payload)
}

func (r *Runtime) Status(ctx context.Context, instanceID string) (*ProcessInstance, error) {
	return r.engine.Status(ctx, instanceID)
}

func (r *Runtime) List(ctx context.Context, opts InstanceListOptions) ([]*ProcessInstance, error) {
	return r.engine.List(ctx, opts)
}

// Timers lists the pending timers of an instance.
func (r *Runtime) Timers(ctx context.Context, instanceID string) ([]TimerEntry, error) {
	return r.timers.List(ctx, instanceID)
}

// History lists the recorded history events of an instance. Backends
// without an event store return no events.
func (r *Runtime) History(ctx context.Context, instanceID string) ([]HistoryEvent, error) {
	return r.events.ListEvents(ctx, instanceID)
}

// Tick fires every due timer once. It is meant for tests and for tools that
// drive the runtime without Run.
func (r *Runtime) Tick(ctx context.Context) error {
	return r.timers.Tick(ctx)
}

// Recover rebuilds the timer heap from the timer store and re-submits the
// tasks of every token waiting at a task. Call it once on startup, after the
// definitions are registered and before Run. Tasks submitted before a crash
// may run twice; the engine accepts only the first completion.
func (r *Runtime) Recover(ctx context.Context) error {
	if err := r.timers.Recover(ctx); err != nil {
		return err
	}
	n, err := r.engine.Redispatch(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("runtime_recovered", "redispatched", n)
	return nil
}

// Run runs the temporal queue, the worker pool and the result consumer until
// ctx is done or one of them fails.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.timers.Run(ctx) })
	g.Go(func() error { return r.dispatcher.Run(ctx) })
	g.Go(func() error { return r.consume(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume reports final task outcomes to the engine.
func (r *Runtime) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-r.dispatcher.Results():
			r.report(ctx, res)
		}
	}
}

func (r *Runtime) report(ctx context.Context, res api.TaskResult) {
	ref := res.Task.Ref()
	var err error
	if res.Err == nil {
		err = r.engine.CompleteTask(ctx, ref, res.Output)
	} else {
		err = r.engine.FailTask(ctx, ref, res.Err)
	}
	if err == nil || ctx.Err() != nil {
		return
	}
	// Other kinds mean the report was applied and ended the instance; the
	// observer has seen it.
	switch api.KindOf(err) {
	case api.KindUnavailable, api.KindConflict:
		r.logger.Warn("task_report_failed",
			"instance_id", ref.InstanceID,
			"task_id", ref.TaskID,
			"kind", string(api.KindOf(err)),
			"error", err,
		)
	}
}

// Close releases the stores of the runtime.
func (r *Runtime) Close() error {
	return r.store.Close()
}
