package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine, the temporal queue and the
// dispatcher for logging, metrics and audit.
//
// Instances passed to callbacks are committed snapshots. Implementations
// should be fast and non-blocking; heavy work should be done asynchronously
// so as not to delay traversal.
type Observer interface {
	// OnInstanceStarted is called once after the start commit of an instance.
	OnInstanceStarted(ctx context.Context, inst *ProcessInstance)

	// OnNodeEntered is called for every traversal step, after commit.
	OnNodeEntered(ctx context.Context, inst *ProcessInstance, tok Token)

	// OnInstanceCompleted is called when an instance reaches StateCompleted.
	OnInstanceCompleted(ctx context.Context, inst *ProcessInstance)

	// OnInstanceTerminated is called when an instance is cancelled or
	// terminated by an error.
	OnInstanceTerminated(ctx context.Context, inst *ProcessInstance, reason error)

	// OnTimerFired is called after a timer fire was claimed and handled.
	OnTimerFired(ctx context.Context, entry TimerEntry)

	// OnTaskAttempt is called after every executor attempt, for both
	// successes and failures (err != nil).
	OnTaskAttempt(ctx context.Context, task DispatchedTask, err error, d time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, inst *ProcessInstance)                    {}
func (NoopObserver) OnNodeEntered(ctx context.Context, inst *ProcessInstance, tok Token)             {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *ProcessInstance)                  {}
func (NoopObserver) OnInstanceTerminated(ctx context.Context, inst *ProcessInstance, r error)        {}
func (NoopObserver) OnTimerFired(ctx context.Context, entry TimerEntry)                              {}
func (NoopObserver) OnTaskAttempt(ctx context.Context, t DispatchedTask, err error, d time.Duration) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, inst *ProcessInstance) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnNodeEntered(ctx context.Context, inst *ProcessInstance, tok Token) {
	for _, o := range c.observers {
		o.OnNodeEntered(ctx, inst, tok)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *ProcessInstance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceTerminated(ctx context.Context, inst *ProcessInstance, reason error) {
	for _, o := range c.observers {
		o.OnInstanceTerminated(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnTimerFired(ctx context.Context, entry TimerEntry) {
	for _, o := range c.observers {
		o.OnTimerFired(ctx, entry)
	}
}

func (c *CompositeObserver) OnTaskAttempt(ctx context.Context, task DispatchedTask, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskAttempt(ctx, task, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance, timer and task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, inst *ProcessInstance) {
	o.Logger.InfoContext(ctx, "instance_start",
		slog.String("definition", inst.DefinitionID),
		slog.Int("version", inst.DefinitionVersion),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnNodeEntered(ctx context.Context, inst *ProcessInstance, tok Token) {
	o.Logger.DebugContext(ctx, "node_entered",
		slog.String("definition", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
		slog.String("node", tok.NodeID),
		slog.String("via", tok.Via),
		slog.String("token", tok.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *ProcessInstance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("definition", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceTerminated(ctx context.Context, inst *ProcessInstance, reason error) {
	level := slog.LevelInfo
	if inst.Error != nil {
		level = slog.LevelError
	}
	attrs := []any{
		slog.String("definition", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
		slog.Any("reason", reason),
	}
	if inst.Error != nil {
		attrs = append(attrs,
			slog.String("error_kind", string(inst.Error.Kind)),
			slog.String("node", inst.Error.NodeID),
		)
	}
	o.Logger.Log(ctx, level, "instance_terminated", attrs...)
}

func (o *LoggingObserver) OnTimerFired(ctx context.Context, entry TimerEntry) {
	o.Logger.DebugContext(ctx, "timer_fired",
		slog.String("instance_id", entry.InstanceID),
		slog.String("timer_id", entry.ID),
		slog.String("kind", string(entry.Kind)),
		slog.String("node", entry.NodeID),
		slog.Int("retries", entry.Retries),
	)
}

func (o *LoggingObserver) OnTaskAttempt(ctx context.Context, task DispatchedTask, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "task_attempt",
		slog.String("instance_id", task.InstanceID),
		slog.String("task_id", task.ID),
		slog.String("node", task.NodeID),
		slog.String("implementation", task.Implementation),
		slog.Int("attempt", task.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted    atomic.Int64
	instancesCompleted  atomic.Int64
	instancesTerminated atomic.Int64
	nodesEntered        atomic.Int64
	timersFired         atomic.Int64
	taskAttempts        atomic.Int64
	taskFailures        atomic.Int64
	totalTaskDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted    int64
	InstancesCompleted  int64
	InstancesTerminated int64
	RunningInstances    int64

	NodesEntered int64
	TimersFired  int64

	TaskAttempts    int64
	TaskFailures    int64
	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, inst *ProcessInstance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnNodeEntered(ctx context.Context, inst *ProcessInstance, tok Token) {
	m.nodesEntered.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *ProcessInstance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceTerminated(ctx context.Context, inst *ProcessInstance, reason error) {
	m.instancesTerminated.Add(1)
}

func (m *BasicMetrics) OnTimerFired(ctx context.Context, entry TimerEntry) {
	m.timersFired.Add(1)
}

func (m *BasicMetrics) OnTaskAttempt(ctx context.Context, task DispatchedTask, err error, d time.Duration) {
	m.taskAttempts.Add(1)
	if err != nil {
		m.taskFailures.Add(1)
		return
	}
	// Only successful attempts count toward the average duration.
	m.totalTaskDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	terminated := m.instancesTerminated.Load()
	attempts := m.taskAttempts.Load()
	failures := m.taskFailures.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if ok := attempts - failures; ok > 0 {
		avg = time.Duration(totalNs / ok)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:    started,
		InstancesCompleted:  completed,
		InstancesTerminated: terminated,
		RunningInstances:    started - completed - terminated,
		NodesEntered:        m.nodesEntered.Load(),
		TimersFired:         m.timersFired.Load(),
		TaskAttempts:        attempts,
		TaskFailures:        failures,
		AvgTaskDuration:     avg,
	}
}
