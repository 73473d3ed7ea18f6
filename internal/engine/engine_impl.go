package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/pkg/api"
)

// TimerScheduler is the part of the temporal queue the engine uses.
type TimerScheduler interface {
	Schedule(ctx context.Context, e api.TimerEntry) (string, error)
	Cancel(ctx context.Context, id string) error
	CancelInstance(ctx context.Context, instanceID string) error
	List(ctx context.Context, instanceID string) ([]api.TimerEntry, error)
}

// TaskSubmitter is the part of the dispatch layer the engine uses. Offer
// must not block: it runs after commit on the caller's goroutine, which may
// be the temporal queue actor or the result consumer.
type TaskSubmitter interface {
	Offer(task api.DispatchedTask)
	CancelInstance(instanceID string)
}

// Config describes how to construct an Engine.
type Config struct {
	Instances persistence.InstanceStore
	Timers    TimerScheduler
	Tasks     TaskSubmitter

	Observer api.Observer
	Logger   *slog.Logger
	Clock    clockwork.Clock

	// MaxSteps bounds a single traversal. Defaults to 10000.
	MaxSteps int

	// MaxConflictRetries bounds the internal retries of an operation that
	// lost a compare-and-swap or hit a store error. Defaults to 5.
	MaxConflictRetries int

	// ConflictBackoff is the delay before the first retry; it doubles per
	// retry. Defaults to 5ms.
	ConflictBackoff time.Duration
}

// Engine is the token engine. It is safe for concurrent use; operations on
// the same instance are serialized.
type Engine struct {
	cfg      Config
	store    persistence.InstanceStore
	timers   TimerScheduler
	tasks    TaskSubmitter
	observer api.Observer
	logger   *slog.Logger
	clock    clockwork.Clock

	registry *definitionRegistry
	locks    *keyedMutex
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine. Instances, Timers and Tasks are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Instances == nil || cfg.Timers == nil || cfg.Tasks == nil {
		return nil, &api.Error{
			Kind: api.KindConfiguration,
			Op:   "new_engine",
			Err:  errors.New("instances, timers and tasks are required"),
		}
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
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10000
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 5
	}
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = 5 * time.Millisecond
	}

	return &Engine{
		cfg:      cfg,
		store:    cfg.Instances,
		timers:   cfg.Timers,
		tasks:    cfg.Tasks,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		registry: newDefinitionRegistry(),
		locks:    newKeyedMutex(),
	}, nil
}

func (e *Engine) Register(def *api.ProcessDefinition) error {
	return e.registry.Register(def)
}

// Definition returns a registered definition version.
func (e *Engine) Definition(id string, version int) (*api.ProcessDefinition, error) {
	return e.registry.Get(id, version)
}

func (e *Engine) Start(ctx context.Context, definitionID string, vars map[string]any, correlationKey string) (string, error) {
	def, err := e.registry.Latest(definitionID)
	if err != nil {
		return "", err
	}
	return e.start(ctx, def, vars, correlationKey)
}

func (e *Engine) StartVersion(ctx context.Context, definitionID string, version int, vars map[string]any, correlationKey string) (string, error) {
	def, err := e.registry.Get(definitionID, version)
	if err != nil {
		return "", err
	}
	return e.start(ctx, def, vars, correlationKey)
}

func (e *Engine) start(ctx context.Context, def *api.ProcessDefinition, vars map[string]any, key string) (string, error) {
	if def.RequiresCorrelation && key == "" {
		return "", &api.Error{
			Kind: api.KindConfiguration,
			Op:   "start",
			Err:  fmt.Errorf("definition %s requires a correlation key", def.Key()),
		}
	}

	now := e.clock.Now()
	inst := &api.ProcessInstance{
		ID:                newID(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Variables:         api.CloneVariables(vars),
		State:             api.StateActive,
		CreatedAt:         now,
		UpdatedAt:         now,
		CorrelationKey:    key,
	}
	if def.RequiresCorrelation {
		inst.ExclusiveKey = def.ID + "/" + key
	}
	inst.Tokens = []api.Token{{
		ID:        newID(),
		NodeID:    def.Start,
		ArrivedAt: now,
		Status:    api.TokenReady,
	}}

	unlock := e.locks.Lock(inst.ID)
	tr := newTransition(inst, def, now)
	tr.started = true

	fatal := e.advance(tr)
	if fatal != nil {
		tr.abort(fatal)
		e.logAbort(inst, fatal)
	}

	err := e.retryStore(ctx, "start", inst.ID, func() error { return e.create(ctx, tr) })
	unlock()
	if err != nil {
		return "", err
	}

	e.afterCommit(ctx, tr)
	return inst.ID, fatal
}

// create persists a new instance together with the timers it armed. Store
// failures come back unwrapped so the caller can retry them.
func (e *Engine) create(ctx context.Context, tr *transition) error {
	inst := tr.inst

	// An instance that finished during its first traversal never holds the
	// key claim, but it must still not overlap a live holder.
	if inst.Terminal() && inst.ExclusiveKey != "" {
		live, err := e.store.FindByCorrelationKey(ctx, inst.CorrelationKey)
		if err != nil {
			return err
		}
		for _, other := range live {
			if other.DefinitionID == inst.DefinitionID {
				return e.correlationConflict(inst)
			}
		}
		inst.ExclusiveKey = ""
	}

	if err := e.scheduleTimers(ctx, tr); err != nil {
		return err
	}

	err := e.store.CreateInstance(ctx, inst)
	if err == nil {
		return nil
	}
	e.dropTimers(ctx, tr.timers)

	switch {
	case errors.Is(err, persistence.ErrKeyClaimed):
		return e.correlationConflict(inst)
	case errors.Is(err, persistence.ErrInstanceExists):
		return &api.Error{Kind: api.KindConflict, Op: "start", InstanceID: inst.ID, Err: err}
	default:
		return err
	}
}

func (e *Engine) correlationConflict(inst *api.ProcessInstance) error {
	return &api.Error{
		Kind: api.KindCorrelationConflict,
		Op:   "start",
		Err:  fmt.Errorf("%w: %s", api.ErrCorrelationConflict, inst.CorrelationKey),
	}
}

// CompleteTask reports a successful task. A ref that no waiting token
// refers to is ignored.
func (e *Engine) CompleteTask(ctx context.Context, ref api.TaskRef, result map[string]any) error {
	_, err := e.mutate(ctx, "complete_task", ref.InstanceID, func(tr *transition) error {
		i := tr.findWaiting(api.TokenTask, ref.TaskID)
		if tr.inst.Terminal() || i < 0 {
			tr.noop = true
			return nil
		}
		tr.mergeVariables(result)
		tr.clearWait(i)
		if err := e.leave(tr, tr.inst.Tokens[i]); err != nil {
			return err
		}
		return e.advance(tr)
	})
	return err
}

// FailTask reports a task that failed for good. The token follows the
// task's error flow when there is one; otherwise the instance terminates.
func (e *Engine) FailTask(ctx context.Context, ref api.TaskRef, cause error) error {
	_, err := e.mutate(ctx, "fail_task", ref.InstanceID, func(tr *transition) error {
		i := tr.findWaiting(api.TokenTask, ref.TaskID)
		if tr.inst.Terminal() || i < 0 {
			tr.noop = true
			return nil
		}
		tr.clearWait(i)
		tok := tr.inst.Tokens[i]

		kind := api.KindOf(cause)
		if kind == "" {
			kind = api.KindTaskFailure
		}
		failure := &api.Error{
			Kind:       kind,
			Op:         "task",
			InstanceID: tr.inst.ID,
			NodeID:     tok.NodeID,
			Err:        fmt.Errorf("%w: %w", api.ErrTaskFailure, cause),
		}
		info := &api.ErrorInfo{Kind: kind, Message: failure.Error(), NodeID: tok.NodeID}

		if ef, ok := tr.def.ErrorFlow(tok.NodeID); ok {
			tr.inst.PendingError = info
			tr.follow(tok.ID, []api.SequenceFlow{ef})
			return e.advance(tr)
		}
		tr.terminate(info, failure)
		return nil
	})
	return err
}

// FireTimer handles a fired wait or SLA timer. Deliveries that no token
// waits for any more are ignored.
func (e *Engine) FireTimer(ctx context.Context, entry api.TimerEntry) error {
	var fn func(tr *transition) error

	switch entry.Kind {
	case api.TimerWait:
		fn = func(tr *transition) error {
			i := tr.findWaiting(api.TokenTimer, entry.ID)
			if tr.inst.Terminal() || i < 0 {
				tr.noop = true
				return nil
			}
			tr.clearWait(i)
			if err := e.leave(tr, tr.inst.Tokens[i]); err != nil {
				return err
			}
			return e.advance(tr)
		}
	case api.TimerSLA:
		fn = func(tr *transition) error {
			i := -1
			for j, t := range tr.inst.Tokens {
				if t.Status == api.TokenTask && t.SLARef == entry.ID {
					i = j
					break
				}
			}
			if tr.inst.Terminal() || i < 0 {
				tr.noop = true
				return nil
			}
			tr.inst.Tokens[i].SLARef = ""
			node, _ := tr.def.Node(tr.inst.Tokens[i].NodeID)
			task, ok := node.(*api.Task)
			if !ok || task.SLA == nil {
				return tr.structural(tr.inst.Tokens[i].NodeID, fmt.Errorf("%w: SLA timer on a node without SLA", api.ErrStructural))
			}
			tr.spawn(task.SLA.Target, "")
			return e.advance(tr)
		}
	default:
		return nil
	}

	tr, err := e.mutate(ctx, "fire_timer", entry.InstanceID, fn)
	if tr != nil && !tr.noop {
		e.observer.OnTimerFired(ctx, entry)
	}
	if api.KindOf(err) == api.KindNotFound {
		return nil
	}
	return err
}

// Cancel terminates an instance, its timers and its in-flight tasks.
func (e *Engine) Cancel(ctx context.Context, instanceID string, reason string) error {
	_, err := e.mutate(ctx, "cancel", instanceID, func(tr *transition) error {
		if tr.inst.Terminal() {
			tr.noop = true
			return nil
		}
		tr.terminate(nil, fmt.Errorf("cancelled: %s", reason))
		return nil
	})
	return err
}

func (e *Engine) Status(ctx context.Context, instanceID string) (*api.ProcessInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, e.loadError("status", instanceID, err)
	}
	return inst, nil
}

func (e *Engine) List(ctx context.Context, opts api.InstanceListOptions) ([]*api.ProcessInstance, error) {
	out, err := e.store.ListInstances(ctx, persistence.InstanceFilter{
		DefinitionID:   opts.DefinitionID,
		State:          opts.State,
		CorrelationKey: opts.CorrelationKey,
	})
	if err != nil {
		return nil, &api.Error{Kind: api.KindUnavailable, Op: "list", Err: err}
	}
	return out, nil
}

// Redispatch re-submits the task of every token waiting at a task. It is run
// once at startup to recover submissions lost between commit and submit.
// Tokens whose task already has a retry timer pending are left to that
// timer, which carries the next attempt. It returns the number of tasks
// submitted.
func (e *Engine) Redispatch(ctx context.Context) (int, error) {
	insts, err := e.store.ListInstances(ctx, persistence.InstanceFilter{State: api.StateActive})
	if err != nil {
		return 0, &api.Error{Kind: api.KindUnavailable, Op: "redispatch", Err: err}
	}

	n := 0
	for _, inst := range insts {
		def, err := e.registry.Get(inst.DefinitionID, inst.DefinitionVersion)
		if err != nil {
			e.logger.Warn("redispatch_skipped",
				"instance_id", inst.ID,
				"definition_id", inst.DefinitionID,
				"error", err,
			)
			continue
		}
		retrying := e.pendingRetries(ctx, inst)
		for _, tok := range inst.Tokens {
			if tok.Status != api.TokenTask || retrying[tok.ID] {
				continue
			}
			node, _ := def.Node(tok.NodeID)
			t, ok := node.(*api.Task)
			if !ok {
				continue
			}
			task := newDispatchedTask(inst, tok, t)
			task.ID = tok.WaitRef
			e.tasks.Offer(task)
			n++
		}
	}
	return n, nil
}

// pendingRetries returns the ids of the tokens of inst that have a retry
// timer pending. When the timers cannot be listed every task is
// re-submitted; a duplicate run is harmless since only the first report is
// accepted.
func (e *Engine) pendingRetries(ctx context.Context, inst *api.ProcessInstance) map[string]bool {
	waiting := false
	for _, tok := range inst.Tokens {
		if tok.Status == api.TokenTask {
			waiting = true
			break
		}
	}
	if !waiting {
		return nil
	}

	timers, err := e.timers.List(ctx, inst.ID)
	if err != nil {
		e.logger.Warn("redispatch_timers_unavailable", "instance_id", inst.ID, "error", err)
		return nil
	}
	var out map[string]bool
	for _, t := range timers {
		if t.Kind != api.TimerRetry {
			continue
		}
		if out == nil {
			out = make(map[string]bool)
		}
		out[t.TokenID] = true
	}
	return out
}

func newDispatchedTask(inst *api.ProcessInstance, tok api.Token, t *api.Task) api.DispatchedTask {
	task := api.DispatchedTask{
		ID:             newID(),
		InstanceID:     inst.ID,
		NodeID:         t.ID,
		TokenID:        tok.ID,
		Implementation: t.Implementation,
		Payload:        projectInputs(inst.Variables, t.Inputs),
		Attempt:        1,
		Timeout:        t.Timeout,
		Priority:       t.Priority,
		Status:         api.TaskQueued,
	}
	if t.Retry != nil {
		task.Retry = *t.Retry
	}
	return task
}

// mutate applies fn to a working copy of an instance under the instance
// lock and commits the result with compare-and-swap. Lost races and store
// errors are retried with the current state. A fatal error returned by fn
// terminates the instance; the terminated state is committed and the error
// returned alongside.
func (e *Engine) mutate(ctx context.Context, op, instanceID string, fn func(tr *transition) error) (*transition, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		tr, err := e.tryMutate(ctx, op, instanceID, fn)
		if err != nil {
			var apiErr *api.Error
			if errors.As(err, &apiErr) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !tr.noop {
			e.afterCommit(ctx, tr)
		}
		return tr, tr.fatal
	}

	kind := api.KindUnavailable
	if errors.Is(lastErr, persistence.ErrRevisionMismatch) {
		kind = api.KindConflict
	}
	return nil, &api.Error{Kind: kind, Op: op, InstanceID: instanceID, Err: lastErr}
}

func (e *Engine) tryMutate(ctx context.Context, op, instanceID string, fn func(tr *transition) error) (*transition, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	cur, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, e.loadError(op, instanceID, err)
		}
		return nil, err
	}
	// Cancelling works without the definition, so admin tools can cancel
	// instances of definitions they never registered.
	def, err := e.registry.Get(cur.DefinitionID, cur.DefinitionVersion)
	if err != nil && op != "cancel" {
		return nil, err
	}

	tr := newTransition(cur, def, e.clock.Now())
	if err := fn(tr); err != nil {
		if !isFatal(err) {
			return nil, err
		}
		tr.fatal = err
		tr.abort(err)
		e.logAbort(tr.inst, err)
	}
	if tr.noop {
		return tr, nil
	}

	tr.inst.UpdatedAt = tr.now
	if err := e.scheduleTimers(ctx, tr); err != nil {
		return nil, err
	}
	if err := e.store.CompareAndSwap(ctx, tr.inst); err != nil {
		e.dropTimers(ctx, tr.timers)
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, e.loadError(op, instanceID, err)
		}
		return nil, err
	}
	return tr, nil
}

// retryStore runs fn until it succeeds or returns an *api.Error. Any other
// error is a store failure and is retried with backoff until the retry
// budget is spent.
func (e *Engine) retryStore(ctx context.Context, op, instanceID string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return err
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			return err
		}
		lastErr = err
	}
	return &api.Error{Kind: api.KindUnavailable, Op: op, InstanceID: instanceID, Err: lastErr}
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(e.cfg.ConflictBackoff << (attempt - 1))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// scheduleTimers persists the timers armed by tr. On failure the timers
// already scheduled are dropped again.
func (e *Engine) scheduleTimers(ctx context.Context, tr *transition) error {
	for i, t := range tr.timers {
		if _, err := e.timers.Schedule(ctx, t); err != nil {
			e.dropTimers(ctx, tr.timers[:i])
			return err
		}
	}
	return nil
}

func (e *Engine) dropTimers(ctx context.Context, timers []api.TimerEntry) {
	for _, t := range timers {
		if err := e.timers.Cancel(ctx, t.ID); err != nil {
			e.logger.Warn("timer_cancel_failed", "timer_id", t.ID, "instance_id", t.InstanceID, "error", err)
		}
	}
}

// afterCommit performs the effects of a committed transition. It runs
// without the instance lock held.
func (e *Engine) afterCommit(ctx context.Context, tr *transition) {
	inst := tr.inst

	for _, id := range tr.cancelTimers {
		if err := e.timers.Cancel(ctx, id); err != nil {
			e.logger.Warn("timer_cancel_failed", "timer_id", id, "instance_id", inst.ID, "error", err)
		}
	}
	if tr.cleanup {
		if err := e.timers.CancelInstance(ctx, inst.ID); err != nil {
			e.logger.Warn("timer_cancel_failed", "instance_id", inst.ID, "error", err)
		}
		e.tasks.CancelInstance(inst.ID)
	}

	if tr.started {
		e.observer.OnInstanceStarted(ctx, inst)
	}
	for _, tok := range tr.entered {
		e.observer.OnNodeEntered(ctx, inst, tok)
	}

	for _, task := range tr.tasks {
		e.tasks.Offer(task)
	}

	switch inst.State {
	case api.StateCompleted:
		e.observer.OnInstanceCompleted(ctx, inst)
	case api.StateTerminated:
		e.observer.OnInstanceTerminated(ctx, inst, tr.reason)
	}
}

func (e *Engine) loadError(op, instanceID string, err error) error {
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		return &api.Error{Kind: api.KindNotFound, Op: op, InstanceID: instanceID, Err: api.ErrInstanceNotFound}
	}
	return &api.Error{Kind: api.KindUnavailable, Op: op, InstanceID: instanceID, Err: err}
}

func (e *Engine) logAbort(inst *api.ProcessInstance, err error) {
	var nodeID string
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		nodeID = apiErr.NodeID
	}
	e.logger.Error("instance_aborted",
		"instance_id", inst.ID,
		"definition_id", inst.DefinitionID,
		"definition_version", inst.DefinitionVersion,
		"node_id", nodeID,
		"error", err,
	)
}
