package tokenflow

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/petrijr/tokenflow/pkg/api"
)

// ProcessBuilder provides a fluent API for defining process graphs:
//
//	def, err := tokenflow.NewProcess("order").
//	    StartEvent("start").
//	    Task("charge", "charge-card", tokenflow.WithRetry(tokenflow.Retry(2).Policy())).
//	    ExclusiveGateway("route").
//	    Task("review", "manual-review").
//	    EndEvent("end").
//	    Sequence("start", "charge", "route").
//	    FlowIf("route", "review", tokenflow.Expr("amount > 1000")).
//	    FlowDefault("route", "end").
//	    Flow("review", "end").
//	    Build()
//
// Misuse such as duplicate node ids is collected and reported by Build
// together with the validation errors of the definition.
type ProcessBuilder struct {
	def   api.ProcessDefinition
	flows map[string]int
	errs  error
}

// NewProcess creates a builder for version 1 of the definition id.
func NewProcess(id string) *ProcessBuilder {
	return &ProcessBuilder{
		def: api.ProcessDefinition{
			ID:      id,
			Version: 1,
			Nodes:   make(map[string]api.Node),
		},
		flows: make(map[string]int),
	}
}

// Version sets the definition version.
func (b *ProcessBuilder) Version(v int) *ProcessBuilder {
	b.def.Version = v
	return b
}

// RequireCorrelation makes correlation keys unique among the active
// instances of the definition.
func (b *ProcessBuilder) RequireCorrelation() *ProcessBuilder {
	b.def.RequiresCorrelation = true
	return b
}

func (b *ProcessBuilder) add(n api.Node) *ProcessBuilder {
	id := n.NodeID()
	if id == "" {
		b.errs = multierr.Append(b.errs, fmt.Errorf("node id must not be empty"))
		return b
	}
	if _, dup := b.def.Nodes[id]; dup {
		b.errs = multierr.Append(b.errs, fmt.Errorf("duplicate node id %q", id))
		return b
	}
	b.def.Nodes[id] = n
	return b
}

// StartEvent adds the start event. A definition has exactly one.
func (b *ProcessBuilder) StartEvent(id string) *ProcessBuilder {
	if b.def.Start != "" {
		b.errs = multierr.Append(b.errs, fmt.Errorf("start event already set to %q", b.def.Start))
		return b
	}
	b.def.Start = id
	return b.add(&api.Event{ID: id, Kind: api.EventStart})
}

// EndEvent adds a plain end event.
func (b *ProcessBuilder) EndEvent(id string) *ProcessBuilder {
	return b.add(&api.Event{ID: id, Kind: api.EventEnd})
}

// ErrorEndEvent adds an end event that terminates the instance with an
// error.
func (b *ProcessBuilder) ErrorEndEvent(id string) *ProcessBuilder {
	return b.add(&api.Event{ID: id, Kind: api.EventErrorEnd})
}

// TerminateEndEvent adds an end event that consumes every token.
func (b *ProcessBuilder) TerminateEndEvent(id string) *ProcessBuilder {
	return b.add(&api.Event{ID: id, Kind: api.EventTerminateEnd})
}

// TimerEvent adds an intermediate timer catch event.
func (b *ProcessBuilder) TimerEvent(id string, spec TimerSpec) *ProcessBuilder {
	s := spec
	return b.add(&api.Event{ID: id, Kind: api.EventTimer, Timer: &s})
}

// Wait adds a timer catch event that waits d after arrival.
func (b *ProcessBuilder) Wait(id string, d time.Duration) *ProcessBuilder {
	return b.TimerEvent(id, TimerSpec{Duration: d})
}

// MessageEvent adds a message catch event waiting for the named message.
func (b *ProcessBuilder) MessageEvent(id, message string) *ProcessBuilder {
	return b.add(&api.Event{ID: id, Kind: api.EventMessage, Message: message})
}

// ExclusiveGateway adds an exclusive gateway.
func (b *ProcessBuilder) ExclusiveGateway(id string) *ProcessBuilder {
	return b.add(&api.Gateway{ID: id, Kind: api.GatewayExclusive})
}

// ParallelGateway adds a parallel gateway. It forks or joins depending on
// its flows.
func (b *ProcessBuilder) ParallelGateway(id string) *ProcessBuilder {
	return b.add(&api.Gateway{ID: id, Kind: api.GatewayParallel})
}

// TaskOption configures a task added with ProcessBuilder.Task.
type TaskOption func(*api.Task)

// WithPriority sets the task priority.
func WithPriority(p int) TaskOption {
	return func(t *api.Task) { t.Priority = p }
}

// WithTimeout bounds each attempt of the task.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *api.Task) { t.Timeout = d }
}

// WithRetry sets the retry policy of the task.
func WithRetry(p RetryPolicy) TaskOption {
	return func(t *api.Task) { t.Retry = &p }
}

// WithInputs limits the variables sent to the executor.
func WithInputs(names ...string) TaskOption {
	return func(t *api.Task) { t.Inputs = append([]string(nil), names...) }
}

// WithSLA spawns a token on target when the task is still running after d.
// The SLA timer inherits the task priority.
func WithSLA(d time.Duration, target string) TaskOption {
	return func(t *api.Task) { t.SLA = &api.SLA{After: d, Target: target} }
}

// Task adds a service task executed by the named implementation.
func (b *ProcessBuilder) Task(id, implementation string, opts ...TaskOption) *ProcessBuilder {
	t := &api.Task{ID: id, Implementation: implementation}
	for _, opt := range opts {
		opt(t)
	}
	if t.SLA != nil {
		t.SLA.Priority = t.Priority
	}
	return b.add(t)
}

func (b *ProcessBuilder) flow(f api.SequenceFlow) *ProcessBuilder {
	base := f.Source + "->" + f.Target
	b.flows[base]++
	f.ID = base
	if n := b.flows[base]; n > 1 {
		f.ID = fmt.Sprintf("%s#%d", base, n)
	}
	b.def.Flows = append(b.def.Flows, f)
	return b
}

// Flow adds an unconditional sequence flow.
func (b *ProcessBuilder) Flow(source, target string) *ProcessBuilder {
	return b.flow(api.SequenceFlow{Source: source, Target: target})
}

// FlowIf adds a conditional sequence flow.
func (b *ProcessBuilder) FlowIf(source, target string, cond Condition) *ProcessBuilder {
	return b.flow(api.SequenceFlow{Source: source, Target: target, Condition: cond})
}

// FlowDefault adds the default flow of an exclusive gateway.
func (b *ProcessBuilder) FlowDefault(source, target string) *ProcessBuilder {
	return b.flow(api.SequenceFlow{Source: source, Target: target, Default: true})
}

// ErrorFlow adds the error boundary flow of a task or gateway.
func (b *ProcessBuilder) ErrorFlow(source, target string) *ProcessBuilder {
	return b.flow(api.SequenceFlow{Source: source, Target: target, OnError: true})
}

// Sequence chains the given nodes with unconditional flows.
func (b *ProcessBuilder) Sequence(ids ...string) *ProcessBuilder {
	for i := 1; i < len(ids); i++ {
		b.Flow(ids[i-1], ids[i])
	}
	return b
}

// Build validates and returns the definition. The builder must not be
// used afterwards.
func (b *ProcessBuilder) Build() (*ProcessDefinition, error) {
	def := b.def
	if b.errs != nil {
		return nil, api.NewError(api.KindConfiguration, "build", "", "", b.errs)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// MustBuild is Build that panics on error. It is meant for definitions
// declared at package level.
func (b *ProcessBuilder) MustBuild() *ProcessDefinition {
	def, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("tokenflow: %v", err))
	}
	return def
}

// Register builds the definition and registers it on eng.
func (b *ProcessBuilder) Register(eng Engine) (*ProcessDefinition, error) {
	def, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := eng.Register(def); err != nil {
		return nil, err
	}
	return def, nil
}
