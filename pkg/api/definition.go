package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Node is one element of a process graph. It is a closed set: *Task,
// *Gateway and *Event are the only implementations, and the engine switches
// over them exhaustively.
type Node interface {
	NodeID() string
	node()
}

// Task is an activity executed by the dispatch layer.
type Task struct {
	ID string

	// Implementation names the executor that runs this task.
	Implementation string

	// Priority is inherited by timers (retries, SLA) created for the task.
	Priority int

	// Timeout bounds a single attempt. Zero means the dispatcher default.
	Timeout time.Duration

	Retry *RetryPolicy

	// Inputs selects the variables sent to the executor. Empty sends all.
	Inputs []string

	SLA *SLA
}

// SLA is a non-interrupting deadline on a task. When the task is still
// running After its activation, a token is spawned on Target.
type SLA struct {
	After    time.Duration
	Target   string
	Priority int
}

func (t *Task) NodeID() string { return t.ID }
func (*Task) node()            {}

// GatewayKind selects gateway semantics.
type GatewayKind int

const (
	GatewayExclusive GatewayKind = iota + 1
	GatewayParallel
)

func (k GatewayKind) String() string {
	switch k {
	case GatewayExclusive:
		return "exclusive"
	case GatewayParallel:
		return "parallel"
	default:
		return fmt.Sprintf("GatewayKind(%d)", int(k))
	}
}

// Gateway splits or merges control flow. Whether a parallel gateway forks or
// joins follows from its flows: more than one incoming flow makes it a join.
type Gateway struct {
	ID   string
	Kind GatewayKind

	// AllowNoDefault accepts an exclusive gateway whose outgoing flows are
	// all conditional and none is marked default. Such a gateway fails with
	// ErrNoEnabledFlow at runtime when no condition holds.
	AllowNoDefault bool
}

func (g *Gateway) NodeID() string { return g.ID }
func (*Gateway) node()            {}

// EventKind selects event semantics.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventEnd
	EventErrorEnd
	EventTerminateEnd
	EventTimer
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	case EventErrorEnd:
		return "error-end"
	case EventTerminateEnd:
		return "terminate-end"
	case EventTimer:
		return "timer"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// IsEnd reports whether the kind consumes tokens without outgoing flows.
func (k EventKind) IsEnd() bool {
	return k == EventEnd || k == EventErrorEnd || k == EventTerminateEnd
}

// TimerSpec configures an intermediate timer catch event.
// Exactly one of Duration (relative to arrival) or At should be set.
type TimerSpec struct {
	Duration time.Duration
	At       time.Time
	Priority int

	// Calendar names a blackout calendar configured on the temporal queue.
	Calendar         string
	OverrideBlackout bool
}

// Event is a start, end or intermediate catch event.
type Event struct {
	ID    string
	Kind  EventKind
	Timer *TimerSpec

	// Message is the message name a message catch event waits for.
	Message string
}

func (e *Event) NodeID() string { return e.ID }
func (*Event) node()            {}

// SequenceFlow connects two nodes.
type SequenceFlow struct {
	ID        string
	Source    string
	Target    string
	Condition Condition
	Default   bool

	// OnError marks an error boundary flow. It is only taken when the source
	// task fails permanently or the source gateway has no enabled flow.
	OnError bool
}

// ProcessDefinition is an immutable process graph. It must pass Validate
// before use and must not be modified afterwards; new versions are new
// definitions.
type ProcessDefinition struct {
	ID      string
	Version int
	Nodes   map[string]Node
	Flows   []SequenceFlow
	Start   string

	// RequiresCorrelation makes correlation keys unique among the active
	// instances of this definition.
	RequiresCorrelation bool

	// Hash is the content hash. Validate fills it when empty and rejects
	// the definition when it does not match.
	Hash string

	outgoing  map[string][]int
	incoming  map[string][]int
	errorFlow map[string]int
}

// Node looks up a node by id.
func (d *ProcessDefinition) Node(id string) (Node, bool) {
	n, ok := d.Nodes[id]
	return n, ok
}

// Outgoing returns the regular outgoing flows of a node in declaration order.
func (d *ProcessDefinition) Outgoing(id string) []SequenceFlow {
	idx := d.outgoing[id]
	out := make([]SequenceFlow, 0, len(idx))
	for _, i := range idx {
		out = append(out, d.Flows[i])
	}
	return out
}

// Incoming returns the regular incoming flows of a node in declaration order.
func (d *ProcessDefinition) Incoming(id string) []SequenceFlow {
	idx := d.incoming[id]
	out := make([]SequenceFlow, 0, len(idx))
	for _, i := range idx {
		out = append(out, d.Flows[i])
	}
	return out
}

// ErrorFlow returns the error boundary flow leaving a node, if any.
func (d *ProcessDefinition) ErrorFlow(id string) (SequenceFlow, bool) {
	i, ok := d.errorFlow[id]
	if !ok {
		return SequenceFlow{}, false
	}
	return d.Flows[i], true
}

// Key returns "<id>@<version>".
func (d *ProcessDefinition) Key() string {
	return fmt.Sprintf("%s@%d", d.ID, d.Version)
}

// Validate checks the graph invariants, builds the flow indexes and fills
// or verifies Hash. All problems found are reported together as a single
// configuration error.
func (d *ProcessDefinition) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if d.ID == "" {
		add("definition id is required")
	}
	if d.Version <= 0 {
		d.Version = 1
	}

	for key, n := range d.Nodes {
		if n == nil {
			add("node %q is nil", key)
			continue
		}
		if n.NodeID() == "" || n.NodeID() != key {
			add("node key %q does not match node id %q", key, n.NodeID())
		}
	}
	if errs != nil {
		return configError("validate", d.ID, errs)
	}

	start, ok := d.Nodes[d.Start].(*Event)
	if !ok || start.Kind != EventStart {
		add("start node %q must be a start event", d.Start)
	}

	d.outgoing = make(map[string][]int)
	d.incoming = make(map[string][]int)
	d.errorFlow = make(map[string]int)
	implicit := make(map[string]int)

	seen := make(map[string]bool, len(d.Flows))
	defaults := make(map[string]int)
	for i, f := range d.Flows {
		if f.ID == "" {
			add("flow #%d has no id", i)
		} else if seen[f.ID] {
			add("duplicate flow id %q", f.ID)
		}
		seen[f.ID] = true

		src, okSrc := d.Nodes[f.Source]
		_, okDst := d.Nodes[f.Target]
		if !okSrc {
			add("flow %q: unknown source %q", f.ID, f.Source)
		}
		if !okDst {
			add("flow %q: unknown target %q", f.ID, f.Target)
		}
		if !okSrc || !okDst {
			continue
		}
		if f.Target == d.Start {
			add("flow %q targets the start event", f.ID)
		}

		if f.OnError {
			switch src.(type) {
			case *Task, *Gateway:
			default:
				add("error flow %q must leave a task or gateway", f.ID)
			}
			if f.Condition != nil || f.Default {
				add("error flow %q cannot be conditional or default", f.ID)
			}
			if _, dup := d.errorFlow[f.Source]; dup {
				add("node %q has more than one error flow", f.Source)
			}
			d.errorFlow[f.Source] = i
			implicit[f.Target]++
			continue
		}

		if f.Default {
			defaults[f.Source]++
		}
		if c, ok := f.Condition.(interface{ Compile() error }); ok {
			if err := c.Compile(); err != nil {
				add("flow %q: %v", f.ID, err)
			}
		}
		d.outgoing[f.Source] = append(d.outgoing[f.Source], i)
		d.incoming[f.Target] = append(d.incoming[f.Target], i)
	}

	for id, n := range d.Nodes {
		if t, ok := n.(*Task); ok && t.SLA != nil {
			if _, ok := d.Nodes[t.SLA.Target]; !ok {
				add("task %q: unknown SLA target %q", id, t.SLA.Target)
			} else {
				implicit[t.SLA.Target]++
			}
		}
	}

	ids := make([]string, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := d.Nodes[id]
		out := d.outgoing[id]

		if id != d.Start && len(d.incoming[id])+implicit[id] == 0 {
			add("node %q has no incoming flow", id)
		}
		if defaults[id] > 1 {
			add("node %q has more than one default flow", id)
		}

		switch n := n.(type) {
		case *Event:
			switch {
			case n.Kind.IsEnd():
				if len(out) > 0 {
					add("end event %q has outgoing flows", id)
				}
			case len(out) == 0:
				add("event %q has no outgoing flow", id)
			}
			if n.Kind == EventTimer && (n.Timer == nil || (n.Timer.Duration <= 0 && n.Timer.At.IsZero())) {
				add("timer event %q needs a duration or an absolute time", id)
			}
			if n.Kind == EventMessage && n.Message == "" {
				add("message event %q needs a message name", id)
			}
			if n.Kind == EventStart && id != d.Start {
				add("event %q is a second start event", id)
			}
		case *Task:
			if n.Implementation == "" {
				add("task %q has no implementation", id)
			}
			if len(out) == 0 {
				add("task %q has no outgoing flow", id)
			}
			if n.Retry != nil && n.Retry.MaxRetries < 0 {
				add("task %q: negative MaxRetries", id)
			}
			if n.SLA != nil && n.SLA.After <= 0 {
				add("task %q: SLA needs a positive duration", id)
			}
		case *Gateway:
			if len(out) == 0 {
				add("gateway %q has no outgoing flow", id)
				continue
			}
			switch n.Kind {
			case GatewayExclusive:
				if !n.AllowNoDefault && !hasFallback(d.Flows, out) {
					add("exclusive gateway %q needs an unconditional or default flow", id)
				}
			case GatewayParallel:
				for _, i := range out {
					if d.Flows[i].Condition != nil || d.Flows[i].Default {
						add("parallel gateway %q: flow %q must be unconditional", id, d.Flows[i].ID)
					}
				}
			default:
				add("gateway %q has unknown kind %v", id, n.Kind)
			}
		}
	}

	for _, id := range d.unreachable() {
		add("node %q is not reachable from the start event", id)
	}

	if errs != nil {
		return configError("validate", d.ID, errs)
	}

	sum := d.computeHash()
	if d.Hash != "" && d.Hash != sum {
		return configError("validate", d.ID, fmt.Errorf("content hash mismatch: have %s, computed %s", d.Hash, sum))
	}
	d.Hash = sum
	return nil
}

func hasFallback(flows []SequenceFlow, idx []int) bool {
	for _, i := range idx {
		if flows[i].Condition == nil || flows[i].Default {
			return true
		}
	}
	return false
}

func (d *ProcessDefinition) unreachable() []string {
	if _, ok := d.Nodes[d.Start]; !ok {
		return nil
	}
	next := make(map[string][]string)
	for _, f := range d.Flows {
		next[f.Source] = append(next[f.Source], f.Target)
	}
	for id, n := range d.Nodes {
		if t, ok := n.(*Task); ok && t.SLA != nil {
			next[id] = append(next[id], t.SLA.Target)
		}
	}

	visited := map[string]bool{d.Start: true}
	queue := []string{d.Start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range next[cur] {
			if !visited[t] {
				visited[t] = true
				queue = append(queue, t)
			}
		}
	}

	var out []string
	for id := range d.Nodes {
		if !visited[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// computeHash digests the structure of the definition. Go predicates have no
// stable content, so ConditionFunc flows contribute only their presence.
func (d *ProcessDefinition) computeHash() string {
	var b strings.Builder
	fmt.Fprintf(&b, "def|%s|%d|%s|%t\n", d.ID, d.Version, d.Start, d.RequiresCorrelation)

	ids := make([]string, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		switch n := d.Nodes[id].(type) {
		case *Task:
			fmt.Fprintf(&b, "task|%s|%s|%d|%s|%v", n.ID, n.Implementation, n.Priority, n.Timeout, n.Inputs)
			if n.Retry != nil {
				fmt.Fprintf(&b, "|retry:%+v", *n.Retry)
			}
			if n.SLA != nil {
				fmt.Fprintf(&b, "|sla:%+v", *n.SLA)
			}
		case *Gateway:
			fmt.Fprintf(&b, "gateway|%s|%s|%t", n.ID, n.Kind, n.AllowNoDefault)
		case *Event:
			fmt.Fprintf(&b, "event|%s|%s|%s", n.ID, n.Kind, n.Message)
			if n.Timer != nil {
				fmt.Fprintf(&b, "|timer:%s|%d|%d|%s|%t", n.Timer.Duration, n.Timer.At.UnixNano(), n.Timer.Priority, n.Timer.Calendar, n.Timer.OverrideBlackout)
			}
		}
		b.WriteByte('\n')
	}

	for _, f := range d.Flows {
		fmt.Fprintf(&b, "flow|%s|%s|%s|%t|%t|%s\n", f.ID, f.Source, f.Target, f.Default, f.OnError, conditionText(f.Condition))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
