package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/pkg/api"
)

// fakeTimers records scheduled timers instead of firing them.
type fakeTimers struct {
	mu      sync.Mutex
	entries map[string]api.TimerEntry
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{entries: make(map[string]api.TimerEntry)}
}

func (f *fakeTimers) Schedule(ctx context.Context, e api.TimerEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.ID] = e
	return e.ID, nil
}

func (f *fakeTimers) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	return nil
}

func (f *fakeTimers) CancelInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, e := range f.entries {
		if e.InstanceID == instanceID {
			delete(f.entries, id)
		}
	}
	return nil
}

func (f *fakeTimers) List(ctx context.Context, instanceID string) ([]api.TimerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.TimerEntry
	for _, e := range f.entries {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeTimers) forInstance(instanceID string, kind api.TimerKind) []api.TimerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.TimerEntry
	for _, e := range f.entries {
		if e.InstanceID == instanceID && e.Kind == kind {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return api.TimerLess(out[i], out[j]) })
	return out
}

// fakeTasks records submitted tasks instead of running them.
type fakeTasks struct {
	mu        sync.Mutex
	submitted []api.DispatchedTask
	cancelled []string
}

func (f *fakeTasks) Offer(task api.DispatchedTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, task)
}

func (f *fakeTasks) CancelInstance(instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, instanceID)
}

func (f *fakeTasks) forInstance(instanceID string) []api.DispatchedTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.DispatchedTask
	for _, t := range f.submitted {
		if t.InstanceID == instanceID {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeTasks) forNode(instanceID, nodeID string) []api.DispatchedTask {
	var out []api.DispatchedTask
	for _, t := range f.forInstance(instanceID) {
		if t.NodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

type testEngine struct {
	*Engine
	store  persistence.InstanceStore
	timers *fakeTimers
	tasks  *fakeTasks
	clock  *clockwork.FakeClock
}

func newTestEngine(t *testing.T, opts ...func(*Config)) *testEngine {
	t.Helper()
	return newTestEngineWithStore(t, persistence.NewInMemoryStore(), opts...)
}

func newTestEngineWithStore(t *testing.T, store persistence.InstanceStore, opts ...func(*Config)) *testEngine {
	t.Helper()

	te := &testEngine{
		store:  store,
		timers: newFakeTimers(),
		tasks:  &fakeTasks{},
		clock:  clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)),
	}
	cfg := Config{
		Instances:       store,
		Timers:          te.timers,
		Tasks:           te.tasks,
		Clock:           te.clock,
		ConflictBackoff: time.Microsecond,
	}
	for _, o := range opts {
		o(&cfg)
	}

	eng, err := New(cfg)
	require.NoError(t, err)
	te.Engine = eng
	return te
}

func (te *testEngine) status(t *testing.T, id string) *api.ProcessInstance {
	t.Helper()
	inst, err := te.Status(context.Background(), id)
	require.NoError(t, err)
	requireConsistent(t, inst)
	return inst
}

// completeNode completes the single task submitted for nodeID.
func (te *testEngine) completeNode(t *testing.T, instanceID, nodeID string, out map[string]any) {
	t.Helper()
	tasks := te.tasks.forNode(instanceID, nodeID)
	require.Len(t, tasks, 1, "tasks for %s", nodeID)
	require.NoError(t, te.CompleteTask(context.Background(), tasks[0].Ref(), out))
}

// requireConsistent checks that an instance is terminal exactly when it
// holds no tokens.
func requireConsistent(t *testing.T, inst *api.ProcessInstance) {
	t.Helper()
	require.Equal(t, inst.Terminal(), len(inst.Tokens) == 0,
		"state %s with %d tokens", inst.State, len(inst.Tokens))
}

func nodes(ns ...api.Node) map[string]api.Node {
	m := make(map[string]api.Node, len(ns))
	for _, n := range ns {
		m[n.NodeID()] = n
	}
	return m
}

func start() *api.Event { return &api.Event{ID: "start", Kind: api.EventStart} }

func end(id string) *api.Event { return &api.Event{ID: id, Kind: api.EventEnd} }

func task(id string) *api.Task { return &api.Task{ID: id, Implementation: id} }

func flow(id, src, dst string) api.SequenceFlow {
	return api.SequenceFlow{ID: id, Source: src, Target: dst}
}

// linearDefinition is Start -> A -> End.
func linearDefinition(id string) *api.ProcessDefinition {
	return &api.ProcessDefinition{
		ID:    id,
		Start: "start",
		Nodes: nodes(start(), task("A"), end("end")),
		Flows: []api.SequenceFlow{
			flow("f1", "start", "A"),
			flow("f2", "A", "end"),
		},
	}
}
