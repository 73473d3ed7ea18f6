package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/tokenflow/pkg/api"
)

// fakeRetries records scheduled retry timers.
type fakeRetries struct {
	mu      sync.Mutex
	entries []api.TimerEntry
	err     error
}

func (f *fakeRetries) Schedule(ctx context.Context, e api.TimerEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	e.ID = "retry-" + string(rune('0'+len(f.entries)))
	f.entries = append(f.entries, e)
	return e.ID, nil
}

func (f *fakeRetries) last(t *testing.T) api.TimerEntry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.entries)
	return f.entries[len(f.entries)-1]
}

func (f *fakeRetries) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func newTestDispatcher(t *testing.T, opts ...func(*Config)) (*Dispatcher, *fakeRetries) {
	t.Helper()

	retries := &fakeRetries{}
	cfg := Config{
		Retries: retries,
		Workers: 1,
		Rand:    func() float64 { return 0 },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d, retries
}

func testTask(id, impl string) api.DispatchedTask {
	return api.DispatchedTask{
		ID:             id,
		InstanceID:     "inst-" + id,
		NodeID:         "A",
		TokenID:        "tok-" + id,
		Implementation: impl,
		Payload:        map[string]any{"amount": 21},
	}
}

func processOne(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.ProcessOne(ctx))
}

func nextResult(t *testing.T, d *Dispatcher) api.TaskResult {
	t.Helper()
	select {
	case r := <-d.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a task result")
		return api.TaskResult{}
	}
}

func requireNoResult(t *testing.T, d *Dispatcher) {
	t.Helper()
	select {
	case r := <-d.Results():
		t.Fatalf("unexpected result for task %s: %v", r.Task.ID, r.Err)
	default:
	}
}

func double(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return map[string]any{"doubled": payload["amount"].(int) * 2}, nil
}
