package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/tokenflow/pkg/api"
)

func TestRedispatchResubmitsWaitingTasks(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.Register(forkJoinDefinition(2)))

	id, err := te.Start(ctx, "fork-join-2", map[string]any{"customer": "alice"}, "")
	require.NoError(t, err)
	original := te.tasks.forInstance(id)
	require.Len(t, original, 2)

	// A restarted process: same store, nothing submitted yet.
	restarted := newTestEngineWithStore(t, te.store)
	require.NoError(t, restarted.Register(forkJoinDefinition(2)))

	n, err := restarted.Redispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	again := restarted.tasks.forInstance(id)
	require.Len(t, again, 2)
	require.ElementsMatch(t,
		[]string{original[0].ID, original[1].ID},
		[]string{again[0].ID, again[1].ID},
	)
	require.Equal(t, "alice", again[0].Payload["customer"])

	for _, task := range again {
		require.NoError(t, restarted.CompleteTask(ctx, task.Ref(), nil))
	}
	require.Len(t, restarted.tasks.forNode(id, "after"), 1)

	// Reports for the original submission are now stale.
	require.NoError(t, te.CompleteTask(ctx, original[0].Ref(), nil))
	require.Len(t, restarted.tasks.forNode(id, "after"), 1)
}

func TestRedispatchLeavesPendingRetriesToTheirTimer(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.Register(forkJoinDefinition(2)))

	id, err := te.Start(ctx, "fork-join-2", nil, "")
	require.NoError(t, err)
	original := te.tasks.forInstance(id)
	require.Len(t, original, 2)

	// The first branch failed before the restart and waits for attempt 2.
	restarted := newTestEngineWithStore(t, te.store)
	require.NoError(t, restarted.Register(forkJoinDefinition(2)))
	_, err = restarted.timers.Schedule(ctx, api.TimerEntry{
		ID:         "retry-1",
		InstanceID: id,
		NodeID:     original[0].NodeID,
		TokenID:    original[0].TokenID,
		Kind:       api.TimerRetry,
		FireAt:     restarted.clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	n, err := restarted.Redispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again := restarted.tasks.forInstance(id)
	require.Len(t, again, 1)
	require.Equal(t, original[1].ID, again[0].ID)
	require.Equal(t, 1, again[0].Attempt)
}

func TestRedispatchSkipsUnknownDefinitions(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.Register(linearDefinition("linear")))

	_, err := te.Start(ctx, "linear", nil, "")
	require.NoError(t, err)

	restarted := newTestEngineWithStore(t, te.store)
	n, err := restarted.Redispatch(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRedispatchIgnoresFinishedInstances(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	require.NoError(t, te.Register(linearDefinition("linear")))

	id, err := te.Start(ctx, "linear", nil, "")
	require.NoError(t, err)
	te.completeNode(t, id, "A", nil)
	require.Equal(t, api.StateCompleted, te.status(t, id).State)

	n, err := te.Redispatch(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
