package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/pkg/api"
)

func TestDispatcher_RetriesThroughTimersThenFails(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	d, retries := newTestDispatcher(t, func(c *Config) { c.Clock = clock })

	var calls atomic.Int32
	d.Register("flaky", ExecutorFunc(func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("temporary failure")
	}))

	task := testTask("1", "flaky")
	task.Priority = 3
	task.Retry = api.RetryPolicy{MaxRetries: 2, Backoff: 10 * time.Millisecond, Multiplier: 2}
	require.NoError(t, d.Submit(context.Background(), task))

	wantDelays := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	for i, delay := range wantDelays {
		processOne(t, d)
		requireNoResult(t, d)
		require.Equal(t, i+1, retries.count())

		entry := retries.last(t)
		require.Equal(t, api.TimerRetry, entry.Kind)
		require.Equal(t, task.InstanceID, entry.InstanceID)
		require.Equal(t, task.TokenID, entry.TokenID)
		require.Equal(t, 3, entry.Priority)
		require.True(t, entry.FireAt.Equal(clock.Now().Add(delay)), "retry %d fires at %s", i+1, entry.FireAt)

		next, err := persistence.DecodeTask(entry.Payload)
		require.NoError(t, err)
		require.Equal(t, i+2, next.Attempt)
		require.Equal(t, task.ID, next.ID)

		clock.Advance(delay)
		require.NoError(t, d.Resubmit(context.Background(), entry))
	}

	processOne(t, d)
	r := nextResult(t, d)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, 3, r.Task.Attempt)
	require.Equal(t, api.KindTaskFailure, api.KindOf(r.Err))
	require.ErrorContains(t, r.Err, "temporary failure")
	require.Equal(t, 2, retries.count())
}

func TestDispatcher_RetrySucceeds(t *testing.T) {
	d, retries := newTestDispatcher(t)

	var calls atomic.Int32
	d.Register("flaky", ExecutorFunc(func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		if calls.Add(1) < 2 {
			return nil, errors.New("temporary failure")
		}
		return map[string]any{"ok": true}, nil
	}))

	task := testTask("1", "flaky")
	task.Retry = api.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}
	require.NoError(t, d.Submit(context.Background(), task))

	processOne(t, d)
	require.NoError(t, d.Resubmit(context.Background(), retries.last(t)))
	processOne(t, d)

	r := nextResult(t, d)
	require.NoError(t, r.Err)
	require.Equal(t, 2, r.Task.Attempt)
	require.Equal(t, map[string]any{"ok": true}, r.Output)
}

func TestDispatcher_RetryScheduleFailureIsFinal(t *testing.T) {
	d, retries := newTestDispatcher(t)
	retries.err = errors.New("timer store down")
	d.Register("flaky", ExecutorFunc(func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return nil, errors.New("temporary failure")
	}))

	task := testTask("1", "flaky")
	task.Retry = api.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}
	require.NoError(t, d.Submit(context.Background(), task))
	processOne(t, d)

	r := nextResult(t, d)
	require.ErrorContains(t, r.Err, "timer store down")
	require.ErrorContains(t, r.Err, "temporary failure")
}

func TestDispatcher_ResubmitSkipsCancelledInstance(t *testing.T) {
	d, _ := newTestDispatcher(t)

	task := testTask("1", "flaky")
	task.Attempt = 2
	payload, err := persistence.EncodeTask(task)
	require.NoError(t, err)

	d.CancelInstance(task.InstanceID)
	require.NoError(t, d.Resubmit(context.Background(), api.TimerEntry{ID: "t1", Kind: api.TimerRetry, Payload: payload}))
	require.Zero(t, d.queue.Len())
}

func TestDispatcher_ResubmitRejectsBadPayload(t *testing.T) {
	d, _ := newTestDispatcher(t)
	err := d.Resubmit(context.Background(), api.TimerEntry{ID: "t1", Kind: api.TimerRetry, Payload: []byte("garbage")})
	require.Error(t, err)
}
