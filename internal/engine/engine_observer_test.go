package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/tokenflow/internal/persistence"
	"github.com/petrijr/tokenflow/pkg/api"
)

func TestObserversSeeLifecycle(t *testing.T) {
	ctx := context.Background()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	metrics := &api.BasicMetrics{}
	events := persistence.NewInMemoryEventStore()

	te := newTestEngine(t, func(c *Config) {
		c.Observer = api.NewCompositeObserver(
			metrics,
			api.NewLoggingObserver(logger),
			api.NewHistoryObserver(events, logger),
		)
	})
	require.NoError(t, te.Register(linearDefinition("linear")))
	require.NoError(t, te.Register(timerDefinition(time.Second)))

	done, err := te.Start(ctx, "linear", nil, "")
	require.NoError(t, err)
	te.completeNode(t, done, "A", nil)

	failed, err := te.Start(ctx, "linear", nil, "")
	require.NoError(t, err)
	require.NoError(t, te.FailTask(ctx, te.tasks.forInstance(failed)[0].Ref(), errors.New("boom")))

	waiting, err := te.Start(ctx, "delayed", nil, "")
	require.NoError(t, err)
	require.NoError(t, te.FireTimer(ctx, te.timers.forInstance(waiting, api.TimerWait)[0]))

	snap := metrics.Snapshot()
	require.Equal(t, int64(3), snap.InstancesStarted)
	require.Equal(t, int64(2), snap.InstancesCompleted)
	require.Equal(t, int64(1), snap.InstancesTerminated)
	require.Equal(t, int64(0), snap.RunningInstances)
	require.Equal(t, int64(1), snap.TimersFired)
	require.Positive(t, snap.NodesEntered)

	out := buf.String()
	require.Contains(t, out, "instance_start")
	require.Contains(t, out, "instance_completed")
	require.Contains(t, out, "instance_terminated")
	require.Contains(t, out, "timer_fired")

	history, err := events.ListEvents(ctx, done)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.Equal(t, api.HistoryInstanceStarted, history[0].Type)
	require.Equal(t, api.HistoryInstanceCompleted, history[len(history)-1].Type)
}

func TestAbortIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	te := newTestEngine(t, func(c *Config) { c.Logger = logger })
	require.NoError(t, te.Register(noMatchDefinition(false)))

	id, err := te.Start(context.Background(), "nomatch", nil, "")
	require.Error(t, err)

	out := buf.String()
	require.Contains(t, out, `"msg":"instance_aborted"`)
	require.Contains(t, out, `"instance_id":"`+id+`"`)
	require.Contains(t, out, `"node_id":"gw"`)
	require.Contains(t, out, `"definition_id":"nomatch"`)
}
