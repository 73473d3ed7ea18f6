package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/tokenflow/pkg/api"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newInstance(id, definitionID string, state api.State, key string) *api.ProcessInstance {
	return &api.ProcessInstance{
		ID:                id,
		DefinitionID:      definitionID,
		DefinitionVersion: 1,
		State:             state,
		CorrelationKey:    key,
		CreatedAt:         epoch,
		UpdatedAt:         epoch,
		Variables:         map[string]any{},
	}
}

func instanceIDs(insts []*api.ProcessInstance) []string {
	ids := make([]string, 0, len(insts))
	for _, inst := range insts {
		ids = append(ids, inst.ID)
	}
	return ids
}

func timerIDs(entries []api.TimerEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// runInstanceStoreContract checks the behaviour every InstanceStore shares.
// newStore must return an empty store.
func runInstanceStoreContract(t *testing.T, newStore func(t *testing.T) InstanceStore) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inst := newInstance("i-001", "order", api.StateActive, "order-1")
		inst.Variables = map[string]any{"amount": 250, "tags": []string{"a", "b"}, "nested": map[string]any{"ok": true}}
		inst.Tokens = []api.Token{{ID: "t1", NodeID: "charge", ArrivedAt: epoch, Status: api.TokenTask, WaitRef: "task-1"}}
		require.NoError(t, s.CreateInstance(ctx, inst))
		require.EqualValues(t, 1, inst.Revision)

		got, err := s.GetInstance(ctx, "i-001")
		require.NoError(t, err)
		require.Equal(t, "order", got.DefinitionID)
		require.Equal(t, 1, got.DefinitionVersion)
		require.Equal(t, api.StateActive, got.State)
		require.Equal(t, "order-1", got.CorrelationKey)
		require.EqualValues(t, 1, got.Revision)
		require.Equal(t, inst.Variables, got.Variables)
		require.Equal(t, inst.Tokens, got.Tokens)
		require.True(t, got.CreatedAt.Equal(epoch))
		require.Nil(t, got.Error)

		// The returned value is not shared with the store.
		got.Variables["amount"] = 1
		again, err := s.GetInstance(ctx, "i-001")
		require.NoError(t, err)
		require.Equal(t, 250, again.Variables["amount"])
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateInstance(ctx, newInstance("i-001", "order", api.StateActive, "")))
		err := s.CreateInstance(ctx, newInstance("i-001", "order", api.StateActive, ""))
		require.ErrorIs(t, err, ErrInstanceExists)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetInstance(context.Background(), "nope")
		require.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateInstance(ctx, newInstance("i-001", "order", api.StateActive, "")))

		a, err := s.GetInstance(ctx, "i-001")
		require.NoError(t, err)
		stale, err := s.GetInstance(ctx, "i-001")
		require.NoError(t, err)

		a.State = api.StateWaiting
		a.Variables["approved"] = true
		a.PendingError = &api.ErrorInfo{Kind: api.KindTaskFailure, Message: "boom", NodeID: "charge"}
		require.NoError(t, s.CompareAndSwap(ctx, a))
		require.EqualValues(t, 2, a.Revision)

		stale.State = api.StateTerminated
		require.ErrorIs(t, s.CompareAndSwap(ctx, stale), ErrRevisionMismatch)

		got, err := s.GetInstance(ctx, "i-001")
		require.NoError(t, err)
		require.EqualValues(t, 2, got.Revision)
		require.Equal(t, api.StateWaiting, got.State)
		require.Equal(t, true, got.Variables["approved"])
		require.Equal(t, a.PendingError, got.PendingError)
		require.Nil(t, got.Error)

		missing := newInstance("i-404", "order", api.StateActive, "")
		missing.Revision = 1
		require.ErrorIs(t, s.CompareAndSwap(ctx, missing), ErrInstanceNotFound)
	})

	t.Run("exclusive key is released on terminal state", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := newInstance("i-001", "approval", api.StateWaiting, "order-7")
		first.ExclusiveKey = "approval/order-7"
		require.NoError(t, s.CreateInstance(ctx, first))

		second := newInstance("i-002", "approval", api.StateWaiting, "order-7")
		second.ExclusiveKey = "approval/order-7"
		require.ErrorIs(t, s.CreateInstance(ctx, second), ErrKeyClaimed)
		_, err := s.GetInstance(ctx, "i-002")
		require.ErrorIs(t, err, ErrInstanceNotFound)

		// A non-terminal update keeps the claim.
		first.Variables["seen"] = true
		require.NoError(t, s.CompareAndSwap(ctx, first))
		require.ErrorIs(t, s.CreateInstance(ctx, second), ErrKeyClaimed)

		first.State = api.StateCompleted
		require.NoError(t, s.CompareAndSwap(ctx, first))
		require.NoError(t, s.CreateInstance(ctx, second))
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, inst := range []*api.ProcessInstance{
			newInstance("i-003", "refund", api.StateActive, ""),
			newInstance("i-001", "order", api.StateActive, "c1"),
			newInstance("i-002", "order", api.StateWaiting, "c2"),
		} {
			require.NoError(t, s.CreateInstance(ctx, inst))
		}

		cases := []struct {
			filter InstanceFilter
			want   []string
		}{
			{InstanceFilter{}, []string{"i-001", "i-002", "i-003"}},
			{InstanceFilter{DefinitionID: "order"}, []string{"i-001", "i-002"}},
			{InstanceFilter{State: api.StateActive}, []string{"i-001", "i-003"}},
			{InstanceFilter{CorrelationKey: "c2"}, []string{"i-002"}},
			{InstanceFilter{DefinitionID: "order", State: api.StateActive}, []string{"i-001"}},
			{InstanceFilter{DefinitionID: "order", CorrelationKey: "c1"}, []string{"i-001"}},
			{InstanceFilter{DefinitionID: "missing"}, []string{}},
		}
		for _, tc := range cases {
			got, err := s.ListInstances(ctx, tc.filter)
			require.NoError(t, err)
			require.Equal(t, tc.want, instanceIDs(got), "%+v", tc.filter)
		}
	})

	t.Run("find by correlation key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, inst := range []*api.ProcessInstance{
			newInstance("i-002", "order", api.StateActive, "c"),
			newInstance("i-001", "order", api.StateWaiting, "c"),
			newInstance("i-003", "order", api.StateCompleted, "c"),
			newInstance("i-004", "order", api.StateWaiting, "other"),
		} {
			require.NoError(t, s.CreateInstance(ctx, inst))
		}

		got, err := s.FindByCorrelationKey(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, []string{"i-001", "i-002"}, instanceIDs(got))

		got, err = s.FindByCorrelationKey(ctx, "none")
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func contractTimers() []api.TimerEntry {
	return []api.TimerEntry{
		{
			ID: "tm-1", InstanceID: "i-1", NodeID: "nap", TokenID: "tok-1", Kind: api.TimerWait,
			FireAt: epoch.Add(time.Second), Calendar: "maintenance", OverrideBlackout: true,
			Retries: 2, Payload: []byte("payload"),
		},
		{ID: "tm-2", InstanceID: "i-1", NodeID: "charge", Kind: api.TimerSLA, FireAt: epoch.Add(time.Second), Priority: 5, Shard: 1},
		{ID: "tm-3", InstanceID: "i-2", NodeID: "nap", Kind: api.TimerWait, FireAt: epoch.Add(2 * time.Second)},
		{ID: "tm-4", InstanceID: "i-2", NodeID: "charge", Kind: api.TimerRetry, FireAt: epoch.Add(10 * time.Second), Shard: 1},
	}
}

// runTimerStoreContract checks the behaviour every TimerStore shares.
func runTimerStoreContract(t *testing.T, newStore func(t *testing.T) TimerStore) {
	seed := func(t *testing.T) TimerStore {
		s := newStore(t)
		for _, e := range contractTimers() {
			require.NoError(t, s.InsertTimer(context.Background(), e))
		}
		return s
	}

	t.Run("due timers", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()

		cases := []struct {
			name   string
			until  time.Time
			shards []int
			limit  int
			want   []string
		}{
			{"ordered by time then priority", epoch.Add(2 * time.Second), nil, 0, []string{"tm-2", "tm-1", "tm-3"}},
			{"limit", epoch.Add(2 * time.Second), nil, 2, []string{"tm-2", "tm-1"}},
			{"shard filter", epoch.Add(time.Minute), []int{0}, 0, []string{"tm-1", "tm-3"}},
			{"other shard", epoch.Add(time.Minute), []int{1}, 0, []string{"tm-2", "tm-4"}},
			{"no shards owned", epoch.Add(time.Minute), []int{}, 0, []string{}},
			{"nothing due", epoch, nil, 0, []string{}},
		}
		for _, tc := range cases {
			got, err := s.DueTimers(ctx, tc.until, tc.shards, tc.limit)
			require.NoError(t, err, tc.name)
			require.Equal(t, tc.want, timerIDs(got), tc.name)
		}
	})

	t.Run("round trips entries", func(t *testing.T) {
		s := seed(t)

		got, err := s.ListInstanceTimers(context.Background(), "i-1")
		require.NoError(t, err)
		require.Equal(t, []string{"tm-2", "tm-1"}, timerIDs(got))

		want := contractTimers()[0]
		e := got[1]
		require.True(t, e.FireAt.Equal(want.FireAt), "fire at %s", e.FireAt)
		e.FireAt, want.FireAt = time.Time{}, time.Time{}
		require.Equal(t, want, e)
	})

	t.Run("delete claims once", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()

		ok, err := s.DeleteTimer(ctx, "tm-1")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.DeleteTimer(ctx, "tm-1")
		require.NoError(t, err)
		require.False(t, ok)

		got, err := s.ListInstanceTimers(ctx, "i-1")
		require.NoError(t, err)
		require.Equal(t, []string{"tm-2"}, timerIDs(got))
	})

	t.Run("reschedule", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()

		require.NoError(t, s.RescheduleTimer(ctx, "tm-4", epoch))
		got, err := s.DueTimers(ctx, epoch, nil, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"tm-4"}, timerIDs(got))
		require.True(t, got[0].FireAt.Equal(epoch))
		require.Equal(t, api.TimerRetry, got[0].Kind)

		require.ErrorIs(t, s.RescheduleTimer(ctx, "missing", epoch), ErrTimerNotFound)
	})

	t.Run("delete instance timers", func(t *testing.T) {
		s := seed(t)
		ctx := context.Background()

		ids, err := s.DeleteInstanceTimers(ctx, "i-2")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"tm-3", "tm-4"}, ids)

		got, err := s.ListInstanceTimers(ctx, "i-2")
		require.NoError(t, err)
		require.Empty(t, got)

		ok, err := s.DeleteTimer(ctx, "tm-3")
		require.NoError(t, err)
		require.False(t, ok)

		ids, err = s.DeleteInstanceTimers(ctx, "i-2")
		require.NoError(t, err)
		require.Empty(t, ids)

		got, err = s.DueTimers(ctx, epoch.Add(time.Minute), nil, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"tm-2", "tm-1"}, timerIDs(got))
	})
}

// runLockContract checks the behaviour every LockProvider shares. expire
// must let a lease of ttl run out.
func runLockContract(t *testing.T, ttl time.Duration, newLocks func(t *testing.T) (LockProvider, func())) {
	t.Run("acquire is exclusive and re-entrant", func(t *testing.T) {
		l, _ := newLocks(t)
		ctx := context.Background()

		ok, err := l.TryAcquire(ctx, "shard-0", "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = l.TryAcquire(ctx, "shard-0", "b", ttl)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = l.TryAcquire(ctx, "shard-0", "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = l.TryAcquire(ctx, "shard-1", "b", ttl)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("renew", func(t *testing.T) {
		l, _ := newLocks(t)
		ctx := context.Background()

		ok, err := l.TryAcquire(ctx, "shard-0", "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, l.Renew(ctx, "shard-0", "a", ttl))
		require.ErrorIs(t, l.Renew(ctx, "shard-0", "b", ttl), ErrLockHeld)
		require.ErrorIs(t, l.Renew(ctx, "shard-9", "a", ttl), ErrLockHeld)
	})

	t.Run("release", func(t *testing.T) {
		l, _ := newLocks(t)
		ctx := context.Background()

		ok, err := l.TryAcquire(ctx, "shard-0", "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		// Releasing someone else's lease leaves it alone.
		require.NoError(t, l.Release(ctx, "shard-0", "b"))
		ok, err = l.TryAcquire(ctx, "shard-0", "b", ttl)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, l.Release(ctx, "shard-0", "a"))
		require.NoError(t, l.Release(ctx, "shard-0", "a"))

		ok, err = l.TryAcquire(ctx, "shard-0", "b", ttl)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("expiry", func(t *testing.T) {
		l, expire := newLocks(t)
		ctx := context.Background()

		ok, err := l.TryAcquire(ctx, "shard-0", "a", ttl)
		require.NoError(t, err)
		require.True(t, ok)

		expire()

		require.ErrorIs(t, l.Renew(ctx, "shard-0", "a", ttl), ErrLockHeld)
		ok, err = l.TryAcquire(ctx, "shard-0", "b", ttl)
		require.NoError(t, err)
		require.True(t, ok)
	})
}

// runEventStoreContract checks the behaviour every EventStore shares.
func runEventStoreContract(t *testing.T, s EventStore) {
	ctx := context.Background()
	events := []api.HistoryEvent{
		{InstanceID: "i-1", At: epoch, Type: api.HistoryInstanceStarted, DefinitionID: "order", DefinitionVersion: 2},
		{InstanceID: "i-2", At: epoch, Type: api.HistoryInstanceStarted, DefinitionID: "order", DefinitionVersion: 2},
		{InstanceID: "i-1", At: epoch.Add(time.Second), Type: api.HistoryNodeEntered, DefinitionID: "order", DefinitionVersion: 2, NodeID: "charge", Detail: "start->charge"},
		{InstanceID: "i-1", At: epoch.Add(2 * time.Second), Type: api.HistoryTaskFailed, NodeID: "charge", Detail: "card declined"},
	}
	for _, ev := range events {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	got, err := s.ListEvents(ctx, "i-1")
	require.NoError(t, err)
	require.Equal(t, []api.HistoryEvent{events[0], events[2], events[3]}, got)

	got, err = s.ListEvents(ctx, "i-404")
	require.NoError(t, err)
	require.Empty(t, got)
}
