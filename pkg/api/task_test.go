package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay(t *testing.T) {
	cases := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		rnd     float64
		want    time.Duration
	}{
		{"no backoff", RetryPolicy{MaxRetries: 3}, 1, 0, 0},
		{"first retry", RetryPolicy{Backoff: 100 * time.Millisecond}, 1, 0, 100 * time.Millisecond},
		{"default multiplier", RetryPolicy{Backoff: 100 * time.Millisecond}, 3, 0, 400 * time.Millisecond},
		{"constant", RetryPolicy{Backoff: 100 * time.Millisecond, Multiplier: 1}, 5, 0, 100 * time.Millisecond},
		{"custom multiplier", RetryPolicy{Backoff: time.Second, Multiplier: 3}, 2, 0, 3 * time.Second},
		{"capped", RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}, 3, 0, 250 * time.Millisecond},
		{"jitter", RetryPolicy{Backoff: 100 * time.Millisecond, Jitter: 0.5}, 1, 0.5, 125 * time.Millisecond},
		{"attempt below one", RetryPolicy{Backoff: 100 * time.Millisecond}, 0, 0, 100 * time.Millisecond},
		{"overflow", RetryPolicy{Backoff: time.Hour, Multiplier: 10}, 30, 0, time.Duration(1<<63 - 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.policy.Delay(tc.attempt, tc.rnd))
		})
	}
}

func TestDispatchedTask_Ref(t *testing.T) {
	task := DispatchedTask{ID: "t1", InstanceID: "i1", NodeID: "charge", Attempt: 2}
	require.Equal(t, TaskRef{InstanceID: "i1", TaskID: "t1", NodeID: "charge"}, task.Ref())
}
