package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/tokenflow/pkg/api"
)

func TestEncodeTask_RoundTrip(t *testing.T) {
	in := api.DispatchedTask{
		ID:             "task-1",
		InstanceID:     "i-1",
		NodeID:         "charge",
		TokenID:        "tok-1",
		Implementation: "charge-card",
		Payload: map[string]any{
			"amount":   250,
			"currency": "EUR",
			"items":    []any{"a", 2},
			"meta":     map[string]string{"source": "web"},
			"at":       epoch,
		},
		Attempt:  3,
		Timeout:  5 * time.Second,
		Deadline: epoch.Add(time.Minute),
		Priority: 7,
		Retry:    api.RetryPolicy{MaxRetries: 4, Backoff: time.Second, Multiplier: 1.5, MaxBackoff: time.Minute, Jitter: 0.2},
		Status:   api.TaskRunning,
	}

	data, err := EncodeTask(in)
	require.NoError(t, err)

	out, err := DecodeTask(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeValue_EmptyIsZero(t *testing.T) {
	got, err := DecodeValue[api.TimerEntry](nil)
	require.NoError(t, err)
	require.Equal(t, api.TimerEntry{}, got)

	data, err := EncodeValue(nil)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestDecodeValue_Garbage(t *testing.T) {
	_, err := DecodeTask([]byte("not gob"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "gob decode")
}

func TestEncodeBody_EmptyVariables(t *testing.T) {
	data, err := encodeBody(&api.ProcessInstance{Tokens: []api.Token{{ID: "t1"}}})
	require.NoError(t, err)

	var inst api.ProcessInstance
	require.NoError(t, decodeBody(data, &inst))
	require.NotNil(t, inst.Variables)
	require.Empty(t, inst.Variables)
	require.Equal(t, []api.Token{{ID: "t1"}}, inst.Tokens)
}
