package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{NewError(KindConflict, "complete_task", "i1", "charge", errors.New("stale")), "conflict in complete_task (instance i1, node charge): stale"},
		{NewError(KindNotFound, "status", "i1", "", nil), "not_found in status (instance i1)"},
		{NewError(KindStructural, "", "", "g", ErrNoEnabledFlow), "structural (node g): no enabled outgoing flow"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.err.Error())
	}
}

func TestError_IsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(KindConflict, "correlate", "i1", "", errors.New("revision mismatch")))

	require.ErrorIs(t, err, ErrConflict)
	require.NotErrorIs(t, err, ErrUnavailable)
	require.Equal(t, KindConflict, KindOf(err))

	// The wrapped cause stays reachable.
	cause := errors.New("db down")
	err = NewError(KindUnavailable, "start", "", "", cause)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrUnavailable)

	// Kinds without a sentinel only match their cause.
	err = NewError(KindNotFound, "status", "i1", "", ErrInstanceNotFound)
	require.ErrorIs(t, err, ErrInstanceNotFound)
	require.NotErrorIs(t, err, ErrConflict)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, ErrorKind(""), KindOf(nil))
	require.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	require.Equal(t, KindTaskFailure, KindOf(NewError(KindTaskFailure, "", "", "", nil)))
}

func TestErrorInfoFrom(t *testing.T) {
	require.Nil(t, ErrorInfoFrom(nil, "a", KindTaskFailure))

	info := ErrorInfoFrom(errors.New("boom"), "a", KindTaskFailure)
	require.Equal(t, &ErrorInfo{Kind: KindTaskFailure, Message: "boom", NodeID: "a"}, info)

	info = ErrorInfoFrom(NewError(KindStructural, "advance", "", "g", ErrNoEnabledFlow), "g", KindTaskFailure)
	require.Equal(t, KindStructural, info.Kind)
	require.Equal(t, "g", info.NodeID)
}
