package ugerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_UnwrapsThroughWrappers(t *testing.T) {
	base := New(KindStale, "consistency", "ms reports newer version")
	wrapped := fmt.Errorf("getattr: %w", base)

	require.Equal(t, KindStale, KindOf(wrapped))
	require.True(t, IsStale(wrapped))
	require.True(t, errors.Is(wrapped, &Error{Kind: KindStale}))
}

func TestWrap_NilIsNil(t *testing.T) {
	require.Nil(t, Wrap(KindLocalIO, "block", nil))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(New(KindRemoteIO, "readpath", "gateway down")))
	require.True(t, Retryable(New(KindTimeout, "readpath", "deadline")))
	require.False(t, Retryable(New(KindProtocol, "readpath", "bad request")))
	require.False(t, Retryable(New(KindNotFound, "readpath", "missing")))
}

func TestFromHTTPStatus(t *testing.T) {
	require.Equal(t, KindProtocol, FromHTTPStatus(404))
	require.Equal(t, KindProtocol, FromHTTPStatus(400))
	require.Equal(t, KindRemoteIO, FromHTTPStatus(500))
	require.Equal(t, KindRemoteIO, FromHTTPStatus(503))
	require.Equal(t, KindUnknown, FromHTTPStatus(200))
}
