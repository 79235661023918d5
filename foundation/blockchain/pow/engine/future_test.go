package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := newFuture()
	require.False(t, f.isResolved())

	require.True(t, f.resolve(json.RawMessage(`"first"`)))
	require.False(t, f.resolve(json.RawMessage(`"second"`)))
	require.True(t, f.isResolved())

	answer, err := f.wait(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `"first"`, string(answer))
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := newFuture()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.isResolved())
}

func TestIsNull(t *testing.T) {
	require.True(t, isNull(nil))
	require.True(t, isNull(json.RawMessage("null")))
	require.False(t, isNull(json.RawMessage(`"ready"`)))
}
