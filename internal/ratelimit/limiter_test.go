package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestAllowBucketDrainsToZero(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.AllowBucket(ctx, "burst", 3, 0)
		require.NoError(t, err)
		require.True(t, allowed, "token %d should be granted", i+1)
	}
	allowed, tokens, err := l.AllowBucket(ctx, "burst", 3, 0)
	require.NoError(t, err)
	require.False(t, allowed, "empty bucket must deny")
	require.Zero(t, tokens)
}

func TestAllowBucketRefills(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	allowed, _, err := l.AllowBucket(ctx, "refill", 1, 50)
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, err = l.AllowBucket(ctx, "refill", 1, 50)
	require.NoError(t, err)
	require.False(t, allowed)

	// 50 tokens/second restores the single-token bucket within 20ms.
	time.Sleep(50 * time.Millisecond)
	allowed, _, err = l.AllowBucket(ctx, "refill", 1, 50)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAllowBucketDisabled(t *testing.T) {
	l := newTestLimiter(t)
	allowed, _, err := l.AllowBucket(context.Background(), "off", 0, 1)
	require.NoError(t, err)
	require.True(t, allowed, "non-positive capacity disables the bucket")
}

func TestAllowWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := l.AllowWindow(ctx, "minute", 2, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, err := l.AllowWindow(ctx, "minute", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed, "third request exceeds the window limit")

	// Separate keys count independently.
	allowed, err = l.AllowWindow(ctx, "hour", 2, time.Hour)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAllowWindowDisabled(t *testing.T) {
	l := newTestLimiter(t)
	allowed, err := l.AllowWindow(context.Background(), "off", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed, "non-positive limit disables the window")
}
