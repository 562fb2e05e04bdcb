package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWithinBurstIsImmediate(t *testing.T) {
	l := New(60, 3)

	for i := 0; i < 3; i++ {
		wait, err := l.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), wait, "acquire %d should not wait", i)
	}

	stats := l.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.Throttled)
}

func TestTryAcquireExhaustsBucket(t *testing.T) {
	l := New(60, 2)

	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire(), "third take from a burst-2 bucket must fail")

	stats := l.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.Throttled)
}

func TestAcquireWaitsForRefill(t *testing.T) {
	// 1200 rpm = 20 tokens/s = one token every 50ms.
	l := New(1200, 1)

	wait, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)

	start := time.Now()
	wait, err = l.Acquire(context.Background())
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Greater(t, wait, time.Duration(0), "second acquire must report a wait")
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Throttled)
	assert.Greater(t, stats.TotalWaitMS, int64(0))
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	// 1 rpm: the second token would take a minute.
	l := New(1, 1)

	_, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "cancelled acquire must return promptly")
}

func TestDisabledLimiterAlwaysAdmits(t *testing.T) {
	l := New(0, 0)
	assert.False(t, l.Enabled())

	for i := 0; i < 100; i++ {
		wait, err := l.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), wait)
		assert.True(t, l.TryAcquire())
	}

	stats := l.Stats()
	assert.False(t, stats.Enabled)
	assert.Equal(t, int64(200), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.Throttled)
}
