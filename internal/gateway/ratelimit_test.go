package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiterQuota(t *testing.T) {
	t.Parallel()
	l := NewMemoryRateLimiter(time.Minute, 4)
	ctx := context.Background()

	// Under half quota: plain allows.
	for i := 0; i < 2; i++ {
		v, err := l.Allow(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, v.Allowed)
		assert.False(t, v.SlowDown)
	}

	// Past half quota: allowed but slowed down.
	for i := 0; i < 2; i++ {
		v, err := l.Allow(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, v.Allowed)
		assert.True(t, v.SlowDown)
		assert.Positive(t, v.Delay)
	}

	// Past quota: denied with a retry hint.
	v, err := l.Allow(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Positive(t, v.RetryAfter)
}

func TestMemoryRateLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()
	l := NewMemoryRateLimiter(time.Minute, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "org-1")
	}
	v, err := l.Allow(ctx, "org-2")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestMemoryRateLimiterWindowResets(t *testing.T) {
	t.Parallel()
	l := NewMemoryRateLimiter(time.Minute, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = l.Allow(ctx, "org-1")
	v, _ := l.Allow(ctx, "org-1")
	assert.False(t, v.Allowed)

	now = now.Add(2 * time.Minute)
	v, _ = l.Allow(ctx, "org-1")
	assert.True(t, v.Allowed)
}

func TestSlowDownDelayIsCapped(t *testing.T) {
	t.Parallel()
	v := verdict(90, 100, time.Minute)
	assert.True(t, v.SlowDown)
	assert.LessOrEqual(t, v.Delay, maxSlowDown)
}
