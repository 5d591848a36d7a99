package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Unlimited(t *testing.T) {
	r := New(0, 0)
	assert.True(t, r.Unlimited())

	start := time.Now()
	require.NoError(t, r.WaitN(context.Background(), 1_000_000))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiter_WaitNLargerThanBurst(t *testing.T) {
	r := New(1000, 100)

	// 100 tokens are available immediately, the remaining 150 take ~150ms.
	start := time.Now()
	require.NoError(t, r.WaitN(context.Background(), 250))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiter_Cancelled(t *testing.T) {
	r := New(1, 1)
	require.True(t, r.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, r.WaitN(ctx, 5))
}

func TestRateLimiter_SetLimit(t *testing.T) {
	r := New(10, 0)
	assert.False(t, r.Unlimited())

	r.SetLimit(0)
	assert.True(t, r.Unlimited())

	r.SetLimit(50)
	assert.False(t, r.Unlimited())
}
