package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterBetween(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitterBetween(10*time.Millisecond, 20*time.Millisecond, true)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 20*time.Millisecond)
	}
	assert.Equal(t, 5*time.Millisecond, jitterBetween(5*time.Millisecond, 50*time.Millisecond, false))
	assert.Equal(t, 5*time.Millisecond, jitterBetween(5*time.Millisecond, time.Millisecond, true))
}

func TestSimpleRateLimiter_Wait(t *testing.T) {
	r := NewSimpleRateLimiter(30*time.Millisecond, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.Wait(ctx))
	start := time.Now()
	require.NoError(t, r.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestSimpleRateLimiter_ContextCancelled(t *testing.T) {
	r := NewSimpleRateLimiter(time.Hour, time.Hour)
	require.NoError(t, r.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}

func TestHostRateLimiter_HostsAreIndependent(t *testing.T) {
	h := NewHostRateLimiter(HostOptions{RequestsPerSecond: 0.1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, h.Wait(ctx, "a.example"))

	start := time.Now()
	require.NoError(t, h.Wait(ctx, "b.example"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, h.Wait(blocked, "www.a.example"))

	assert.Equal(t, 2, h.Hosts())
}

func TestHostRateLimiter_Unlimited(t *testing.T) {
	h := NewHostRateLimiter(HostOptions{})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, h.Wait(ctx, "shop.example"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
