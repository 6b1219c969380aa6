package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(client, limit, window)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisRateLimiterEnforcesLimit(t *testing.T) {
	l, _ := newLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "generic")
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i)
	}
	ok, err := l.Allow(ctx, "generic")
	require.NoError(t, err)
	assert.False(t, ok)

	// Keys are independent.
	ok, err = l.Allow(ctx, "modem-pool")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisRateLimiterWindowSlides(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	ok, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	ok, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisRateLimiterSetsExpiry(t *testing.T) {
	l, mr := newLimiter(t, 5, 10*time.Second)
	_, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, mr.Exists("ratelimit:k"))
	assert.Equal(t, 11*time.Second, mr.TTL("ratelimit:k"))
}

func TestRedisRateLimiterReportsRedisErrors(t *testing.T) {
	l, mr := newLimiter(t, 5, time.Minute)
	mr.SetError("LOADING redis is loading")
	_, err := l.Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestOpenInvalidURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-valid-url", 100, time.Minute)
	assert.Error(t, err)
}

func TestOpenPingsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := Open(context.Background(), "redis://"+mr.Addr(), 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestNoOpRateLimiter(t *testing.T) {
	var l RateLimiter = NoOpRateLimiter{}
	for i := 0; i < 10; i++ {
		ok, err := l.Allow(context.Background(), "any")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
