package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBudgets() map[string]Budget {
	return map[string]Budget{
		"cursor_move": {Limit: 5, Window: 10 * time.Second},
		"":            {Limit: 3, Window: time.Minute},
	}
}

func TestMemoryLimiterExhaustsBudget(t *testing.T) {
	l := NewMemoryLimiter(testBudgets())
	base := time.Now()
	l.SetClock(func() time.Time { return base })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, retryAfter, err := l.Allow(ctx, "alice", "cursor_move")
		require.NoError(t, err)
		assert.True(t, allowed, "event %d should fit the budget", i+1)
		assert.Zero(t, retryAfter)
	}

	allowed, retryAfter, err := l.Allow(ctx, "alice", "cursor_move")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func TestMemoryLimiterRefillsOverTime(t *testing.T) {
	l := NewMemoryLimiter(testBudgets())
	base := time.Now()
	now := base
	l.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, _ := l.Allow(ctx, "alice", "cursor_move")
		require.True(t, allowed)
	}
	allowed, _, _ := l.Allow(ctx, "alice", "cursor_move")
	require.False(t, allowed)

	// 10s window / 5 tokens: two seconds refills one token.
	now = base.Add(2 * time.Second)
	allowed, _, _ = l.Allow(ctx, "alice", "cursor_move")
	assert.True(t, allowed)
	allowed, _, _ = l.Allow(ctx, "alice", "cursor_move")
	assert.False(t, allowed)
}

func TestMemoryLimiterBucketsAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(testBudgets())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, _ := l.Allow(ctx, "alice", "cursor_move")
		require.True(t, allowed)
	}
	blocked, _, _ := l.Allow(ctx, "alice", "cursor_move")
	require.False(t, blocked)

	// Same user, different event type.
	allowed, _, _ := l.Allow(ctx, "alice", "presence_update")
	assert.True(t, allowed)

	// Same event type, different user.
	allowed, _, _ = l.Allow(ctx, "bob", "cursor_move")
	assert.True(t, allowed)
}

func TestMemoryLimiterAnonymousAddrBudget(t *testing.T) {
	l := NewMemoryLimiter(testBudgets())
	ctx := context.Background()

	for i := 0; i < AnonymousBudget.Limit; i++ {
		allowed, _, err := l.AllowAddr(ctx, "10.0.0.9")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, retryAfter, err := l.AllowAddr(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func newRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, testBudgets()), mr
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, err := l.Allow(ctx, "alice", "cursor_move")
		require.NoError(t, err)
		assert.True(t, allowed, "event %d should fit the budget", i+1)
	}

	allowed, retryAfter, err := l.Allow(ctx, "alice", "cursor_move")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 10)
}

func TestRedisLimiterIndependentBuckets(t *testing.T) {
	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, err := l.Allow(ctx, "alice", "cursor_move")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	blocked, _, err := l.Allow(ctx, "alice", "cursor_move")
	require.NoError(t, err)
	require.False(t, blocked)

	allowed, _, err := l.Allow(ctx, "bob", "cursor_move")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLimiterFailsOpenWhenStorageDown(t *testing.T) {
	l, mr := newRedisLimiter(t)
	ctx := context.Background()
	mr.Close()

	allowed, retryAfter, err := l.Allow(ctx, "alice", "cursor_move")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)

	allowed, _, err = l.AllowAddr(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, allowed)
}
