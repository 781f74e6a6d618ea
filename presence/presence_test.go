package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/core"
)

func TestMemoryTrackerJoinAndList(t *testing.T) {
	tr := NewMemoryTracker(30 * time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "canvas-1", "bob", core.PresenceActive))
	require.NoError(t, tr.Join(ctx, "canvas-1", "alice", core.PresenceIdle))
	require.NoError(t, tr.Join(ctx, "canvas-2", "carol", core.PresenceActive))

	active, err := tr.ListActive(ctx, "canvas-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "alice", active[0].UserID)
	assert.Equal(t, "bob", active[1].UserID)
	assert.Equal(t, core.PresenceIdle, active[0].Status)
}

func TestMemoryTrackerExpiresWithoutHeartbeat(t *testing.T) {
	tr := NewMemoryTracker(30 * time.Second)
	base := time.Now()
	now := base
	tr.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "canvas-1", "alice", core.PresenceActive))
	require.NoError(t, tr.Join(ctx, "canvas-1", "bob", core.PresenceActive))

	// bob keeps heartbeating, alice goes quiet.
	now = base.Add(20 * time.Second)
	require.NoError(t, tr.Heartbeat(ctx, "canvas-1", "bob"))

	now = base.Add(35 * time.Second)
	active, err := tr.ListActive(ctx, "canvas-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "bob", active[0].UserID)
}

func TestMemoryTrackerHeartbeatRejoinsExpiredUser(t *testing.T) {
	tr := NewMemoryTracker(30 * time.Second)
	base := time.Now()
	now := base
	tr.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "canvas-1", "alice", core.PresenceAway))

	now = base.Add(time.Minute)
	_, err := tr.ListActive(ctx, "canvas-1")
	require.NoError(t, err)

	require.NoError(t, tr.Heartbeat(ctx, "canvas-1", "alice"))
	active, err := tr.ListActive(ctx, "canvas-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, core.PresenceActive, active[0].Status)
}

func TestMemoryTrackerLeaveRemovesUser(t *testing.T) {
	tr := NewMemoryTracker(30 * time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "canvas-1", "alice", core.PresenceActive))
	require.NoError(t, tr.Leave(ctx, "canvas-1", "alice"))

	active, err := tr.ListActive(ctx, "canvas-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryTrackerSetStatus(t *testing.T) {
	tr := NewMemoryTracker(30 * time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "canvas-1", "alice", core.PresenceActive))
	require.NoError(t, tr.SetStatus(ctx, "canvas-1", "alice", core.PresenceAway))

	active, err := tr.ListActive(ctx, "canvas-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, core.PresenceAway, active[0].Status)
}

func newRedisTracker(t *testing.T, ttl time.Duration) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTracker(client, ttl), mr
}

func TestRedisTrackerJoinAndList(t *testing.T) {
	tr, _ := newRedisTracker(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "canvas-1", "bob", core.PresenceActive))
	require.NoError(t, tr.Join(ctx, "canvas-1", "alice", core.PresenceIdle))

	active, err := tr.ListActive(ctx, "canvas-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "alice", active[0].UserID)
	assert.Equal(t, "bob", active[1].UserID)
}

func TestRedisTrackerEntryTTLEviction(t *testing.T) {
	tr, mr := newRedisTracker(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "canvas-1", "alice", core.PresenceActive))
	require.NoError(t, tr.Join(ctx, "canvas-1", "bob", core.PresenceActive))

	mr.FastForward(20 * time.Second)
	require.NoError(t, tr.Heartbeat(ctx, "canvas-1", "bob"))

	mr.FastForward(15 * time.Second)
	active, err := tr.ListActive(ctx, "canvas-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "bob", active[0].UserID)

	// The expired member is also pruned from the membership index.
	assert.False(t, mr.Exists("presence:entry:canvas-1:alice"))
}

func TestRedisTrackerLeave(t *testing.T) {
	tr, mr := newRedisTracker(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "canvas-1", "alice", core.PresenceActive))
	require.NoError(t, tr.Leave(ctx, "canvas-1", "alice"))

	active, err := tr.ListActive(ctx, "canvas-1")
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.False(t, mr.Exists("presence:entry:canvas-1:alice"))
}
