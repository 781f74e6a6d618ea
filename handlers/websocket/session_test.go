package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("conn-1", "10.0.0.1:40000")
	assert.Equal(t, StateUnauthenticated, s.State())

	s.BeginAuthenticating()
	assert.Equal(t, StateAuthenticating, s.State())

	s.SetAuthenticated("alice")
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "alice", s.UserID())

	require.NoError(t, s.EnterRoom("canvas-1"))
	assert.Equal(t, StateInRoom, s.State())
	assert.True(t, s.InRoom("canvas-1"))

	s.LeaveRoom("canvas-1")
	assert.Equal(t, StateAuthenticated, s.State())
	assert.False(t, s.InRoom("canvas-1"))

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, s.Rooms())
}

func TestSessionCannotEnterRoomUnauthenticated(t *testing.T) {
	s := NewSession("conn-1", "10.0.0.1:40000")
	assert.Error(t, s.EnterRoom("canvas-1"))
}

func TestSessionStaysInRoomWhileOthersRemain(t *testing.T) {
	s := NewSession("conn-1", "10.0.0.1:40000")
	s.SetAuthenticated("alice")
	require.NoError(t, s.EnterRoom("canvas-1"))
	require.NoError(t, s.EnterRoom("canvas-2"))

	s.LeaveRoom("canvas-1")
	assert.Equal(t, StateInRoom, s.State())
	assert.True(t, s.InRoom("canvas-2"))
}

func TestSessionLaterCredentialReplacesIdentity(t *testing.T) {
	s := NewSession("conn-1", "10.0.0.1:40000")
	s.SetAuthenticated("alice")
	require.NoError(t, s.EnterRoom("canvas-1"))

	s.SetAuthenticated("bob")
	assert.Equal(t, "bob", s.UserID())
	assert.Equal(t, StateInRoom, s.State())
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()
	s := NewSession("conn-1", "10.0.0.1:40000")

	r.Add(s)
	got, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Same(t, s, got)

	r.Remove("conn-1")
	_, ok = r.Get("conn-1")
	assert.False(t, ok)
}

func TestRoomIndexCounts(t *testing.T) {
	idx := NewRoomIndex()
	idx.Add("canvas-1", "conn-1", "alice")
	idx.Add("canvas-1", "conn-2", "bob")
	idx.Add("canvas-2", "conn-2", "bob")

	counts := idx.Counts()
	assert.Equal(t, 2, counts["canvas-1"])
	assert.Equal(t, 1, counts["canvas-2"])

	idx.Remove("canvas-1", "conn-1")
	counts = idx.Counts()
	assert.Equal(t, 1, counts["canvas-1"])
}

func TestRoomIndexUserPresentAcrossConnections(t *testing.T) {
	idx := NewRoomIndex()
	idx.Add("canvas-1", "conn-1", "alice")
	idx.Add("canvas-1", "conn-2", "alice")

	// One tab closes; alice is still in the room through the other one,
	// so her presence must not be cleared yet.
	idx.RemoveConn("conn-1")
	assert.True(t, idx.UserPresent("canvas-1", "alice"))

	idx.RemoveConn("conn-2")
	assert.False(t, idx.UserPresent("canvas-1", "alice"))
	assert.False(t, idx.UserPresent("canvas-1", "bob"))
}

func TestRoomIndexRemoveConn(t *testing.T) {
	idx := NewRoomIndex()
	idx.Add("canvas-1", "conn-1", "alice")
	idx.Add("canvas-2", "conn-1", "alice")
	idx.Add("canvas-2", "conn-2", "bob")

	left := idx.RemoveConn("conn-1")
	assert.ElementsMatch(t, []string{"canvas-1", "canvas-2"}, left)

	counts := idx.Counts()
	_, exists := counts["canvas-1"]
	assert.False(t, exists, "empty rooms are dropped")
	assert.Equal(t, 1, counts["canvas-2"])
}
