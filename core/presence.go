package core

import "time"

// PresenceStatus is a user's activity state on a canvas.
type PresenceStatus string

const (
	PresenceActive PresenceStatus = "active"
	PresenceIdle   PresenceStatus = "idle"
	PresenceAway   PresenceStatus = "away"
)

// KnownPresenceStatuses lists the accepted presence states, used by validation.
var KnownPresenceStatuses = []PresenceStatus{PresenceActive, PresenceIdle, PresenceAway}

// PresenceEntry records one user's membership on a canvas. An entry past its
// TTL is treated as gone even if it has not been evicted yet.
type PresenceEntry struct {
	CanvasID      string         `json:"canvas_id"`
	UserID        string         `json:"user_id"`
	Status        PresenceStatus `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	TTL           time.Duration  `json:"-"`
}

// Expired reports whether the entry's heartbeat is older than its TTL at
// the given instant.
func (e *PresenceEntry) Expired(now time.Time) bool {
	return now.Sub(e.LastHeartbeat) > e.TTL
}
