// Package presence tracks which users are active on each canvas. Membership
// is an explicit per-canvas index rather than a key scan, so the same shape
// works on any backend.
package presence

import (
	"context"
	"time"

	"collabcanvas/core"
)

// DefaultTTL is how long a user stays listed without a heartbeat.
const DefaultTTL = 30 * time.Second

// Tracker maintains per-canvas presence with TTL expiry. ListActive never
// returns a user whose last heartbeat is older than the TTL.
type Tracker interface {
	Join(ctx context.Context, canvasID, userID string, status core.PresenceStatus) error
	Heartbeat(ctx context.Context, canvasID, userID string) error
	SetStatus(ctx context.Context, canvasID, userID string, status core.PresenceStatus) error
	Leave(ctx context.Context, canvasID, userID string) error
	ListActive(ctx context.Context, canvasID string) ([]*core.PresenceEntry, error)
}
