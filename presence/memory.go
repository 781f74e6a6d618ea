package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"collabcanvas/core"
)

// MemoryTracker keeps presence in a per-canvas map. Expired entries are
// pruned whenever the canvas is read.
type MemoryTracker struct {
	mu       sync.RWMutex
	canvases map[string]map[string]*core.PresenceEntry
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTracker{
		canvases: make(map[string]map[string]*core.PresenceEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (t *MemoryTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *MemoryTracker) Join(ctx context.Context, canvasID, userID string, status core.PresenceStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.canvases[canvasID]
	if !ok {
		members = make(map[string]*core.PresenceEntry)
		t.canvases[canvasID] = members
	}
	members[userID] = &core.PresenceEntry{
		CanvasID:      canvasID,
		UserID:        userID,
		Status:        status,
		LastHeartbeat: t.now(),
		TTL:           t.ttl,
	}
	return nil
}

func (t *MemoryTracker) Heartbeat(ctx context.Context, canvasID, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.canvases[canvasID][userID]; ok {
		entry.LastHeartbeat = t.now()
		return nil
	}
	// A heartbeat from an unlisted user re-joins it; the entry may simply
	// have expired between two heartbeats.
	members, ok := t.canvases[canvasID]
	if !ok {
		members = make(map[string]*core.PresenceEntry)
		t.canvases[canvasID] = members
	}
	members[userID] = &core.PresenceEntry{
		CanvasID:      canvasID,
		UserID:        userID,
		Status:        core.PresenceActive,
		LastHeartbeat: t.now(),
		TTL:           t.ttl,
	}
	return nil
}

func (t *MemoryTracker) SetStatus(ctx context.Context, canvasID, userID string, status core.PresenceStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.canvases[canvasID][userID]; ok {
		entry.Status = status
		entry.LastHeartbeat = t.now()
	}
	return nil
}

func (t *MemoryTracker) Leave(ctx context.Context, canvasID, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if members, ok := t.canvases[canvasID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(t.canvases, canvasID)
		}
	}
	return nil
}

func (t *MemoryTracker) ListActive(ctx context.Context, canvasID string) ([]*core.PresenceEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.canvases[canvasID]
	if !ok {
		return []*core.PresenceEntry{}, nil
	}

	now := t.now()
	active := make([]*core.PresenceEntry, 0, len(members))
	for userID, entry := range members {
		if entry.Expired(now) {
			delete(members, userID)
			continue
		}
		copied := *entry
		active = append(active, &copied)
	}
	if len(members) == 0 {
		delete(t.canvases, canvasID)
	}

	sort.Slice(active, func(i, j int) bool { return active[i].UserID < active[j].UserID })
	return active, nil
}
