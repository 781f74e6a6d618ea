package dedup

import (
	"context"
	"sync"
	"time"
)

type claim struct {
	outcome   *Outcome
	claimedAt time.Time
}

// MemoryRegistry is the single-process dedup store.
type MemoryRegistry struct {
	mu     sync.Mutex
	claims map[string]*claim
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{
		claims: make(map[string]*claim),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (r *MemoryRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *MemoryRegistry) Claim(ctx context.Context, mutationID string) (bool, *Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.claims[mutationID]; ok {
		if now.Sub(existing.claimedAt) <= r.ttl {
			return false, existing.outcome, nil
		}
		// Expired claim: forget it and fall through to a fresh claim.
	}
	r.claims[mutationID] = &claim{claimedAt: now}
	return true, nil, nil
}

func (r *MemoryRegistry) Record(ctx context.Context, mutationID string, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.claims[mutationID]; ok {
		existing.outcome = &outcome
	}
	return nil
}

func (r *MemoryRegistry) Release(ctx context.Context, mutationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.claims, mutationID)
	return nil
}
