// Package dedup records applied mutation ids so a mutation retried over the
// realtime channel and the HTTP fallback applies exactly once. The first
// channel to land a mutation stores its outcome; later arrivals get the
// recorded outcome back instead of re-applying.
package dedup

import (
	"context"
	"time"
)

// DefaultTTL bounds how long an applied mutation id is remembered. Retries
// beyond this horizon are treated as new mutations.
const DefaultTTL = 10 * time.Minute

// Outcome is what the first successful application produced.
type Outcome struct {
	ObjectID string `json:"object_id,omitempty"`
	Version  int64  `json:"version,omitempty"`
}

// Registry is the mutation-id dedup store.
type Registry interface {
	// Claim atomically records a mutation id. It returns true when this
	// caller is the first to claim it. When false, the recorded outcome of
	// the original application is returned.
	Claim(ctx context.Context, mutationID string) (first bool, prior *Outcome, err error)
	// Record stores the outcome for a claimed mutation id.
	Record(ctx context.Context, mutationID string, outcome Outcome) error
	// Release forgets a claim whose application failed, so a retry can claim
	// it again.
	Release(ctx context.Context, mutationID string) error
}
