package limiter

import (
	"context"
	"math"
	"sync"
	"time"
)

// tokenBucket refills continuously at limit/window tokens per second.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryLimiter is a token-bucket limiter for single-process deployments.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	budgets map[string]Budget
	now     func() time.Time
}

func NewMemoryLimiter(budgets map[string]Budget) *MemoryLimiter {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	return &MemoryLimiter{
		buckets: make(map[string]*tokenBucket),
		budgets: budgets,
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *MemoryLimiter) Allow(ctx context.Context, userID, eventType string) (bool, int, error) {
	budget := budgetFor(l.budgets, eventType)
	if l.take(bucketKey(userID, eventType), budget) {
		return true, 0, nil
	}
	return false, retryAfterSeconds(budget), nil
}

func (l *MemoryLimiter) AllowAddr(ctx context.Context, addr string) (bool, int, error) {
	if l.take(addrKey(addr), AnonymousBudget) {
		return true, 0, nil
	}
	return false, retryAfterSeconds(AnonymousBudget), nil
}

func (l *MemoryLimiter) take(key string, budget Budget) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(budget.Limit), lastRefill: now}
		l.buckets[key] = bucket
	}

	refillRate := float64(budget.Limit) / budget.Window.Seconds()
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens = math.Min(float64(budget.Limit), bucket.tokens+elapsed*refillRate)
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

func retryAfterSeconds(budget Budget) int {
	// One token's worth of refill time, rounded up.
	perToken := budget.Window.Seconds() / float64(budget.Limit)
	seconds := int(math.Ceil(perToken))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
