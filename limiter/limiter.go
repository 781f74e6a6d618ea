// Package limiter enforces per-(user, event-type) budgets. High frequency
// events such as cursor moves get wide budgets; structural events get narrow
// ones. Unidentified senders share a stricter per-address budget.
package limiter

import (
	"context"
	"fmt"
	"time"
)

// Budget is the allowance for one event type within a window.
type Budget struct {
	Limit  int
	Window time.Duration
}

// DefaultBudgets returns the per-event budgets. Keys are event names; the
// empty key is the fallback for events without their own budget.
func DefaultBudgets() map[string]Budget {
	return map[string]Budget{
		"cursor_move":     {Limit: 60, Window: 10 * time.Second},
		"presence_update": {Limit: 30, Window: time.Minute},
		"object_created":  {Limit: 120, Window: time.Minute},
		"object_updated":  {Limit: 120, Window: time.Minute},
		"object_deleted":  {Limit: 120, Window: time.Minute},
		"join_canvas":     {Limit: 10, Window: time.Minute},
		"":                {Limit: 60, Window: time.Minute},
	}
}

// AnonymousBudget is the stricter global budget applied to senders that have
// not presented an identity, keyed by network address.
var AnonymousBudget = Budget{Limit: 30, Window: time.Minute}

// Limiter decides whether one more event fits the sender's budget.
// retryAfter is a client backoff hint in seconds when allowed is false.
type Limiter interface {
	Allow(ctx context.Context, userID, eventType string) (allowed bool, retryAfter int, err error)
	// AllowAddr applies the anonymous budget to a network address.
	AllowAddr(ctx context.Context, addr string) (allowed bool, retryAfter int, err error)
}

func bucketKey(userID, eventType string) string {
	return fmt.Sprintf("ratelimit:user:%s:%s", userID, eventType)
}

func addrKey(addr string) string {
	return fmt.Sprintf("ratelimit:addr:%s", addr)
}

func budgetFor(budgets map[string]Budget, eventType string) Budget {
	if budget, ok := budgets[eventType]; ok {
		return budget
	}
	return budgets[""]
}
