package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisLimiter implements sliding-window rate limiting over Redis sorted
// sets, one set per bucket. It is safe for multi-instance deployments. When
// Redis is unreachable the limiter fails open and logs the condition, so a
// storage outage degrades abuse protection instead of taking down traffic.
type RedisLimiter struct {
	client  *redis.Client
	budgets map[string]Budget
}

func NewRedisLimiter(client *redis.Client, budgets map[string]Budget) *RedisLimiter {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	return &RedisLimiter{client: client, budgets: budgets}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID, eventType string) (bool, int, error) {
	budget := budgetFor(l.budgets, eventType)
	allowed, retryAfter, err := l.checkSlidingWindow(ctx, bucketKey(userID, eventType), budget)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id":    userID,
			"event_type": eventType,
			"error":      err,
		}).Warn("Rate limit storage unavailable, failing open")
		return true, 0, nil
	}
	return allowed, retryAfter, nil
}

func (l *RedisLimiter) AllowAddr(ctx context.Context, addr string) (bool, int, error) {
	allowed, retryAfter, err := l.checkSlidingWindow(ctx, addrKey(addr), AnonymousBudget)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"addr":  addr,
			"error": err,
		}).Warn("Rate limit storage unavailable, failing open")
		return true, 0, nil
	}
	return allowed, retryAfter, nil
}

// checkSlidingWindow prunes entries older than the window, counts what is
// left, and records the new event only when it fits the budget.
func (l *RedisLimiter) checkSlidingWindow(ctx context.Context, key string, budget Budget) (bool, int, error) {
	now := time.Now()
	windowStart := now.Add(-budget.Window)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixMilli()))
	countCmd := pipe.ZCount(ctx, key, fmt.Sprintf("%d", windowStart.UnixMilli()), "+inf")
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, budget.Window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	if countCmd.Val() >= int64(budget.Limit) {
		retryAfter := int(budget.Window.Seconds())
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.UnixMilli(int64(oldest[0].Score))
			remaining := int(oldestAt.Add(budget.Window).Sub(now).Seconds())
			if remaining >= 1 {
				retryAfter = remaining
			} else {
				retryAfter = 1
			}
		}
		return false, retryAfter, nil
	}

	err := l.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%d", now.UnixMilli(), now.UnixNano()),
	}).Err()
	if err != nil {
		return false, 0, err
	}
	return true, 0, nil
}
