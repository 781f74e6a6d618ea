package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry deduplicates across server instances with SETNX claims.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func dedupKey(mutationID string) string {
	return fmt.Sprintf("dedup:mutation:%s", mutationID)
}

func (r *RedisRegistry) Claim(ctx context.Context, mutationID string) (bool, *Outcome, error) {
	// An empty value marks "claimed, outcome pending".
	first, err := r.client.SetNX(ctx, dedupKey(mutationID), "", r.ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if first {
		return true, nil, nil
	}

	raw, err := r.client.Get(ctx, dedupKey(mutationID)).Result()
	if err == redis.Nil {
		// Claim expired between SETNX and GET; take it over.
		return true, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if raw == "" {
		return false, nil, nil
	}
	var outcome Outcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return false, nil, err
	}
	return false, &outcome, nil
}

func (r *RedisRegistry) Record(ctx context.Context, mutationID string, outcome Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, dedupKey(mutationID), data, r.ttl).Err()
}

func (r *RedisRegistry) Release(ctx context.Context, mutationID string) error {
	return r.client.Del(ctx, dedupKey(mutationID)).Err()
}
