package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"collabcanvas/core"
)

// RedisTracker stores one TTL'd entry key per member plus an explicit
// per-canvas membership set. The set is the index; listing never pattern
// scans the keyspace. Members whose entry key expired are pruned from the
// index on read.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func canvasSetKey(canvasID string) string {
	return fmt.Sprintf("presence:canvas:%s", canvasID)
}

func entryKey(canvasID, userID string) string {
	return fmt.Sprintf("presence:entry:%s:%s", canvasID, userID)
}

type storedEntry struct {
	Status        core.PresenceStatus `json:"status"`
	LastHeartbeat int64               `json:"last_heartbeat"` // unix millis
}

func (t *RedisTracker) write(ctx context.Context, canvasID, userID string, status core.PresenceStatus) error {
	entry := storedEntry{Status: status, LastHeartbeat: time.Now().UnixMilli()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := t.client.Pipeline()
	pipe.SAdd(ctx, canvasSetKey(canvasID), userID)
	// The index itself outlives entries a little, so a canvas with churn
	// does not leak an immortal set.
	pipe.Expire(ctx, canvasSetKey(canvasID), t.ttl*4)
	pipe.Set(ctx, entryKey(canvasID, userID), data, t.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (t *RedisTracker) Join(ctx context.Context, canvasID, userID string, status core.PresenceStatus) error {
	return t.write(ctx, canvasID, userID, status)
}

func (t *RedisTracker) Heartbeat(ctx context.Context, canvasID, userID string) error {
	current, err := t.client.Get(ctx, entryKey(canvasID, userID)).Bytes()
	status := core.PresenceActive
	if err == nil {
		var entry storedEntry
		if jsonErr := json.Unmarshal(current, &entry); jsonErr == nil && entry.Status != "" {
			status = entry.Status
		}
	}
	return t.write(ctx, canvasID, userID, status)
}

func (t *RedisTracker) SetStatus(ctx context.Context, canvasID, userID string, status core.PresenceStatus) error {
	return t.write(ctx, canvasID, userID, status)
}

func (t *RedisTracker) Leave(ctx context.Context, canvasID, userID string) error {
	pipe := t.client.Pipeline()
	pipe.SRem(ctx, canvasSetKey(canvasID), userID)
	pipe.Del(ctx, entryKey(canvasID, userID))
	_, err := pipe.Exec(ctx)
	return err
}

func (t *RedisTracker) ListActive(ctx context.Context, canvasID string) ([]*core.PresenceEntry, error) {
	userIDs, err := t.client.SMembers(ctx, canvasSetKey(canvasID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return []*core.PresenceEntry{}, nil
	}

	keys := make([]string, len(userIDs))
	for i, userID := range userIDs {
		keys[i] = entryKey(canvasID, userID)
	}
	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	active := make([]*core.PresenceEntry, 0, len(userIDs))
	var expired []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Entry key expired; evict the member from the index.
			expired = append(expired, userIDs[i])
			continue
		}
		var entry storedEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			expired = append(expired, userIDs[i])
			continue
		}
		active = append(active, &core.PresenceEntry{
			CanvasID:      canvasID,
			UserID:        userIDs[i],
			Status:        entry.Status,
			LastHeartbeat: time.UnixMilli(entry.LastHeartbeat),
			TTL:           t.ttl,
		})
	}

	sort.Slice(active, func(i, j int) bool { return active[i].UserID < active[j].UserID })

	if len(expired) > 0 {
		if err := t.client.SRem(ctx, canvasSetKey(canvasID), expired...).Err(); err != nil {
			logrus.WithFields(logrus.Fields{
				"canvas_id": canvasID,
				"error":     err,
			}).Warn("Failed to prune expired presence members")
		}
	}
	return active, nil
}
