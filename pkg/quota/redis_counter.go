package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisNoteScript records an upload and prunes entries outside the retention
// horizon atomically.
// KEYS[1] = window key (e.g. "quota:<tenant>")
// ARGV[1] = event score (unix nanoseconds)
// ARGV[2] = event member (unique id)
// ARGV[3] = prune-before score
// ARGV[4] = key TTL seconds
var redisNoteScript = redis.NewScript(`
local key = KEYS[1]
redis.call("ZREMRANGEBYSCORE", key, "-inf", ARGV[3])
redis.call("ZADD", key, ARGV[1], ARGV[2])
redis.call("EXPIRE", key, ARGV[4])
return redis.call("ZCARD", key)
`)

// RedisCounter is a Redis-backed Counter shared across pipeline replicas.
// Events live in a per-tenant sorted set scored by upload time.
type RedisCounter struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisCounter creates a counter. retention bounds how long events are
// kept; it must be at least as long as the admission window.
func NewRedisCounter(client *redis.Client, retention time.Duration) *RedisCounter {
	if retention <= 0 {
		retention = 2 * time.Hour
	}
	return &RedisCounter{client: client, retention: retention}
}

func key(tenantID string) string { return "quota:" + tenantID }

func (c *RedisCounter) Note(ctx context.Context, tenantID string, at time.Time) error {
	pruneBefore := time.Now().Add(-c.retention).UnixNano()
	ttl := int(c.retention/time.Second) + 60

	err := redisNoteScript.Run(ctx, c.client, []string{key(tenantID)},
		at.UnixNano(), uuid.New().String(), pruneBefore, ttl).Err()
	if err != nil {
		return fmt.Errorf("quota: redis note failed: %w", err)
	}
	return nil
}

func (c *RedisCounter) Count(ctx context.Context, tenantID string, since time.Time) (int, time.Time, error) {
	k := key(tenantID)
	min := fmt.Sprintf("%d", since.UnixNano())

	n, err := c.client.ZCount(ctx, k, min, "+inf").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("quota: redis count failed: %w", err)
	}
	if n == 0 {
		return 0, time.Time{}, nil
	}

	oldestMembers, err := c.client.ZRangeByScoreWithScores(ctx, k, &redis.ZRangeBy{
		Min: min, Max: "+inf", Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("quota: redis oldest lookup failed: %w", err)
	}

	var oldest time.Time
	if len(oldestMembers) > 0 {
		oldest = time.Unix(0, int64(oldestMembers[0].Score))
	}
	return int(n), oldest, nil
}

func (c *RedisCounter) Forget(ctx context.Context, tenantID string, at time.Time) error {
	k := key(tenantID)
	score := fmt.Sprintf("%d", at.UnixNano())
	members, err := c.client.ZRangeByScore(ctx, k, &redis.ZRangeBy{
		Min: score, Max: score, Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return fmt.Errorf("quota: redis forget lookup failed: %w", err)
	}
	if len(members) == 0 {
		return nil
	}
	if err := c.client.ZRem(ctx, k, members[0]).Err(); err != nil {
		return fmt.Errorf("quota: redis forget failed: %w", err)
	}
	return nil
}
