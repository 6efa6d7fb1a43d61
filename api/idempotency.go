package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeaderIdempotencyKey carries the client supplied key on task creation.
const HeaderIdempotencyKey = "Idempotency-Key"

// RedisDeduper stores idempotency keys in Redis so all instances agree on
// which creation request already produced a task.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(actorID, key string) string {
	return fmt.Sprintf("idem:%s:%s", actorID, key)
}

// Reserve binds key to taskID if the key is new. Otherwise it returns the
// task id recorded by the first request.
func (r *RedisDeduper) Reserve(ctx context.Context, actorID, key, taskID string) (string, bool, error) {
	k := r.key(actorID, key)
	added, err := r.client.SetNX(ctx, k, taskID, r.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if added {
		return taskID, true, nil
	}
	existing, err := r.client.Get(ctx, k).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

