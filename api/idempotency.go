package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "mail"

// RedisDeduper stores dispatched email keys in Redis so all instances
// can avoid sending the same message twice.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(key string) string {
	return dedupeKeyPrefix + ":" + key
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key. It is used when downstream
// dispatch fails so the caller may retry.
func (r *RedisDeduper) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
