package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errEmptyKey = errors.New("empty idempotency key")

// RedisDeduper remembers the idempotency keys of accepted form posts so a
// form submitted twice is saved once, across all instances. Keys come from
// the browser; only a fingerprint of them is stored.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupeKey(userID, key string) string {
	sum := sha256.Sum256([]byte(key))
	return "dedupe:" + userID + ":" + hex.EncodeToString(sum[:16])
}

// Add records the key and reports whether it was new.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	added, err := r.client.SetNX(ctx, dedupeKey(userID, key), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe add: %w", err)
	}
	return added, nil
}

// Remove forgets a key so the same form can be posted again after a failed save.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	if err := r.client.Del(ctx, dedupeKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("dedupe remove: %w", err)
	}
	return nil
}
