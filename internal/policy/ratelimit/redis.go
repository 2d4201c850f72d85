package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type blockClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisBlocker stores 429 back-off windows in redis so every vacuum process
// talking to the same provider honours them.
type RedisBlocker struct {
	client    blockClient
	keyPrefix string
}

// NewRedisBlocker creates a RedisBlocker.
func NewRedisBlocker(client redis.UniversalClient, keyPrefix string) *RedisBlocker {
	if keyPrefix == "" {
		keyPrefix = "vacuum:ratelimit:"
	}
	return &RedisBlocker{client: client, keyPrefix: keyPrefix}
}

func (r *RedisBlocker) blockKey(key string) string {
	return r.keyPrefix + key + ":block"
}

// BlockFor blocks key for d.
func (r *RedisBlocker) BlockFor(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.blockKey(key), "1", d).Err(); err != nil {
		return fmt.Errorf("set block %s: %w", key, err)
	}
	return nil
}

// BlockedFor returns how long key remains blocked; zero when it is not.
func (r *RedisBlocker) BlockedFor(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, r.blockKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("read block %s: %w", key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
