package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

const (
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// redisClient is the slice of go-redis the locker needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLocker hands out locks shared by every vacuum process on one redis.
type RedisLocker struct {
	client    redisClient
	keyPrefix string
}

// NewRedisLocker creates a RedisLocker. keyPrefix defaults to "vacuum:lock:".
func NewRedisLocker(client redis.UniversalClient, keyPrefix string) *RedisLocker {
	return newRedisLocker(client, keyPrefix)
}

func newRedisLocker(client redisClient, keyPrefix string) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "vacuum:lock:"
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix}
}

// Acquire sets the lock key with NX or returns ingest.ErrLockHeld.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (ingest.Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	key := l.keyPrefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ingest.ErrLockHeld
	}
	return &redisLock{client: l.client, key: key, token: token}, nil
}

type redisLock struct {
	client redisClient
	key    string
	token  string
}

func (r *redisLock) Release(ctx context.Context) error {
	n, err := r.client.Eval(ctx, releaseScript, []string{r.key}, r.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", r.key, err)
	}
	if n == 0 {
		return ingest.ErrLockNotHeld
	}
	return nil
}

func (r *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := r.client.Eval(ctx, extendScript, []string{r.key}, r.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", r.key, err)
	}
	if n == 0 {
		return ingest.ErrLockNotHeld
	}
	return nil
}
