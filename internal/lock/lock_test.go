package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMemoryLockerExclusion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &manualClock{t: time.Unix(0, 0)}
	locker := NewMemoryLocker(clock)

	first, err := locker.Acquire(ctx, "vacuum:quick", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "vacuum:quick", time.Minute)
	require.ErrorIs(t, err, ingest.ErrLockHeld)

	other, err := locker.Acquire(ctx, "vacuum:full", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	require.ErrorIs(t, first.Release(ctx), ingest.ErrLockNotHeld)

	_, err = locker.Acquire(ctx, "vacuum:quick", time.Minute)
	require.NoError(t, err)
}

func TestMemoryLockerExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &manualClock{t: time.Unix(0, 0)}
	locker := NewMemoryLocker(clock)

	stale, err := locker.Acquire(ctx, "vacuum:full", time.Minute)
	require.NoError(t, err)
	require.NoError(t, stale.Extend(ctx, 2*time.Minute))

	clock.Advance(90 * time.Second)
	_, err = locker.Acquire(ctx, "vacuum:full", time.Minute)
	require.ErrorIs(t, err, ingest.ErrLockHeld)

	clock.Advance(time.Minute)
	fresh, err := locker.Acquire(ctx, "vacuum:full", time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, stale.Extend(ctx, time.Minute), ingest.ErrLockNotHeld)
	require.ErrorIs(t, stale.Release(ctx), ingest.ErrLockNotHeld)
	require.NoError(t, fresh.Release(ctx))

	_, err = locker.Acquire(ctx, "vacuum:full", 0)
	require.Error(t, err)
}

type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	evalErr error
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return redis.NewCmdResult(nil, f.evalErr)
	}
	if f.values[keys[0]] != args[0] {
		return redis.NewCmdResult(int64(0), nil)
	}
	if script == releaseScript {
		delete(f.values, keys[0])
	}
	return redis.NewCmdResult(int64(1), nil)
}

func TestRedisLocker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &fakeRedis{values: map[string]string{}}
	locker := newRedisLocker(client, "")

	held, err := locker.Acquire(ctx, "vacuum:sbir-only", time.Minute)
	require.NoError(t, err)
	require.Contains(t, client.values, "vacuum:lock:vacuum:sbir-only")

	_, err = locker.Acquire(ctx, "vacuum:sbir-only", time.Minute)
	require.ErrorIs(t, err, ingest.ErrLockHeld)

	require.NoError(t, held.Extend(ctx, time.Minute))
	require.NoError(t, held.Release(ctx))
	require.ErrorIs(t, held.Release(ctx), ingest.ErrLockNotHeld)

	again, err := locker.Acquire(ctx, "vacuum:sbir-only", time.Minute)
	require.NoError(t, err)
	client.evalErr = errors.New("connection reset")
	require.ErrorContains(t, again.Release(ctx), "connection reset")
}
