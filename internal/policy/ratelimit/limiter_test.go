package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLimiterWaitEnforcesRate(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.Configure("nsf", 10, 1) // 100ms interval

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "nsf"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "nsf"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterSourcesAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "sam"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "sbir"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterBacksOffOn429AndRecovers(t *testing.T) {
	t.Parallel()

	l := New(Config{RecoveryStep: 0.5})
	l.Configure("sbir", 4, 1)
	ctx := context.Background()

	l.ReportResult(ctx, "sbir", http.StatusTooManyRequests, 0)
	require.InDelta(t, 2.0, l.Rate("sbir"), 0.001)
	l.ReportResult(ctx, "sbir", http.StatusTooManyRequests, 0)
	require.InDelta(t, 1.0, l.Rate("sbir"), 0.001)

	l.ReportResult(ctx, "sbir", http.StatusOK, 0)
	require.InDelta(t, 3.0, l.Rate("sbir"), 0.001)
	l.ReportResult(ctx, "sbir", http.StatusOK, 0)
	require.InDelta(t, 4.0, l.Rate("sbir"), 0.001)

	l.ReportResult(ctx, "sbir", http.StatusInternalServerError, 0)
	require.InDelta(t, 4.0, l.Rate("sbir"), 0.001)
}

func TestLimiterBackoffHonoursFloor(t *testing.T) {
	t.Parallel()

	l := New(Config{MinRPS: 0.5})
	l.Configure("calc", 1, 1)
	for i := 0; i < 5; i++ {
		l.ReportResult(context.Background(), "calc", http.StatusTooManyRequests, 0)
	}
	require.InDelta(t, 0.5, l.Rate("calc"), 0.001)
}

func TestLimiterRetryAfterBlocksWait(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	l.ReportResult(ctx, "sam", http.StatusTooManyRequests, 120*time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "sam"))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterBlockRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.ReportResult(context.Background(), "sam", http.StatusTooManyRequests, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "sam")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterConsultsSharedBlocker(t *testing.T) {
	t.Parallel()

	blocker := &fakeBlockClient{ttl: map[string]time.Duration{}}
	shared := &RedisBlocker{client: blocker, keyPrefix: "test:"}
	writer := New(Config{Blocker: shared})
	writer.ReportResult(context.Background(), "usaspending", http.StatusTooManyRequests, 80*time.Millisecond)
	require.Equal(t, 80*time.Millisecond, blocker.ttl["test:usaspending:block"])

	reader := New(Config{Blocker: shared})
	start := time.Now()
	require.NoError(t, reader.Wait(context.Background(), "usaspending"))
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRedisBlockerNotBlocked(t *testing.T) {
	t.Parallel()

	shared := &RedisBlocker{client: &fakeBlockClient{ttl: map[string]time.Duration{}}, keyPrefix: "test:"}
	d, err := shared.BlockedFor(context.Background(), "nsf")
	require.NoError(t, err)
	require.Zero(t, d)
	require.NoError(t, shared.BlockFor(context.Background(), "nsf", 0))
}

type fakeBlockClient struct {
	mu  sync.Mutex
	ttl map[string]time.Duration
}

func (f *fakeBlockClient) Set(_ context.Context, key string, _ any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeBlockClient) PTTL(_ context.Context, key string) *redis.DurationCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.ttl[key]
	if !ok {
		return redis.NewDurationResult(-2, nil)
	}
	return redis.NewDurationResult(d, nil)
}
