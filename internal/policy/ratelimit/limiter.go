// Package ratelimit implements per-source token buckets that back off when an
// upstream API answers 429 and recover gradually on success.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/baseddata-vacuum/internal/telemetry"
)

const (
	defaultMinRPS       = 0.05
	defaultRecoveryStep = 0.1
)

// Blocker shares "back off until" windows across processes.
type Blocker interface {
	BlockFor(ctx context.Context, key string, d time.Duration) error
	BlockedFor(ctx context.Context, key string) (time.Duration, error)
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// MinRPS floors the adaptive backoff.
	MinRPS float64
	// RecoveryStep is the fraction of the configured rate restored per success.
	RecoveryStep float64
	// DefaultBlock pauses a source after a 429 that carries no Retry-After.
	DefaultBlock time.Duration
	Blocker      Blocker
	Logger       *zap.Logger
}

type bucket struct {
	limiter      *rate.Limiter
	base         rate.Limit
	blockedUntil time.Time
}

// Limiter manages per-source rate limits.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	defaultRate  rate.Limit
	defaultBurst int
	minRate      rate.Limit
	recovery     float64
	defaultBlock time.Duration
	blocker      Blocker
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	minRPS := cfg.MinRPS
	if minRPS <= 0 {
		minRPS = defaultMinRPS
	}
	recovery := cfg.RecoveryStep
	if recovery <= 0 {
		recovery = defaultRecoveryStep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		buckets:      make(map[string]*bucket),
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: maxInt(cfg.DefaultBurst, 1),
		minRate:      rate.Limit(minRPS),
		recovery:     recovery,
		defaultBlock: cfg.DefaultBlock,
		blocker:      cfg.Blocker,
		logger:       logger,
		now:          time.Now,
	}
}

// Configure sets the steady-state rate for one source. A non-positive rps
// leaves the source unthrottled apart from 429 blocks.
func (l *Limiter) Configure(source string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := toLimit(rps)
	l.buckets[source] = &bucket{
		limiter: rate.NewLimiter(limit, maxInt(burst, 1)),
		base:    limit,
	}
	telemetry.SetRateLimit(source, float64(limit))
}

// Wait blocks until the source may issue another call, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	b := l.bucket(source)
	if err := l.waitBlocked(ctx, source, b); err != nil {
		return err
	}
	start := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		telemetry.ObserveRateLimitDelay(source, d)
	}
	return nil
}

// ReportResult feeds the outcome of a call back into the source's bucket: a
// 429 halves the rate and blocks for retryAfter, a 2xx recovers part of the
// configured rate.
func (l *Limiter) ReportResult(ctx context.Context, source string, statusCode int, retryAfter time.Duration) {
	b := l.bucket(source)
	switch {
	case statusCode == http.StatusTooManyRequests:
		l.backoff(ctx, source, b, retryAfter)
	case statusCode >= 200 && statusCode < 300:
		l.recover(source, b)
	}
}

// Rate returns the current rate for source in requests per second.
func (l *Limiter) Rate(source string) float64 {
	return float64(l.bucket(source).limiter.Limit())
}

func (l *Limiter) backoff(ctx context.Context, source string, b *bucket, retryAfter time.Duration) {
	block := retryAfter
	if block <= 0 {
		block = l.defaultBlock
	}
	l.mu.Lock()
	current := b.limiter.Limit()
	next := current
	if current != rate.Inf {
		next = current / 2
		if next < l.minRate {
			next = l.minRate
		}
		b.limiter.SetLimit(next)
	}
	if block > 0 {
		until := l.now().Add(block)
		if until.After(b.blockedUntil) {
			b.blockedUntil = until
		}
	}
	l.mu.Unlock()

	telemetry.SetRateLimit(source, float64(next))
	l.logger.Warn("upstream rate limited, backing off",
		zap.String("source", source),
		zap.Float64("rps", float64(next)),
		zap.Duration("block", block),
	)
	if l.blocker != nil && block > 0 {
		if err := l.blocker.BlockFor(ctx, source, block); err != nil {
			l.logger.Warn("shared rate limit block failed", zap.String("source", source), zap.Error(err))
		}
	}
}

func (l *Limiter) recover(source string, b *bucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := b.limiter.Limit()
	if b.base == rate.Inf || current >= b.base {
		return
	}
	next := current + rate.Limit(float64(b.base)*l.recovery)
	if next > b.base {
		next = b.base
	}
	b.limiter.SetLimit(next)
	telemetry.SetRateLimit(source, float64(next))
}

func (l *Limiter) waitBlocked(ctx context.Context, source string, b *bucket) error {
	l.mu.Lock()
	remaining := b.blockedUntil.Sub(l.now())
	l.mu.Unlock()
	if l.blocker != nil {
		shared, err := l.blocker.BlockedFor(ctx, source)
		if err != nil {
			l.logger.Debug("shared rate limit lookup failed", zap.String("source", source), zap.Error(err))
		} else if shared > remaining {
			remaining = shared
		}
	}
	if remaining <= 0 {
		return nil
	}
	telemetry.ObserveRateLimitDelay(source, remaining)
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit block: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) bucket(source string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[source]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst),
			base:    l.defaultRate,
		}
		l.buckets[source] = b
	}
	return b
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func maxInt(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
