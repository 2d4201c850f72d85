// Package retry decides whether and when a failed fetch is worth repeating.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

// Policy is consulted by pagination after a fetch failure.
type Policy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int, err error) time.Duration
}

// Exponential implements Policy with jittered exponential backoff. Only
// transient fetch failures are retried.
type Exponential struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponential builds a policy allowing maxRetries retries after the first
// attempt. Zero retries disables retrying entirely.
func NewExponential(maxRetries int, base, maxDelay time.Duration) *Exponential {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Exponential{
		maxAttempts: maxRetries + 1,
		baseDelay:   base,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry decides whether the error is retryable. attempt is 1-based.
func (p *Exponential) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *ingest.FetchError
	if errors.As(err, &fe) {
		return fe.Temporary()
	}
	return false
}

// Backoff returns the wait before the next attempt. A Retry-After carried by
// a rate-limited FetchError wins when it is longer.
func (p *Exponential) Backoff(attempt int, err error) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	wait := time.Duration(delay/2) + jitter
	var fe *ingest.FetchError
	if errors.As(err, &fe) && fe.RetryAfter > wait {
		wait = fe.RetryAfter
	}
	return wait
}

func (p *Exponential) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Never is a Policy that never retries.
type Never struct{}

// ShouldRetry always returns false.
func (Never) ShouldRetry(error, int) bool { return false }

// Backoff always returns zero.
func (Never) Backoff(int, error) time.Duration { return 0 }
