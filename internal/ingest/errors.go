package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrRunInProgress is returned when another run of the same mode holds the lock.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrLockHeld is returned by lockers when the named lock is owned elsewhere.
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrLockNotHeld is returned when releasing or extending a lock we no longer own.
	ErrLockNotHeld = errors.New("lock not held")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
	// ErrEmptyEntityName rejects canonical entities without a name.
	ErrEmptyEntityName = errors.New("entity name is required")
)

// FetchErrorKind classifies a failed outbound call.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout     FetchErrorKind = "timeout"
	FetchNetwork     FetchErrorKind = "network"
	FetchRateLimited FetchErrorKind = "rate_limited"
	FetchHTTPStatus  FetchErrorKind = "http_status"
	FetchDecode      FetchErrorKind = "decode"
)

// FetchError is the typed failure returned by the fetcher instead of aborting
// the caller's loop.
type FetchError struct {
	Source     string
	Label      string
	Page       int
	Kind       FetchErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Source)
	if e.Label != "" {
		fmt.Fprintf(&b, " [%s]", e.Label)
	}
	fmt.Fprintf(&b, " page %d: ", e.Page)
	switch e.Kind {
	case FetchTimeout:
		b.WriteString("timeout")
	case FetchRateLimited:
		fmt.Fprintf(&b, "rate limited (HTTP %d)", e.StatusCode)
	case FetchHTTPStatus:
		fmt.Fprintf(&b, "HTTP %d", e.StatusCode)
	case FetchDecode:
		b.WriteString("decode failed")
	default:
		b.WriteString("network error")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same request could succeed.
func (e *FetchError) Temporary() bool {
	switch e.Kind {
	case FetchTimeout, FetchNetwork, FetchRateLimited:
		return true
	case FetchHTTPStatus:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// StorageError wraps a failed upsert.
type StorageError struct {
	Table string
	Key   string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("upsert %s (%s): %v", e.Table, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigurationError marks a source skipped for a missing credential or setting.
type ConfigurationError struct {
	Source  string
	Setting string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: skipped, missing %s", e.Source, e.Setting)
}

// FatalError wraps failures outside per-source handling; they abort the run.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

const defaultCollectorLimit = 200

// ErrorCollector accumulates error descriptions for one scope (usually a
// source). It is safe for concurrent use; messages beyond the limit are
// counted but not retained.
type ErrorCollector struct {
	mu       sync.Mutex
	limit    int
	count    int
	messages []string
}

// NewErrorCollector builds a collector that retains at most limit messages.
func NewErrorCollector(limit int) *ErrorCollector {
	if limit <= 0 {
		limit = defaultCollectorLimit
	}
	return &ErrorCollector{limit: limit}
}

// Add records err. Nil errors are ignored.
func (c *ErrorCollector) Add(err error) {
	if err == nil {
		return
	}
	c.Addf("%s", err.Error())
}

// Addf records a formatted message.
func (c *ErrorCollector) Addf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if len(c.messages) < c.limit {
		c.messages = append(c.messages, fmt.Sprintf(format, args...))
	}
}

// Count returns the number of errors recorded, including dropped ones.
func (c *ErrorCollector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Messages returns a copy of the retained messages.
func (c *ErrorCollector) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

// Merge folds other into c.
func (c *ErrorCollector) Merge(other *ErrorCollector) {
	if other == nil || other == c {
		return
	}
	msgs := other.Messages()
	total := other.Count()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count += total
	for _, m := range msgs {
		if len(c.messages) >= c.limit {
			break
		}
		c.messages = append(c.messages, m)
	}
}
