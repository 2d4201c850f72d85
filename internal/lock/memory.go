// Package lock provides the named, expiring locks that keep two runs of the
// same mode from overlapping: in-process for a single binary, redis when
// several replicas share work. The Postgres sentinel-row locker lives with
// the other Postgres stores.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

type holder struct {
	token   uint64
	expires time.Time
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	clock ingest.Clock
	next  uint64
	held  map[string]holder
}

// NewMemoryLocker builds a MemoryLocker. Expiry is measured with clock.
func NewMemoryLocker(clock ingest.Clock) *MemoryLocker {
	return &MemoryLocker{clock: clock, held: make(map[string]holder)}
}

// Acquire takes name for ttl unless a live holder exists.
func (m *MemoryLocker) Acquire(_ context.Context, name string, ttl time.Duration) (ingest.Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if h, ok := m.held[name]; ok && now.Before(h.expires) {
		return nil, ingest.ErrLockHeld
	}
	m.next++
	m.held[name] = holder{token: m.next, expires: now.Add(ttl)}
	return &memoryLock{locker: m, name: name, token: m.next}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	name   string
	token  uint64
}

func (l *memoryLock) Release(context.Context) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[l.name]
	if !ok || h.token != l.token {
		return ingest.ErrLockNotHeld
	}
	delete(m.held, l.name)
	return nil
}

func (l *memoryLock) Extend(_ context.Context, ttl time.Duration) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[l.name]
	if !ok || h.token != l.token {
		return ingest.ErrLockNotHeld
	}
	h.expires = m.clock.Now().Add(ttl)
	m.held[l.name] = h
	return nil
}
