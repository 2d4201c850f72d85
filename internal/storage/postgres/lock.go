package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

// Locker hands out expiring locks backed by a row in vacuum_locks. An expired
// row may be taken over by the next caller. Lease times come from the
// database clock so replicas never compare their own clocks.
type Locker struct {
	db     DB
	prefix string
}

// NewLocker wraps db. Lock names are stored as prefix+name.
func NewLocker(db DB, keyPrefix string) (*Locker, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Locker{db: db, prefix: keyPrefix}, nil
}

// Acquire takes the named lock for ttl or returns ingest.ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (ingest.Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	key := l.prefix + name
	owner := uuid.NewString()
	query := `
		INSERT INTO vacuum_locks (name, owner, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + $3 * interval '1 millisecond')
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE vacuum_locks.expires_at < now()
		RETURNING owner;
	`
	var got string
	err := l.db.QueryRow(ctx, query, key, owner, ttl.Milliseconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ingest.ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return &rowLock{db: l.db, key: key, owner: owner}, nil
}

type rowLock struct {
	db    DB
	key   string
	owner string
}

func (r *rowLock) Release(ctx context.Context) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM vacuum_locks WHERE name = $1 AND owner = $2`, r.key, r.owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", r.key, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrLockNotHeld
	}
	return nil
}

func (r *rowLock) Extend(ctx context.Context, ttl time.Duration) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE vacuum_locks SET expires_at = now() + $3 * interval '1 millisecond' WHERE name = $1 AND owner = $2`,
		r.key, r.owner, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", r.key, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrLockNotHeld
	}
	return nil
}
