package ingest

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Fetcher performs a single outbound call with a hard timeout. It never
// retries; failures come back as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// RecordSink writes normalized records idempotently under their natural key.
type RecordSink interface {
	Upsert(ctx context.Context, spec TableSpec, rec Record) (UpsertResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Locker hands out named, expiring locks.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Queue provides enqueue/dequeue semantics for pending runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and entity IDs.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}
