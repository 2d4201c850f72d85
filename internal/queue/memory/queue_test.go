package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan ingest.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), ingest.QueueItem{Request: ingest.RunRequest{Mode: "quick"}}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "quick", got.Request.Mode)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return run")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), ingest.QueueItem{}))
	require.EqualError(t, q.Enqueue(ctx, ingest.QueueItem{}), "enqueue canceled: context canceled")
}

func TestTryEnqueueReportsFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(ingest.QueueItem{}))
	require.ErrorIs(t, q.TryEnqueue(ingest.QueueItem{}), ErrFull)
	require.Equal(t, 1, q.Len())
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), ingest.QueueItem{Request: ingest.RunRequest{Mode: "full"}}))
	q.Close()
	require.ErrorIs(t, q.TryEnqueue(ingest.QueueItem{}), ErrClosed)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "full", item.Request.Mode)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	// Closing twice should be safe.
	q.Close()
}
