// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/clock/system"
	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	queuemem "github.com/JakeFAU/baseddata-vacuum/internal/queue/memory"
	"github.com/JakeFAU/baseddata-vacuum/internal/storage/memory"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
	"github.com/JakeFAU/baseddata-vacuum/internal/worker"
)

// pendingPreparer records every request as pending the way the orchestrator does.
type pendingPreparer struct {
	runs *memory.RunStore
	mu   sync.Mutex
	reqs []ingest.RunRequest
}

func (p *pendingPreparer) Prepare(ctx context.Context, req ingest.RunRequest) (ingest.RunRequest, error) {
	if req.Mode == "" {
		return req, errors.New("mode required")
	}
	req.RunID = uuid.New()
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return req, p.runs.CreateRun(ctx, store.Run{ID: req.RunID, Mode: req.Mode, Trigger: req.Trigger, Status: store.RunPending, StartedAt: time.Now()})
}

func (p *pendingPreparer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, system.New(), worker.Config{}, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w}, nil, nil, system.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, nil, nil, system.New())

	err := dispatch.Enqueue(context.Background(), ingest.QueueItem{})
	require.EqualError(t, err, "queue enqueue: boom")
}

func TestSubmitQueuesPendingRun(t *testing.T) {
	t.Parallel()

	runs := memory.NewRunStore()
	prep := &pendingPreparer{runs: runs}
	q := queuemem.NewQueue(1)
	dispatch := New(q, nil, prep, runs, system.New())

	req, err := dispatch.Submit(context.Background(), ingest.RunRequest{Mode: "quick"})
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	// The second submission finds the queue full and closes its record.
	second, err := dispatch.Submit(context.Background(), ingest.RunRequest{Mode: "full"})
	require.ErrorIs(t, err, queuemem.ErrFull)
	run, err := runs.GetRun(context.Background(), second.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Status)

	run, err = runs.GetRun(context.Background(), req.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunPending, run.Status)

	_, err = dispatch.Submit(context.Background(), ingest.RunRequest{})
	require.Error(t, err)
}

func TestScheduleSubmitsRuns(t *testing.T) {
	t.Parallel()

	runs := memory.NewRunStore()
	prep := &pendingPreparer{runs: runs}
	q := queuemem.NewQueue(16)
	dispatch := New(q, nil, prep, runs, system.New(),
		WithSchedule(Schedule{Interval: 5 * time.Millisecond, Mode: "quick"}),
		WithLogger(zap.NewNop()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return prep.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	prep.mu.Lock()
	defer prep.mu.Unlock()
	require.Equal(t, "schedule", prep.reqs[0].Trigger)
	require.Equal(t, "quick", prep.reqs[0].Mode)
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ ingest.QueueItem) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (ingest.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ingest.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, ingest.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (ingest.QueueItem, error) {
	return ingest.QueueItem{}, nil
}
