package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/clock/system"
	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/orchestrator"
	queuemem "github.com/JakeFAU/baseddata-vacuum/internal/queue/memory"
	"github.com/JakeFAU/baseddata-vacuum/internal/storage/memory"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

type fakeRunner struct {
	mu       sync.Mutex
	err      error
	requests []ingest.RunRequest
	deadline bool
}

func (f *fakeRunner) Run(ctx context.Context, req ingest.RunRequest) (orchestrator.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return orchestrator.Outcome{}, f.err
	}
	return orchestrator.Outcome{RunID: req.RunID, Status: store.RunCompleted}, nil
}

func (f *fakeRunner) seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestWorkerRunsQueuedRequests(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queuemem.NewQueue(4)
	runner := &fakeRunner{}
	w := New(q, runner, nil, system.New(), Config{Timeout: time.Minute}, zap.NewNop())
	go w.Run(ctx)

	for _, mode := range []string{"quick", "full"} {
		require.NoError(t, q.Enqueue(ctx, ingest.QueueItem{Request: ingest.RunRequest{Mode: mode}, Submitted: time.Now()}))
	}
	require.Eventually(t, func() bool { return runner.seen() == 2 }, time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Equal(t, "quick", runner.requests[0].Mode)
	require.Equal(t, "full", runner.requests[1].Mode)
	require.True(t, runner.deadline)
}

func TestWorkerFailsPendingRunThatCouldNotStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := memory.NewRunStore()
	id := uuid.New()
	require.NoError(t, runs.CreateRun(ctx, store.Run{ID: id, Mode: "quick", Status: store.RunPending, StartedAt: time.Now()}))

	q := queuemem.NewQueue(1)
	w := New(q, &fakeRunner{err: ingest.ErrRunInProgress}, runs, system.New(), Config{}, nil)
	go w.Run(ctx)

	require.NoError(t, q.Enqueue(ctx, ingest.QueueItem{Request: ingest.RunRequest{RunID: id, Mode: "quick"}}))
	require.Eventually(t, func() bool {
		run, err := runs.GetRun(ctx, id)
		return err == nil && run.Status == store.RunFailed
	}, time.Second, 10*time.Millisecond)

	run, err := runs.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{ingest.ErrRunInProgress.Error()}, run.Errors)
	require.NotNil(t, run.FinishedAt)
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(1)
	w := New(q, &fakeRunner{}, nil, system.New(), Config{}, nil)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
