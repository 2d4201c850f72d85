// Package worker executes queued runs one at a time.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/orchestrator"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
	"github.com/JakeFAU/baseddata-vacuum/internal/telemetry"
)

// Runner executes one run request.
type Runner interface {
	Run(ctx context.Context, req ingest.RunRequest) (orchestrator.Outcome, error)
}

// Config controls Worker behavior.
type Config struct {
	// Timeout bounds a single run; zero leaves it to the orchestrator budget.
	Timeout time.Duration
}

// Worker consumes queued runs.
type Worker struct {
	queue  ingest.Queue
	runner Runner
	runs   store.RunRepository
	clock  ingest.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(
	queue ingest.Queue,
	runner Runner,
	runs store.RunRepository,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runner: runner,
		runs:   runs,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ingest.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run",
			zap.String("run_id", item.Request.RunID.String()),
			zap.String("mode", item.Request.Mode),
			zap.Duration("waited", w.clock.Now().Sub(item.Submitted)),
		)
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item ingest.QueueItem) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	runCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	req := item.Request
	out, err := w.runner.Run(runCtx, req)
	if err != nil {
		w.logger.Error("queued run did not start",
			zap.String("run_id", req.RunID.String()),
			zap.String("mode", req.Mode),
			zap.Error(err),
		)
		w.failPending(ctx, req, err)
		return
	}
	w.logger.Info("queued run finished",
		zap.String("run_id", out.RunID.String()),
		zap.String("status", string(out.Status)),
		zap.Int("total_loaded", out.TotalLoaded),
		zap.Int("total_errors", out.TotalErrors),
	)
}

// failPending closes the pending record a run left behind when it was
// refused before starting, so pollers do not wait forever.
func (w *Worker) failPending(ctx context.Context, req ingest.RunRequest, cause error) {
	if w.runs == nil || req.RunID == uuid.Nil {
		return
	}
	err := store.AbandonRun(context.WithoutCancel(ctx), w.runs, req.RunID, w.clock.Now(), cause)
	if err != nil {
		w.logger.Error("fail pending run", zap.String("run_id", req.RunID.String()), zap.Error(err))
	}
}
