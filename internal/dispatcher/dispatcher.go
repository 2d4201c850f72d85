// Package dispatcher manages worker fan-out over the run queue and the
// optional periodic trigger that feeds it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
	"github.com/JakeFAU/baseddata-vacuum/internal/worker"
)

// Preparer validates a request and records it as pending.
type Preparer interface {
	Prepare(ctx context.Context, req ingest.RunRequest) (ingest.RunRequest, error)
}

// tryEnqueuer is implemented by queues that can refuse work instead of
// blocking when full.
type tryEnqueuer interface {
	TryEnqueue(item ingest.QueueItem) error
}

// Schedule triggers Mode every Interval. A zero Interval disables it.
type Schedule struct {
	Interval time.Duration
	Mode     string
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue    ingest.Queue
	workers  []*worker.Worker
	preparer Preparer
	runs     store.RunRepository
	clock    ingest.Clock
	schedule Schedule
	logger   *zap.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithSchedule enables the periodic trigger.
func WithSchedule(s Schedule) Option {
	return func(d *Dispatcher) {
		d.schedule = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a Dispatcher.
func New(
	queue ingest.Queue,
	workers []*worker.Worker,
	preparer Preparer,
	runs store.RunRepository,
	clock ingest.Clock,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		queue:    queue,
		workers:  workers,
		preparer: preparer,
		runs:     runs,
		clock:    clock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts all workers and the scheduler and blocks until the context
// finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.schedule.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.tick(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) tick(ctx context.Context) {
	ticker := time.NewTicker(d.schedule.Interval)
	defer ticker.Stop()
	d.logger.Info("scheduler started",
		zap.String("mode", d.schedule.Mode),
		zap.Duration("interval", d.schedule.Interval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := d.Submit(ctx, ingest.RunRequest{Mode: d.schedule.Mode, Trigger: "schedule"})
			if err != nil {
				d.logger.Warn("scheduled run not queued", zap.String("mode", d.schedule.Mode), zap.Error(err))
				continue
			}
			d.logger.Info("scheduled run queued", zap.String("run_id", req.RunID.String()), zap.String("mode", req.Mode))
		}
	}
}

// Submit records req as pending and queues it. A full queue is reported
// rather than waited on; the pending record is then closed as failed.
func (d *Dispatcher) Submit(ctx context.Context, req ingest.RunRequest) (ingest.RunRequest, error) {
	req, err := d.preparer.Prepare(ctx, req)
	if err != nil {
		return req, err
	}
	item := ingest.QueueItem{Request: req, Submitted: d.clock.Now()}
	if err := d.Enqueue(ctx, item); err != nil {
		if d.runs != nil {
			if aerr := store.AbandonRun(context.WithoutCancel(ctx), d.runs, req.RunID, d.clock.Now(), err); aerr != nil {
				err = errors.Join(err, aerr)
			}
		}
		return req, err
	}
	return req, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item ingest.QueueItem) error {
	if q, ok := d.queue.(tryEnqueuer); ok {
		if err := q.TryEnqueue(item); err != nil {
			return fmt.Errorf("queue enqueue: %w", err)
		}
		return nil
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
