// Package orchestrator drives one ingestion run: it takes the mode lock,
// walks every source of the mode through its partitions and pages, upserts
// what the adapters parse, optionally runs entity resolution, and records the
// run in the run log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/policy/retry"
	"github.com/JakeFAU/baseddata-vacuum/internal/progress"
	"github.com/JakeFAU/baseddata-vacuum/internal/resolve"
	"github.com/JakeFAU/baseddata-vacuum/internal/sources"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
	"github.com/JakeFAU/baseddata-vacuum/internal/telemetry"
)

// ErrInvalidRequest rejects a run request before anything is started.
var ErrInvalidRequest = errors.New("invalid run request")

const (
	defaultLockTTL = 2 * time.Hour
	defaultTrigger = "manual"
)

// Resolver runs the entity resolution pass.
type Resolver interface {
	Run(ctx context.Context, opts resolve.Options) (store.ResolutionSummary, error)
}

// SourceSettings tunes how one provider's partitions are walked.
type SourceSettings struct {
	// Concurrency bounds partitions paged at once; 1 keeps them sequential.
	Concurrency int
	// Delay is an optional fixed pause between pages on top of rate limiting.
	Delay time.Duration
	Retry retry.Policy
}

// Config bounds runs.
type Config struct {
	LockTTL time.Duration
	// Budget is the overall run deadline; zero means none.
	Budget       time.Duration
	ErrorLimit   int
	ResolveAfter bool
	ResolveBatch int
	// Providers is keyed by provider name (usaspending, sam, ...).
	Providers map[string]SourceSettings
}

// Deps are the collaborators a run needs. Resolver and Events are optional.
type Deps struct {
	Registry *sources.Registry
	Fetcher  ingest.Fetcher
	Sink     ingest.RecordSink
	Runs     store.RunRepository
	Locker   ingest.Locker
	Resolver Resolver
	Events   progress.Emitter
	Clock    ingest.Clock
	IDs      ingest.IDGenerator
	Logger   *zap.Logger
}

// Orchestrator executes runs.
type Orchestrator struct {
	registry *sources.Registry
	fetcher  ingest.Fetcher
	sink     ingest.RecordSink
	runs     store.RunRepository
	locker   ingest.Locker
	resolver Resolver
	events   progress.Emitter
	clock    ingest.Clock
	ids      ingest.IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// New validates deps and applies defaults.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("source registry is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Sink == nil:
		return nil, errors.New("record sink is required")
	case deps.Runs == nil:
		return nil, errors.New("run repository is required")
	case deps.Locker == nil:
		return nil, errors.New("locker is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Events == nil {
		deps.Events = progress.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Orchestrator{
		registry: deps.Registry,
		fetcher:  deps.Fetcher,
		sink:     deps.Sink,
		runs:     deps.Runs,
		locker:   deps.Locker,
		resolver: deps.Resolver,
		events:   deps.Events,
		clock:    deps.Clock,
		ids:      deps.IDs,
		cfg:      cfg,
		logger:   deps.Logger.Named("orchestrator"),
	}, nil
}

func (o *Orchestrator) bind(req ingest.RunRequest) (job, error) {
	mode, ok := LookupMode(req.Mode)
	if !ok {
		return job{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}
	if req.MaxPages < 0 {
		return job{}, fmt.Errorf("%w: max_pages must be >= 0", ErrInvalidRequest)
	}
	return mode.bind(req.Source, req.States, req.Agencies, req.Keywords, req.Years, req.MaxPages, o.clock.Now())
}

// Prepare validates req, assigns its run ID, and records it as pending so an
// async caller can poll it before a worker picks it up.
func (o *Orchestrator) Prepare(ctx context.Context, req ingest.RunRequest) (ingest.RunRequest, error) {
	j, err := o.bind(req)
	if err != nil {
		return req, err
	}
	if req.RunID == uuid.Nil {
		if req.RunID, err = o.ids.NewID(); err != nil {
			return req, err
		}
	}
	if req.Trigger == "" {
		req.Trigger = defaultTrigger
	}
	req.Mode = j.mode.Name
	err = o.runs.CreateRun(ctx, store.Run{
		ID:        req.RunID,
		Mode:      req.Mode,
		Trigger:   req.Trigger,
		Status:    store.RunPending,
		StartedAt: o.clock.Now(),
	})
	if err != nil {
		return req, fmt.Errorf("record pending run: %w", err)
	}
	return req, nil
}

// Run executes req to completion. It returns an error only when the run
// never started: an invalid request, a held mode lock (ErrRunInProgress), or
// an unwritable run log. Everything after that is reported in the Outcome.
func (o *Orchestrator) Run(ctx context.Context, req ingest.RunRequest) (Outcome, error) {
	j, err := o.bind(req)
	if err != nil {
		return Outcome{}, err
	}

	lock, err := o.locker.Acquire(ctx, lockName(j.mode.Name), o.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ingest.ErrLockHeld) {
			return Outcome{}, fmt.Errorf("%w: mode %s", ingest.ErrRunInProgress, j.mode.Name)
		}
		return Outcome{}, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			o.logger.Warn("release run lock", zap.String("mode", j.mode.Name), zap.Error(rerr))
		}
	}()

	out := Outcome{
		RunID:     req.RunID,
		Mode:      j.mode.Name,
		Trigger:   req.Trigger,
		StartedAt: o.clock.Now(),
	}
	if out.RunID == uuid.Nil {
		if out.RunID, err = o.ids.NewID(); err != nil {
			return Outcome{}, err
		}
	}
	if out.Trigger == "" {
		out.Trigger = defaultTrigger
	}
	err = o.runs.CreateRun(ctx, store.Run{
		ID:        out.RunID,
		Mode:      out.Mode,
		Trigger:   out.Trigger,
		Status:    store.RunRunning,
		StartedAt: out.StartedAt,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create run record: %w", err)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "run")
	defer span.End()
	span.SetAttributes(
		attribute.String("vacuum.run_id", out.RunID.String()),
		attribute.String("vacuum.mode", out.Mode),
		attribute.String("vacuum.trigger", out.Trigger),
	)

	log := o.logger.With(zap.String("run_id", out.RunID.String()), zap.String("mode", out.Mode))
	log.Info("run started", zap.Strings("sources", j.sources), zap.String("trigger", out.Trigger))
	o.emit(progress.Event{RunID: out.RunID, Stage: progress.StageRunStart, Mode: out.Mode, Note: out.Trigger})

	stop := o.keepAlive(ctx, lock, log)
	aborted := o.execute(ctx, j, &out, log)
	stop()

	if !aborted && o.shouldResolve(req) && ctx.Err() == nil {
		o.resolveAfter(ctx, &out, log)
	}

	out.FinishedAt = o.clock.Now()
	out.Duration = out.FinishedAt.Sub(out.StartedAt)
	out.tally(aborted)

	if err := o.runs.FinishRun(context.WithoutCancel(ctx), out.Record()); err != nil {
		log.Error("finalize run record", zap.Error(err))
		out.Errors = append(out.Errors, fmt.Sprintf("finalize run record: %v", err))
		out.tally(aborted)
	}

	stage := progress.StageRunDone
	if aborted {
		stage = progress.StageRunError
		span.SetStatus(codes.Error, string(out.Status))
	}
	o.emit(progress.Event{
		RunID:  out.RunID,
		Stage:  stage,
		Mode:   out.Mode,
		Loaded: int64(out.TotalLoaded),
		Errors: int64(out.TotalErrors),
		Status: string(out.Status),
		Dur:    out.Duration,
	})
	log.Info("run finished",
		zap.String("status", string(out.Status)),
		zap.Int("total_loaded", out.TotalLoaded),
		zap.Int("total_errors", out.TotalErrors),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

func lockName(mode string) string {
	return "run:" + mode
}

// execute walks the sources in mode order. It reports true when the run was
// aborted by a panic or by cancellation.
func (o *Orchestrator) execute(ctx context.Context, j job, out *Outcome, log *zap.Logger) (aborted bool) {
	defer func() {
		if r := recover(); r != nil {
			fatal := &ingest.FatalError{Err: fmt.Errorf("panic: %v", r)}
			log.Error("run panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			out.Errors = append(out.Errors, fatal.Error())
			aborted = true
		}
	}()

	if o.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Budget)
		defer cancel()
	}

	for _, name := range j.sources {
		if err := ctx.Err(); err != nil {
			fatal := &ingest.FatalError{Err: fmt.Errorf("run aborted before %s: %w", name, err)}
			out.Errors = append(out.Errors, fatal.Error())
			return true
		}
		out.Sources = append(out.Sources, o.runSource(ctx, out.RunID, j, name, log))
	}
	if err := ctx.Err(); err != nil {
		out.Errors = append(out.Errors, (&ingest.FatalError{Err: fmt.Errorf("run aborted: %w", err)}).Error())
		return true
	}
	return false
}

// sourceRun accumulates one source's counters across partitions.
type sourceRun struct {
	name     string
	adapter  sources.Adapter
	spec     ingest.TableSpec
	errs     *ingest.ErrorCollector
	settings SourceSettings
	loaded   atomic.Int64
	skipped  atomic.Int64
	pages    atomic.Int64
	// panicked holds the first panic raised by a partition goroutine.
	panicked atomic.Pointer[partitionPanic]
}

type partitionPanic struct {
	value any
	stack []byte
}

func (o *Orchestrator) runSource(ctx context.Context, runID uuid.UUID, j job, name string, log *zap.Logger) store.SourceSummary {
	start := o.clock.Now()
	summary := store.SourceSummary{Source: name, Errors: []string{}}
	log = log.With(zap.String("source", name))

	adapter, err := o.registry.Get(name)
	if err != nil {
		summary.ErrorCount = 1
		summary.Errors = []string{err.Error()}
		summary.SkipReason = err.Error()
		log.Warn("source skipped", zap.Error(err))
		return summary
	}
	if adapter.RequiresKey() && !adapter.HasKey() {
		cerr := &ingest.ConfigurationError{Source: name, Setting: "sources." + adapter.Provider() + ".api_key"}
		summary.ErrorCount = 1
		summary.Errors = []string{cerr.Error()}
		summary.SkipReason = cerr.Error()
		log.Warn("source skipped", zap.Error(cerr))
		return summary
	}
	spec, ok := ingest.TableFor(adapter.Kind())
	if !ok {
		msg := fmt.Sprintf("%s: no table for record kind %s", name, adapter.Kind())
		summary.ErrorCount = 1
		summary.Errors = []string{msg}
		summary.SkipReason = msg
		log.Error("source skipped", zap.String("reason", msg))
		return summary
	}

	ctx, span := telemetry.Tracer().Start(ctx, "source")
	defer span.End()
	span.SetAttributes(attribute.String("vacuum.source", name))

	sr := &sourceRun{
		name:     name,
		adapter:  adapter,
		spec:     spec,
		errs:     ingest.NewErrorCollector(o.cfg.ErrorLimit),
		settings: o.settingsFor(adapter.Provider()),
	}
	partitions := adapter.Partitions(j.plan)
	o.emit(progress.Event{RunID: runID, Stage: progress.StageSourceStart, Source: name, Note: fmt.Sprintf("%d partitions", len(partitions))})
	log.Info("source started", zap.Int("partitions", len(partitions)), zap.Int("max_pages", j.maxPages))

	var g errgroup.Group
	g.SetLimit(sr.settings.Concurrency)
	for _, p := range partitions {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					sr.panicked.CompareAndSwap(nil, &partitionPanic{value: r, stack: debug.Stack()})
				}
			}()
			o.runPartition(ctx, runID, j, sr, p)
			return nil
		})
	}
	_ = g.Wait()
	if pp := sr.panicked.Load(); pp != nil {
		log.Error("partition panicked", zap.ByteString("stack", pp.stack))
		panic(pp.value)
	}

	summary.Loaded = int(sr.loaded.Load())
	summary.Skipped = int(sr.skipped.Load())
	summary.Pages = int(sr.pages.Load())
	summary.ErrorCount = sr.errs.Count()
	summary.Errors = sr.errs.Messages()
	if summary.Errors == nil {
		summary.Errors = []string{}
	}
	dur := o.clock.Now().Sub(start)
	summary.Duration = dur.Seconds()
	if summary.ErrorCount > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d errors", summary.ErrorCount))
	}

	o.emit(progress.Event{
		RunID:   runID,
		Stage:   progress.StageSourceDone,
		Source:  name,
		Loaded:  int64(summary.Loaded),
		Skipped: int64(summary.Skipped),
		Errors:  int64(summary.ErrorCount),
		Dur:     dur,
	})
	log.Info("source finished",
		zap.Int("loaded", summary.Loaded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("pages", summary.Pages),
		zap.Int("errors", summary.ErrorCount),
	)
	return summary
}

func (o *Orchestrator) settingsFor(provider string) SourceSettings {
	s := o.cfg.Providers[provider]
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}
	if s.Retry == nil {
		s.Retry = retry.Never{}
	}
	return s
}

// runPartition pages one partition; a failed page ends the partition only.
func (o *Orchestrator) runPartition(ctx context.Context, runID uuid.UUID, j job, sr *sourceRun, p sources.Partition) {
	ctx, span := telemetry.Tracer().Start(ctx, "partition")
	defer span.End()
	span.SetAttributes(
		attribute.String("vacuum.source", sr.name),
		attribute.String("vacuum.partition", p.Label),
	)

	opts := sources.PageOptions{MaxPages: j.maxPages, Retry: sr.settings.Retry, Delay: sr.settings.Delay}
	for page, err := range sources.Paginate(ctx, o.fetcher, sr.adapter, p, opts) {
		if err != nil {
			var fe *ingest.FetchError
			if errors.As(err, &fe) {
				sr.errs.Add(err)
			} else {
				sr.errs.Addf("%s [%s] page %d: %v", sr.name, p.Label, page.Index, err)
			}
			span.RecordError(err)
			return
		}

		var loaded, skipped, failed int64
		for _, rec := range page.Records {
			switch res, err := o.upsert(ctx, sr, rec); {
			case err != nil:
				sr.errs.Addf("%s [%s] page %d: %v", sr.name, p.Label, page.Index, err)
				failed++
			case res.Loaded():
				loaded++
			default:
				skipped++
			}
		}
		sr.loaded.Add(loaded)
		sr.skipped.Add(skipped)
		sr.pages.Add(1)
		o.emit(progress.Event{
			RunID:     runID,
			Stage:     progress.StagePageDone,
			Source:    sr.name,
			Partition: p.Label,
			Page:      page.Index,
			Loaded:    loaded,
			Skipped:   skipped,
			Errors:    failed,
		})
	}
}

func (o *Orchestrator) upsert(ctx context.Context, sr *sourceRun, rec ingest.Record) (ingest.UpsertResult, error) {
	if err := rec.ValidateKey(); err != nil {
		telemetry.ObserveRecord(sr.name, "invalid")
		return "", err
	}
	res, err := o.sink.Upsert(ctx, sr.spec, rec)
	if err != nil {
		telemetry.ObserveRecord(sr.name, "error")
		return "", err
	}
	telemetry.ObserveRecord(sr.name, string(res))
	return res, nil
}

func (o *Orchestrator) shouldResolve(req ingest.RunRequest) bool {
	if o.resolver == nil {
		return false
	}
	if req.Resolve != nil {
		return *req.Resolve
	}
	return o.cfg.ResolveAfter
}

func (o *Orchestrator) resolveAfter(ctx context.Context, out *Outcome, log *zap.Logger) {
	summary, err := o.resolver.Run(ctx, resolve.Options{BatchSize: o.cfg.ResolveBatch})
	if err != nil {
		log.Error("entity resolution failed", zap.Error(err))
		out.Errors = append(out.Errors, fmt.Sprintf("entity resolution: %v", err))
		return
	}
	out.Resolution = &summary
}

// keepAlive extends the lock at a third of its TTL until stopped.
func (o *Orchestrator) keepAlive(ctx context.Context, lock ingest.Lock, log *zap.Logger) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(o.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Extend(ctx, o.cfg.LockTTL); err != nil {
					log.Warn("extend run lock", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	o.events.Emit(evt)
}
