// Package server builds the vacuum's dependency graph from configuration and
// runs the long-lived HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/api"
	"github.com/JakeFAU/baseddata-vacuum/internal/archive"
	"github.com/JakeFAU/baseddata-vacuum/internal/clock/system"
	"github.com/JakeFAU/baseddata-vacuum/internal/config"
	"github.com/JakeFAU/baseddata-vacuum/internal/dispatcher"
	restfetcher "github.com/JakeFAU/baseddata-vacuum/internal/fetcher/rest"
	"github.com/JakeFAU/baseddata-vacuum/internal/hash/sha256"
	idgen "github.com/JakeFAU/baseddata-vacuum/internal/id/uuid"
	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/lock"
	"github.com/JakeFAU/baseddata-vacuum/internal/orchestrator"
	"github.com/JakeFAU/baseddata-vacuum/internal/policy/ratelimit"
	"github.com/JakeFAU/baseddata-vacuum/internal/policy/retry"
	"github.com/JakeFAU/baseddata-vacuum/internal/progress"
	progresssinks "github.com/JakeFAU/baseddata-vacuum/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/baseddata-vacuum/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/baseddata-vacuum/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/baseddata-vacuum/internal/publisher/pubsub"
	queuemem "github.com/JakeFAU/baseddata-vacuum/internal/queue/memory"
	"github.com/JakeFAU/baseddata-vacuum/internal/resolve"
	"github.com/JakeFAU/baseddata-vacuum/internal/sources"
	gcsstorage "github.com/JakeFAU/baseddata-vacuum/internal/storage/gcs"
	localstorage "github.com/JakeFAU/baseddata-vacuum/internal/storage/local"
	memorystorage "github.com/JakeFAU/baseddata-vacuum/internal/storage/memory"
	pgstore "github.com/JakeFAU/baseddata-vacuum/internal/storage/postgres"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
	"github.com/JakeFAU/baseddata-vacuum/internal/telemetry"
	"github.com/JakeFAU/baseddata-vacuum/internal/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	rateLimitBlock    = 30 * time.Second
	rateLimitPrefix   = "vacuum:ratelimit:"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool     *pgxpool.Pool
	redis    *redis.Client
	runs     store.RunRepository
	resolver *resolve.Resolver
	orch     *orchestrator.Orchestrator

	progressHub *progress.Hub
	queue       *queuemem.Queue
	dispatch    *dispatcher.Dispatcher
	apiServer   *api.Server

	closers        []namedCloser
	tracerShutdown func(context.Context) error
}

type namedCloser struct {
	name  string
	close func() error
}

// Run executes one run synchronously.
func (a *App) Run(ctx context.Context, req ingest.RunRequest) (orchestrator.Outcome, error) {
	return a.orch.Run(ctx, req)
}

// Resolve executes a standalone entity resolution pass.
func (a *App) Resolve(ctx context.Context, opts resolve.Options) (store.ResolutionSummary, error) {
	return a.resolver.Run(ctx, opts)
}

// Runs returns the run log.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Serve starts the dispatcher and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started",
			zap.Int("workers", a.cfg.Queue.Workers),
			zap.Bool("schedule", a.cfg.Schedule.Enabled),
		)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not drain before shutdown deadline")
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every client the App opened. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Build creates the application's dependencies. On error everything opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("database", cfg.Database.DSN != ""),
		zap.String("lock_backend", cfg.Lock.Backend),
		zap.String("publisher_backend", cfg.Publisher.Backend),
	)

	if cfg.Telemetry.Tracing {
		tp, tErr := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if tErr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", tErr)
		}
		app.tracerShutdown = tp.Shutdown
	}

	clock := system.New()
	ids := idgen.New()

	if err = setupRedis(ctx, app); err != nil {
		return nil, err
	}
	sink, entities, err := setupDatabase(ctx, app, clock)
	if err != nil {
		return nil, err
	}
	locker, err := setupLocker(app, clock)
	if err != nil {
		return nil, err
	}
	fetcher, err := setupFetcher(ctx, app, clock)
	if err != nil {
		return nil, err
	}
	events, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}

	app.resolver = resolve.New(entities, clock, ids, logger.Named("resolve"))
	app.orch, err = orchestrator.New(orchestrator.Deps{
		Registry: sources.NewDefaultRegistry(endpointFunc(cfg)),
		Fetcher:  fetcher,
		Sink:     sink,
		Runs:     app.runs,
		Locker:   locker,
		Resolver: app.resolver,
		Events:   events,
		Clock:    clock,
		IDs:      ids,
		Logger:   logger,
	}, orchestratorConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	setupDispatcher(app, clock)

	app.apiServer = api.NewServer(api.Deps{
		Runner:    app.orch,
		Submitter: app.dispatch,
		Runs:      app.runs,
		Resolver:  app.resolver,
		Ready:     readinessChecks(app),
		Logger:    logger,
	}, cfg)

	return app, nil
}

func setupRedis(ctx context.Context, app *App) error {
	if app.cfg.Redis.Addr == "" {
		return nil
	}
	app.redis = redis.NewClient(&redis.Options{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
	})
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	app.logger.Info("redis connected", zap.String("addr", app.cfg.Redis.Addr))
	return nil
}

// setupDatabase opens Postgres when a DSN is configured and falls back to
// in-memory stores otherwise.
func setupDatabase(
	ctx context.Context,
	app *App,
	clock ingest.Clock,
) (ingest.RecordSink, store.EntityRepository, error) {
	dbCfg := app.cfg.Database
	if dbCfg.DSN == "" {
		app.logger.Warn("No DSN specified for database, records and runs are kept in memory")
		records := memorystorage.NewRecordStore(clock)
		app.runs = memorystorage.NewRunStore()
		return records, records, nil
	}

	if dbCfg.AutoMigrate {
		if err := Migrate(dbCfg.DSN, app.logger); err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             dbCfg.DSN,
		MaxConns:        dbCfg.MaxConns,
		MinConns:        dbCfg.MinConns,
		MaxConnLifetime: dbCfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	app.pool = pool

	sink, err := pgstore.NewSink(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("record sink init failed: %w", err)
	}
	entities, err := pgstore.NewEntityStore(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("entity store init failed: %w", err)
	}
	runs, err := pgstore.NewRunStore(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("run store init failed: %w", err)
	}
	app.runs = runs
	app.logger.Info("postgres stores initialized", zap.Int32("max_conns", pool.Config().MaxConns))
	return sink, entities, nil
}

// Migrate applies every pending schema migration.
func Migrate(dsn string, logger *zap.Logger) error {
	m, err := pgstore.NewMigrator(dsn, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn("migrator close failed", zap.Error(cerr))
		}
	}()
	return m.Up()
}

func setupLocker(app *App, clock ingest.Clock) (ingest.Locker, error) {
	switch app.cfg.Lock.Backend {
	case "redis":
		if app.redis == nil {
			return nil, errors.New("lock.backend redis needs redis.addr")
		}
		return lock.NewRedisLocker(app.redis, app.cfg.Lock.KeyPrefix), nil
	case "postgres":
		if app.pool == nil {
			return nil, errors.New("lock.backend postgres needs database.dsn")
		}
		locker, err := pgstore.NewLocker(app.pool, app.cfg.Lock.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("postgres locker init failed: %w", err)
		}
		return locker, nil
	default:
		return lock.NewMemoryLocker(clock), nil
	}
}

func setupFetcher(ctx context.Context, app *App, clock ingest.Clock) (*restfetcher.Fetcher, error) {
	limCfg := ratelimit.Config{
		DefaultBlock: rateLimitBlock,
		Logger:       app.logger.Named("ratelimit"),
	}
	if app.redis != nil {
		limCfg.Blocker = ratelimit.NewRedisBlocker(app.redis, rateLimitPrefix)
	}
	limiter := ratelimit.New(limCfg)
	for _, provider := range config.Providers {
		src := app.cfg.Source(provider)
		limiter.Configure(provider, src.RPS, src.Burst)
	}

	var opts []restfetcher.Option
	if app.cfg.Archive.Enabled {
		blobs, err := setupBlobStore(ctx, app)
		if err != nil {
			return nil, err
		}
		archiver, err := archive.New(blobs, sha256.New(), clock, app.cfg.Archive.Prefix)
		if err != nil {
			return nil, fmt.Errorf("archiver init failed: %w", err)
		}
		opts = append(opts, restfetcher.WithArchiver(archiver))
	}

	return restfetcher.New(nil, limiter, restfetcher.Config{
		UserAgent:    app.cfg.HTTP.UserAgent,
		Timeout:      app.cfg.FetchTimeout(),
		MaxBodyBytes: app.cfg.HTTP.MaxBodyBytes,
	}, app.logger.Named("fetcher"), opts...), nil
}

func setupBlobStore(ctx context.Context, app *App) (ingest.BlobStore, error) {
	arc := app.cfg.Archive
	switch arc.Backend {
	case "gcs":
		blobs, closeFn, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: arc.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.onClose("gcs", closeFn)
		app.logger.Info("archiving raw responses to GCS", zap.String("bucket", arc.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: arc.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving raw responses locally", zap.String("path", arc.BaseDir))
		return blobs, nil
	default:
		app.logger.Info("archiving raw responses in memory")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (ingest.Publisher, error) {
	pubCfg := app.cfg.Publisher
	switch pubCfg.Backend {
	case "pubsub":
		pub, err := gcppublisher.Dial(ctx, pubCfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.onClose("pubsub", pub.Close)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", pubCfg.ProjectID),
			zap.String("topic", pubCfg.Topic),
		)
		return pub, nil
	case "kafka":
		pub, err := kafkapublisher.New(kafkapublisher.Config{Brokers: pubCfg.Brokers})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		app.onClose("kafka", pub.Close)
		app.logger.Info("Kafka publisher initialized",
			zap.Strings("brokers", pubCfg.Brokers),
			zap.String("topic", pubCfg.Topic),
		)
		return pub, nil
	case "memory":
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	pcfg := app.cfg.Progress
	if !pcfg.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}

	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if pcfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	pub, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		pubSink, err := progresssinks.NewPublisherSink(pub, progresssinks.PublisherConfig{
			Topic: app.cfg.Publisher.Topic,
		}, app.logger.Named("progress_publisher"))
		if err != nil {
			return nil, fmt.Errorf("progress publisher sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
	}

	hubCfg := progress.Config{
		BufferSize:     pcfg.BufferSize,
		MaxBatchEvents: pcfg.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(pcfg.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(pcfg.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupDispatcher(app *App, clock ingest.Clock) {
	app.queue = queuemem.NewQueue(app.cfg.Queue.Depth)
	workers := make([]*worker.Worker, 0, app.cfg.Queue.Workers)
	for i := range app.cfg.Queue.Workers {
		workers = append(workers, worker.New(
			app.queue,
			app.orch,
			app.runs,
			clock,
			worker.Config{Timeout: app.cfg.RunBudget()},
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	opts := []dispatcher.Option{dispatcher.WithLogger(app.logger.Named("dispatcher"))}
	if app.cfg.Schedule.Enabled {
		opts = append(opts, dispatcher.WithSchedule(dispatcher.Schedule{
			Interval: app.cfg.Schedule.Interval,
			Mode:     app.cfg.Schedule.Mode,
		}))
	}
	app.dispatch = dispatcher.New(app.queue, workers, app.orch, app.runs, clock, opts...)
}

func readinessChecks(app *App) map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{}
	if app.pool != nil {
		checks["database"] = func(ctx context.Context) error { return app.pool.Ping(ctx) }
	}
	if app.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return app.redis.Ping(ctx).Err() }
	}
	return checks
}

// endpointFunc exposes per-provider connection settings to the adapters.
func endpointFunc(cfg config.Config) sources.EndpointFunc {
	return func(provider string) sources.Endpoint {
		src := cfg.Source(provider)
		return sources.Endpoint{
			BaseURL:  src.BaseURL,
			APIKey:   src.APIKey,
			PageSize: src.PageSize,
			MaxPages: src.MaxPages,
			Timeout:  time.Duration(src.TimeoutSeconds) * time.Second,
		}
	}
}

func orchestratorConfig(cfg config.Config) orchestrator.Config {
	providers := make(map[string]orchestrator.SourceSettings, len(config.Providers))
	for _, name := range config.Providers {
		src := cfg.Source(name)
		settings := orchestrator.SourceSettings{
			Concurrency: src.Concurrency,
			Delay:       time.Duration(src.DelayMs) * time.Millisecond,
		}
		if src.MaxRetries > 0 {
			settings.Retry = retry.NewExponential(
				src.MaxRetries,
				time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
				time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
			)
		}
		providers[name] = settings
	}
	return orchestrator.Config{
		LockTTL:      cfg.Lock.TTL,
		Budget:       cfg.RunBudget(),
		ErrorLimit:   cfg.Run.ErrorLimit,
		ResolveAfter: cfg.Run.ResolveAfter,
		ResolveBatch: cfg.Resolve.BatchSize,
		Providers:    providers,
	}
}
