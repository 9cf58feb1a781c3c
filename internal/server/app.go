// Package server wires configuration into a running fetch batch: stores,
// the scheduler, workers, crowdsourcing transport and the ops server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/api"
	"github.com/JakeFAU/fetch-scheduler/internal/clock/system"
	"github.com/JakeFAU/fetch-scheduler/internal/config"
	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/fetch-scheduler/internal/fetcher/colly"
	"github.com/JakeFAU/fetch-scheduler/internal/fetcher/headless"
	"github.com/JakeFAU/fetch-scheduler/internal/hash/sha256"
	"github.com/JakeFAU/fetch-scheduler/internal/headless/detector"
	"github.com/JakeFAU/fetch-scheduler/internal/id/uuid"
	"github.com/JakeFAU/fetch-scheduler/internal/logging"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
	"github.com/JakeFAU/fetch-scheduler/internal/monitor"
	"github.com/JakeFAU/fetch-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/fetch-scheduler/internal/policy/simple"
	"github.com/JakeFAU/fetch-scheduler/internal/progress"
	progresssinks "github.com/JakeFAU/fetch-scheduler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/fetch-scheduler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/fetch-scheduler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/fetch-scheduler/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/fetch-scheduler/internal/queue/pubsub"
	"github.com/JakeFAU/fetch-scheduler/internal/schedule"
	"github.com/JakeFAU/fetch-scheduler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/fetch-scheduler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fetch-scheduler/internal/storage/local"
	memorystorage "github.com/JakeFAU/fetch-scheduler/internal/storage/memory"
	pgstore "github.com/JakeFAU/fetch-scheduler/internal/storage/postgres"
	"github.com/JakeFAU/fetch-scheduler/internal/telemetry"
	"github.com/JakeFAU/fetch-scheduler/internal/tracker"
	"github.com/JakeFAU/fetch-scheduler/internal/update"
	"github.com/JakeFAU/fetch-scheduler/internal/worker"
)

const (
	monitorInterval = 250 * time.Millisecond
	shutdownTimeout = 10 * time.Second
	// deferredBatch bounds how many staged URLs are resubmitted per run.
	deferredBatch = 10000
)

// App contains the application's dependencies for one batch.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  crawler.Clock

	batchID    string
	tracker    *tracker.Tracker
	schedule   schedule.FetchSchedule
	registry   *scheduler.Registry
	scheduler  *scheduler.Scheduler
	monitor    *monitor.Monitor
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	progress   *progress.Hub
	emitter    progress.Emitter
	results    *queuememory.ResultQueue
	subscriber *queuepubsub.Subscriber
	feeder     *dispatcher.Feeder
	fetcher    crawler.Fetcher
	browser    *headless.Fetcher

	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	gcs          *gcsstorage.BlobStore
	urlStore     *pgstore.URLStore
	telemetry    *telemetry.Providers
}

// Option customizes Build, mainly for tests.
type Option func(*buildOptions)

type buildOptions struct {
	logger  *zap.Logger
	fetcher crawler.Fetcher
	clock   crawler.Clock
}

// WithLogger skips logger construction from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithFetcher replaces the colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *buildOptions) { o.fetcher = f }
}

// WithClock overrides the time source shared by every component.
func WithClock(c crawler.Clock) Option {
	return func(o *buildOptions) { o.clock = c }
}

// BatchID returns the id of the batch this app runs.
func (a *App) BatchID() string { return a.batchID }

// Tracker exposes the host tracker.
func (a *App) Tracker() *tracker.Tracker { return a.tracker }

// Handler returns the instrumented ops handler.
func (a *App) Handler() http.Handler {
	return telemetry.WrapHandler(a.apiServer.Handler())
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	clock := o.clock
	if clock == nil {
		clock = system.New()
	}
	app = &App{cfg: cfg, logger: logger, clock: clock, registry: scheduler.NewRegistry(logger)}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	if app.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger.Named("telemetry")); err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.batchID, err = uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("batch id: %w", err)
	}
	logger.Info("building application dependencies", zap.String("batch_id", app.batchID))

	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	urls, err := app.setupURLStore(ctx)
	if err != nil {
		return nil, err
	}
	app.setupProgress(ctx)

	if app.tracker, err = tracker.New(ctx, tracker.Config{
		FailureThreshold: cfg.Tracker.FailureThreshold,
		MaxURLLength:     cfg.Tracker.MaxURLLength,
		ReportPrefix:     cfg.Tracker.ReportPrefix,
		DeferredMode:     deferredMode(cfg),
	}, logger,
		tracker.WithURLStore(urls),
		tracker.WithBlobStore(blobs),
		tracker.WithEmitter(app.emitter),
		tracker.WithClock(clock),
	); err != nil {
		return nil, fmt.Errorf("tracker init failed: %w", err)
	}
	if app.schedule, err = schedule.New(cfg.Schedule, clock, app.emitter); err != nil {
		return nil, err
	}

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	var hashOpts []sha256.Option
	if cfg.Fetcher.FoldWhitespace {
		hashOpts = append(hashOpts, sha256.WithWhitespaceFolding())
	}
	updater := update.New(
		update.Config{ResultTopic: cfg.PubSub.ResultTopic},
		app.schedule, app.tracker, sha256.New(hashOpts...), publisher, clock, logger,
	)

	app.scheduler = scheduler.New(scheduler.Config{
		BatchID:              app.batchID,
		MaxInFlightPerHost:   cfg.Scheduler.MaxInFlightPerHost,
		PendingTTL:           cfg.Scheduler.PendingTTL,
		SkipUnreachableHosts: cfg.Scheduler.SkipUnreachableHosts,
		Blocklist:            crawler.NewHostPatternBlocklist(cfg.Scheduler.BlockedHosts),
		Politeness:           app.politeness(),
		HostGate:             app.tracker,
		Clock:                clock,
		OnExpire: func(task *crawler.FetchTask) {
			app.tracker.TrackTimeout(task.URL)
		},
		Logger: logger,
	})
	app.monitor = monitor.New(app.registry, logger)

	if !cfg.Worker.Crowdsourced {
		if app.fetcher, err = app.setupFetcher(o.fetcher); err != nil {
			return nil, err
		}
	}
	if err = app.setupCrowdsourcing(publisher); err != nil {
		return nil, err
	}
	app.dispatch = dispatcher.New(app.buildWorkers(updater))

	deps := api.Deps{
		Reporter: app.tracker,
		Batches:  app.registry,
		Workers:  app.dispatch,
		Threads:  app.monitor,
		APIKey:   cfg.Server.APIKey,
	}
	if app.progress != nil {
		deps.Progress = app.progress
	}
	app.apiServer = api.NewServer(deps, logger)
	return app, nil
}

func (a *App) setupFetcher(primary crawler.Fetcher) (crawler.Fetcher, error) {
	cfg := a.cfg.Fetcher
	if primary == nil {
		primary = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.UserAgent,
			RespectRobots: cfg.RespectRobots,
			Timeout:       a.cfg.Worker.FetchTimeout,
			MaxBodySize:   cfg.MaxBodyBytes,
		}, telemetry.WrapTransport(collyfetcher.DefaultTransport()))
		a.logger.Info("using colly fetcher", zap.String("user_agent", cfg.UserAgent))
	}
	if !cfg.Categorize && !cfg.Headless.Enabled {
		return primary, nil
	}
	var browser crawler.Fetcher
	if cfg.Headless.Enabled {
		b, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.Headless.NavigationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.browser = b
		browser = b
		a.logger.Info("using headless fetcher for client rendered pages",
			zap.Int("max_parallel", cfg.Headless.MaxParallel),
			zap.Int("promotion_threshold", cfg.Headless.PromotionThreshold),
		)
	}
	return headless.NewPipeline(primary, browser, detector.NewHeuristic(cfg.Headless.PromotionThreshold), a.logger), nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case config.StorageLocal:
		store, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupURLStore(ctx context.Context) (crawler.URLStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No DSN specified for database, URL sets and deferred pages stay in memory")
		return memorystorage.NewURLStore(), nil
	}
	store, err := pgstore.NewURLStore(ctx, pgstore.URLStoreConfig{
		DSN:             a.cfg.DB.DSN,
		URLTable:        a.cfg.DB.URLTable,
		DeferredTable:   a.cfg.DB.DeferredTable,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("url store init failed: %w", err)
	}
	a.urlStore = store
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("url store migrate failed: %w", err)
	}
	a.logger.Info("postgres url store initialized")
	return store, nil
}

func (a *App) setupProgress(ctx context.Context) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return
	}
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.PrometheusEnabled {
		sink, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			a.logger.Warn("prometheus progress sink unavailable", zap.Error(err))
		} else {
			sinkList = append(sinkList, sink)
		}
	}
	if len(sinkList) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Now:            a.clock.Now,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progress = progress.NewHub(hubCfg, sinkList...)
	a.emitter = a.progress
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if !a.cfg.UsePubSub() {
		a.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.gcpPublisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("result_topic", a.cfg.PubSub.ResultTopic),
	)
	return a.gcpPublisher, nil
}

func (a *App) setupCrowdsourcing(publisher crawler.Publisher) error {
	if !a.cfg.Worker.Crowdsourced {
		return nil
	}
	if a.pubsubClient == nil {
		return fmt.Errorf("crowdsourced workers need a pubsub client")
	}
	a.results = queuememory.NewResultQueue(a.cfg.PubSub.ResultBuffer)
	a.subscriber = queuepubsub.New(
		a.pubsubClient.Subscriber(a.cfg.PubSub.CrowdSubscription), a.results, a.logger,
	)
	a.feeder = dispatcher.NewFeeder(dispatcher.FeederConfig{
		Topic:     a.cfg.PubSub.TaskTopic,
		BatchSize: a.cfg.PubSub.FeedBatchSize,
		Interval:  a.cfg.PubSub.FeedInterval,
	}, a.registry, publisher, a.logger)
	a.logger.Info("crowdsourced mode enabled",
		zap.String("task_topic", a.cfg.PubSub.TaskTopic),
		zap.String("subscription", a.cfg.PubSub.CrowdSubscription),
	)
	return nil
}

func (a *App) politeness() scheduler.Politeness {
	if !a.cfg.RateLimit.Enabled {
		a.logger.Info("rate limiter disabled, using simple policy")
		return simple.New()
	}
	a.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
	)
	return ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
		DefaultBurst: a.cfg.RateLimit.DefaultBurst,
		HostRPS:      a.cfg.RateLimit.HostRPSMap(),
	})
}

func (a *App) buildWorkers(updater *update.Updater) []*worker.Worker {
	workerCfg := worker.Config{
		IdleBackoff:  a.cfg.Worker.IdleBackoff,
		FetchTimeout: a.cfg.Worker.FetchTimeout,
		Crowdsourced: a.cfg.Worker.Crowdsourced,
	}
	a.logger.Info("worker config",
		zap.Int("count", a.cfg.Worker.Count),
		zap.Duration("idle_backoff", workerCfg.IdleBackoff),
		zap.Duration("fetch_timeout", workerCfg.FetchTimeout),
		zap.Bool("crowdsourced", workerCfg.Crowdsourced),
	)
	opts := []worker.Option{worker.WithMonitor(a.monitor), worker.WithClock(a.clock)}
	if a.emitter != nil {
		opts = append(opts, worker.WithEmitter(a.emitter))
	}
	if a.results != nil {
		opts = append(opts, worker.WithResultQueue(a.results))
	}
	workers := make([]*worker.Worker, 0, a.cfg.Worker.Count)
	for i := 0; i < a.cfg.Worker.Count; i++ {
		cfg := workerCfg
		cfg.ID = i
		workers = append(workers, worker.New(cfg, a.scheduler, a.fetcher, updater, a.logger, opts...))
	}
	return workers
}

// Seed submits configured seeds and any staged deferred pages to the batch
// scheduler. It returns the number of tasks queued.
func (a *App) Seed(ctx context.Context) int {
	queued := 0
	for _, raw := range a.cfg.Seeds {
		page := crawler.NewPage(raw)
		page.Seed = true
		a.schedule.InitializeSchedule(page)
		if _, err := a.scheduler.Submit(a.cfg.SeedPriority, raw, page); err != nil {
			a.logger.Warn("Seed rejected", zap.String("url", raw), zap.Error(err))
			continue
		}
		queued++
	}

	deferred, err := a.tracker.TakeDeferred(ctx, deferredMode(a.cfg), deferredBatch)
	switch {
	case errors.Is(err, tracker.ErrNoStore):
	case err != nil:
		a.logger.Warn("Failed to take deferred pages", zap.Error(err))
	}
	for _, raw := range deferred {
		page := crawler.NewPage(raw)
		a.schedule.InitializeSchedule(page)
		if _, err := a.scheduler.Submit(a.cfg.SeedPriority, raw, page); err == nil {
			queued++
		}
	}
	a.logger.Info("Batch seeded",
		zap.Int("seeds", len(a.cfg.Seeds)),
		zap.Int("deferred", len(deferred)),
		zap.Int("queued", queued),
	)
	return queued
}

// Run seeds the batch, runs workers until the mission is complete or ctx
// ends, and then releases every resource.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if a.cfg.Batch.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Batch.MaxRuntime)
		defer cancel()
	}

	a.Seed(ctx)
	a.registry.Register(a.batchID, a.scheduler)
	started := a.clock.Now()
	a.emit(progress.Event{BatchID: a.batchID, Stage: progress.StageBatchStart})
	a.logger.Info("batch started", zap.String("batch_id", a.batchID))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if a.subscriber != nil {
		go func() {
			if err := a.subscriber.Run(runCtx); err != nil && runCtx.Err() == nil {
				a.logger.Error("crowd subscriber stopped", zap.Error(err))
			}
		}()
	}
	if a.feeder != nil {
		go a.feeder.Run(runCtx)
	}
	go a.heartbeat(runCtx)
	srv := a.startHTTP(stop)

	a.dispatch.Start(runCtx)
	// Seeds are the only feed; nothing else will be submitted.
	a.monitor.MarkFeedExhausted()

	waitErr := a.monitor.Wait(ctx, monitorInterval)
	a.dispatch.Halt()
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.dispatch.ExitAndJoin(shutdownCtx); err != nil {
		a.logger.Warn("workers did not exit cleanly", zap.Error(err))
	}

	stats := a.scheduler.Stats()
	if waitErr != nil {
		a.emit(progress.Event{BatchID: a.batchID, Stage: progress.StageBatchError, Note: waitErr.Error()})
		a.logger.Warn("batch interrupted", zap.Error(waitErr), zap.Int("queued", stats.Queued))
	} else {
		a.emit(progress.Event{BatchID: a.batchID, Stage: progress.StageBatchDone, Dur: a.clock.Now().Sub(started)})
		a.logger.Info("batch complete",
			zap.Int64("dispatched", stats.Dispatched),
			zap.Int64("finished", stats.Finished),
			zap.Int64("evicted", stats.Evicted),
			zap.Duration("elapsed", a.clock.Now().Sub(started)),
		)
	}
	for _, s := range a.dispatch.Summaries() {
		a.logger.Info("worker summary",
			zap.Int("worker_id", s.WorkerID),
			zap.Int("tasks", s.Tasks),
			zap.Int("errors", s.Errors),
			zap.Int("discarded", s.Discarded),
		)
	}
	a.registry.Unregister(a.batchID)

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	closeErr := a.Close(shutdownCtx)
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) && !errors.Is(waitErr, context.DeadlineExceeded) {
		return waitErr
	}
	return closeErr
}

func (a *App) startHTTP(stop context.CancelFunc) *http.Server {
	if a.cfg.Server.Port <= 0 {
		return nil
	}
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	return srv
}

func (a *App) heartbeat(ctx context.Context) {
	interval := a.cfg.Batch.HeartbeatInterval
	if interval <= 0 || a.emitter == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := a.scheduler.Stats()
			a.emit(progress.Event{
				BatchID: a.batchID,
				Stage:   progress.StageBatchHB,
				Note:    fmt.Sprintf("queued=%d pending=%d", stats.Queued, stats.Pending),
			})
		}
	}
}

func (a *App) emit(evt progress.Event) {
	if a.emitter == nil {
		return
	}
	a.emitter.Emit(evt)
}

// Close writes the tracker report and releases every resource.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.tracker != nil {
		if err := a.tracker.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracker close: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progress != nil {
		if err := a.progress.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progress = nil
	}
	if a.results != nil {
		a.results.Close()
	}
	if a.browser != nil {
		a.browser.Close()
		a.browser = nil
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Stop()
		a.gcpPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.urlStore != nil {
		a.urlStore.Close()
		a.urlStore = nil
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.telemetry = nil
	}
}

// deferredMode is the staging partition a run both drains at seed time and
// refills on close.
func deferredMode(cfg *config.Config) crawler.FetchMode {
	if cfg.Worker.Crowdsourced {
		return crawler.FetchModeCrowdsourced
	}
	return crawler.FetchModeNative
}
