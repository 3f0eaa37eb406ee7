// Package server wires the pipeline components and runs them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fqdn-intel/internal/analyzer/ollama"
	"github.com/JakeFAU/fqdn-intel/internal/api"
	"github.com/JakeFAU/fqdn-intel/internal/assistant"
	"github.com/JakeFAU/fqdn-intel/internal/bootstrap"
	"github.com/JakeFAU/fqdn-intel/internal/category"
	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/config"
	"github.com/JakeFAU/fqdn-intel/internal/dispatcher"
	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/events/sinks"
	"github.com/JakeFAU/fqdn-intel/internal/feeds"
	"github.com/JakeFAU/fqdn-intel/internal/feeds/parser"
	collyfetcher "github.com/JakeFAU/fqdn-intel/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/fqdn-intel/internal/fetcher/headless"
	"github.com/JakeFAU/fqdn-intel/internal/hash/sha256"
	"github.com/JakeFAU/fqdn-intel/internal/headless/detector"
	"github.com/JakeFAU/fqdn-intel/internal/health"
	"github.com/JakeFAU/fqdn-intel/internal/intake"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/kbsync"
	"github.com/JakeFAU/fqdn-intel/internal/policy"
	"github.com/JakeFAU/fqdn-intel/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/fqdn-intel/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/fqdn-intel/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/fqdn-intel/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fqdn-intel/internal/storage/local"
	memorystorage "github.com/JakeFAU/fqdn-intel/internal/storage/memory"
	pgstore "github.com/JakeFAU/fqdn-intel/internal/storage/postgres"
	"github.com/JakeFAU/fqdn-intel/internal/telemetry"
	"github.com/JakeFAU/fqdn-intel/internal/vector"
	"github.com/JakeFAU/fqdn-intel/internal/watchdog"
	"github.com/JakeFAU/fqdn-intel/internal/worker"
)

const (
	shutdownTimeout = 15 * time.Second
	eventsTopic     = "pipeline-events"
	limiterIdleTTL  = 10 * time.Minute
)

// App holds the long-lived pipeline components.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  intel.Clock
	reg    prometheus.Registerer

	store     intel.Store
	blobs     intel.BlobStore
	hub       *events.Hub
	tracker   *health.Tracker
	engine    *policy.Engine
	rechecker *policy.Rechecker
	scheduler *feeds.Scheduler
	syncer    *kbsync.Synchronizer
	watchdog  *watchdog.Watchdog
	pools     []*dispatcher.Dispatcher
	apiServer *api.Server

	headless        *headlessfetcher.Crawler
	storageClient   *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerShutdown  func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithClock overrides the wall clock shared by every component.
func WithClock(c intel.Clock) Option { return func(a *App) { a.clock = c } }

// WithRegisterer sets the registry for event collectors.
func WithRegisterer(r prometheus.Registerer) Option { return func(a *App) { a.reg = r } }

// OpenStore opens the configured primary store: Postgres when a DSN is set,
// otherwise the in-memory store. The Postgres schema is applied when
// auto_migrate is on.
func OpenStore(ctx context.Context, cfg config.Config, clk intel.Clock, logger *zap.Logger) (intel.Store, error) {
	limits := cfg.Pipeline.Limits()
	if cfg.Database.DSN == "" {
		logger.Warn("no database dsn configured, using the in-memory store")
		return memorystorage.NewStore(limits, memorystorage.WithClock(clk)), nil
	}
	pg, err := openPostgres(ctx, cfg, clk)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("postgres schema applied")
	}
	return pg, nil
}

// Migrate applies the Postgres schema.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required to migrate")
	}
	pg, err := openPostgres(ctx, cfg, clock.System{})
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("postgres schema applied")
	return nil
}

func openPostgres(ctx context.Context, cfg config.Config, clk intel.Clock) (*pgstore.Store, error) {
	pg, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	}, cfg.Pipeline.Limits(), pgstore.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return pg, nil
}

// Seed applies the bootstrap file (or the built-in seed) to store.
func Seed(ctx context.Context, cfg config.Config, store bootstrap.Store, logger *zap.Logger) (bootstrap.Result, error) {
	seed, err := bootstrap.Load(cfg.Bootstrap.SeedPath)
	if err != nil {
		return bootstrap.Result{}, err
	}
	res, err := bootstrap.Apply(ctx, store, seed, logger.Named("bootstrap"))
	if err != nil {
		return res, fmt.Errorf("apply seed: %w", err)
	}
	return res, nil
}

// Build creates every component. Nothing runs until Run is called.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, logger: logger, clock: clock.System{}, reg: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	var err error
	app.tracerShutdown, err = telemetry.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	if app.store, err = OpenStore(ctx, cfg, app.clock, logger); err != nil {
		return nil, err
	}
	if _, err = Seed(ctx, cfg, app.store, logger); err != nil {
		return nil, err
	}
	if app.blobs, err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupEvents(ctx); err != nil {
		return nil, err
	}
	app.setupHealth()
	if err = app.setupPolicy(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPipeline(); err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

func (a *App) setupStorage(ctx context.Context) (intel.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS content store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local content store", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory content store")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupEvents(ctx context.Context) error {
	var sinkList []events.Sink
	promSink, err := sinks.NewPrometheusSink(a.reg)
	if err != nil {
		return err
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Events.LogSink {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events")))
	}

	var pub intel.Publisher
	topic := a.cfg.PubSub.TopicName
	if a.cfg.PubSub.ProjectID != "" && topic != "" {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPublisher = gcppublisher.New(a.pubsubClient)
		pub = a.pubsubPublisher
		a.logger.Info("publishing events to Pub/Sub",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", topic),
		)
	} else {
		a.logger.Warn("no Pub/Sub topic configured, keeping recent events in memory")
		pub = memorypublisher.NewBounded(a.cfg.Events.BufferSize)
		topic = eventsTopic
	}
	sinkList = append(sinkList, sinks.NewPublishSink(pub, topic))

	a.hub = events.NewHub(events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
	}, a.logger.Named("events"), sinkList...)
	return nil
}

func (a *App) setupHealth() {
	a.tracker = health.NewTracker(health.TrackerConfig{
		DownAfter:  a.cfg.Health.DownAfter,
		StaleAfter: a.cfg.Health.StaleAfter,
	}, a.clock)
	a.tracker.Register(watchdog.Component, true)
	a.tracker.Register(feeds.TickComponent, true)
	for _, name := range []string{worker.CrawlComponent, worker.AnalyzeComponent, feeds.Component, vector.Component} {
		a.tracker.Register(name, false)
	}
}

func (a *App) setupPolicy(ctx context.Context) error {
	a.engine = policy.NewEngine(a.store, a.cfg.Policy.BlocklistPath, a.logger.Named("policy"))
	if err := a.engine.Reload(ctx); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	a.rechecker = policy.NewRechecker(a.store, a.engine, a.logger.Named("policy_recheck"))
	return nil
}

func (a *App) setupPipeline() error {
	cfg := a.cfg
	admitter := intake.New(a.store, a.engine, intake.Config{ReadmitCooldown: cfg.Feeds.ReadmitCooldown},
		intake.WithClock(a.clock), intake.WithEmitter(a.hub), intake.WithLogger(a.logger.Named("intake")))

	downloader := collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.Crawler.UserAgent,
		Timeout:         cfg.Feeds.FetchTimeout,
		MaxBodyBytes:    cfg.Feeds.MaxBodyBytes,
		FollowRedirects: true,
	}, nil, a.logger.Named("feed_download"))
	a.scheduler = feeds.NewScheduler(a.store, downloader, parser.New(), admitter, feeds.Config{
		Tick:            cfg.Feeds.Tick,
		MaxConcurrent:   cfg.Feeds.MaxConcurrent,
		FetchTimeout:    cfg.Feeds.FetchTimeout,
		DefaultPriority: cfg.Feeds.DefaultPriority,
	}, feeds.WithClock(a.clock), feeds.WithEmitter(a.hub), feeds.WithReporter(a.tracker), feeds.WithLogger(a.logger))

	embedder, err := vector.NewEmbedder(vector.Config{
		Provider: cfg.Vector.Embedder,
		Dim:      cfg.Vector.Dim,
		Endpoint: cfg.Vector.Endpoint,
		Model:    cfg.Vector.Model,
		Timeout:  cfg.Vector.Timeout,
	})
	if err != nil {
		return fmt.Errorf("embedder init failed: %w", err)
	}
	a.syncer = kbsync.New(a.store, embedder, vector.NewIndex(cfg.Vector.Dim), kbsync.Config{
		Workers:       cfg.Sync.Workers,
		QueueSize:     cfg.Sync.QueueSize,
		SweepInterval: cfg.Sync.SweepInterval,
		RetryAfter:    cfg.Sync.RetryAfter,
		SweepBatch:    cfg.Sync.SweepBatch,
	}, kbsync.WithClock(a.clock), kbsync.WithEmitter(a.hub), kbsync.WithReporter(a.tracker), kbsync.WithLogger(a.logger))
	a.hub.Attach(sinks.NewSyncSink(a.syncer))

	crawler, err := a.setupCrawler()
	if err != nil {
		return err
	}
	analyzer, err := ollama.New(ollama.Config{
		Endpoint:      cfg.Analyzer.Endpoint,
		Model:         cfg.Analyzer.Model,
		Timeout:       cfg.Analyzer.Timeout,
		RPS:           cfg.Analyzer.RPS,
		MaxInputChars: cfg.Analyzer.MaxInputChars,
	})
	if err != nil {
		return fmt.Errorf("analyzer init failed: %w", err)
	}

	crawl := worker.NewCrawl(crawler, a.blobs, sha256.New(), a.clock, worker.CrawlConfig{
		BlobPrefix:       cfg.Storage.Prefix,
		ContentType:      cfg.Storage.ContentType,
		MinContentLength: cfg.Pipeline.MinContentLen,
	})
	analyze := worker.NewAnalyze(analyzer, a.blobs, a.store)
	a.pools = []*dispatcher.Dispatcher{
		a.pool(intel.StageCrawl, cfg.Pipeline.CrawlWorkers, crawl),
		a.pool(intel.StageAnalyze, cfg.Pipeline.AnalyzeWorkers, analyze),
	}

	a.watchdog = watchdog.New(a.store, watchdog.Config{
		Interval:     cfg.Watchdog.Interval,
		RetryBackoff: cfg.Pipeline.RetryBackoff,
	}, watchdog.WithClock(a.clock), watchdog.WithEmitter(a.hub), watchdog.WithReporter(a.tracker), watchdog.WithLogger(a.logger))

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(api.Deps{
		Store:      a.store,
		Admitter:   admitter,
		Monitor:    health.NewAggregator(a.store, a.tracker, a.clock, health.Config{RecentItems: cfg.Health.RecentItems, RecentLogs: cfg.Health.RecentLogs}),
		Requeuer:   a.watchdog,
		Feeds:      a.scheduler,
		Policies:   a.engine,
		Rechecker:  a.rechecker,
		Categories: category.NewManager(a.store, a.syncer, a.logger.Named("category")),
		Knowledge:  a.syncer,
		Assistant:  assistant.New(a.store, a.syncer, analyzer, a.logger.Named("assistant")),
	}, api.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		APIKey:         apiKey,
	}, a.logger.Named("api"))
	return nil
}

// setupCrawler builds the colly crawler and, when enabled, promotes thin
// pages to the headless renderer.
func (a *App) setupCrawler() (intel.Crawler, error) {
	cfg := a.cfg
	limiter := ratelimit.New(ratelimit.Config{
		Name:    "crawl",
		RPS:     cfg.Crawler.DomainRPS,
		Burst:   cfg.Crawler.DomainBurst,
		IdleTTL: limiterIdleTTL,
	})
	primary := collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.Crawler.UserAgent,
		Timeout:         cfg.Crawler.RequestTimeout,
		MaxBodyBytes:    cfg.Crawler.MaxBodyBytes,
		PreferHTTPS:     cfg.Crawler.PreferHTTPS,
		FollowRedirects: cfg.Crawler.FollowRedirects,
	}, limiter, a.logger.Named("crawler"))
	if !cfg.Headless.Enabled {
		return primary, nil
	}
	renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Crawler.UserAgent,
		NavigationTimeout: cfg.Headless.NavTimeout,
		ExecPath:          cfg.Headless.ExecPath,
		DisableSandbox:    cfg.Headless.DisableSandbox,
		PreferHTTPS:       cfg.Crawler.PreferHTTPS,
	})
	if err != nil {
		return nil, fmt.Errorf("headless crawler init failed: %w", err)
	}
	a.headless = renderer
	a.logger.Info("headless promotion enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	return detector.NewPromoting(primary, renderer, detector.NewHeuristic(cfg.Headless.MinHTMLBytes), a.logger.Named("promote")), nil
}

func (a *App) pool(stage intel.Stage, size int, proc worker.Processor) *dispatcher.Dispatcher {
	logger := a.logger.Named(string(stage))
	timeout := a.cfg.Pipeline.Limits().Timeout(stage)
	return dispatcher.New(string(stage), size, func(id string) *worker.Worker {
		return worker.New(a.store, proc, worker.Config{
			ID:           id,
			Stage:        stage,
			PollInterval: a.cfg.Pipeline.PollInterval,
			Timeout:      timeout,
		}, worker.WithClock(a.clock), worker.WithEmitter(a.hub), worker.WithReporter(a.tracker), worker.WithLogger(logger))
	}, logger)
}

// Handler returns the HTTP handler with server spans.
func (a *App) Handler() http.Handler {
	return telemetry.HTTPHandler(a.apiServer.Handler(), "api")
}

// Run starts every loop and the HTTP server, blocks until ctx is cancelled
// or a loop fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error { return a.watchdog.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.syncer.Run(gctx) })
	for _, p := range a.pools {
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}
	if a.cfg.Policy.BlocklistPath != "" && a.cfg.Policy.WatchBlocklist {
		g.Go(func() error {
			if err := a.engine.WatchBlocklist(gctx); err != nil {
				a.logger.Warn("blocklist watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	if a.cfg.Policy.RecheckInterval > 0 {
		g.Go(func() error {
			a.rechecker.RunEvery(gctx, a.cfg.Policy.RecheckInterval)
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info("shutdown initiated")
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if cerr := a.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close releases every resource. Run calls it on the way out.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storageClient = nil
	}
	if a.headless != nil {
		a.headless.Close()
		a.headless = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}
