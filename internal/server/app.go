// Package server builds the crawler's dependencies from configuration and
// runs the selected mode.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/api"
	"github.com/JakeFAU/grocery-price-crawler/internal/catalog"
	"github.com/JakeFAU/grocery-price-crawler/internal/clock/system"
	"github.com/JakeFAU/grocery-price-crawler/internal/config"
	"github.com/JakeFAU/grocery-price-crawler/internal/export"
	collyfetcher "github.com/JakeFAU/grocery-price-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/grocery-price-crawler/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/grocery-price-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/hash/sha256"
	"github.com/JakeFAU/grocery-price-crawler/internal/id/uuid"
	"github.com/JakeFAU/grocery-price-crawler/internal/logging"
	"github.com/JakeFAU/grocery-price-crawler/internal/metrics"
	"github.com/JakeFAU/grocery-price-crawler/internal/pipeline"
	"github.com/JakeFAU/grocery-price-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/grocery-price-crawler/internal/pricing"
	memorypublisher "github.com/JakeFAU/grocery-price-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/grocery-price-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/grocery-price-crawler/internal/retryqueue"
	gcsstorage "github.com/JakeFAU/grocery-price-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/grocery-price-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/grocery-price-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/grocery-price-crawler/internal/storage/postgres"
	"github.com/JakeFAU/grocery-price-crawler/internal/storage/snapshot"
	"github.com/JakeFAU/grocery-price-crawler/internal/store"
	"github.com/JakeFAU/grocery-price-crawler/internal/telemetry"
)

// DefaultTopic is the run-completed topic when pubsub.topic_name is unset.
const DefaultTopic = "run.completed"

const shutdownTimeout = 10 * time.Second

// Mode selects what Run does.
type Mode string

// Supported modes.
const (
	ModeCrawl   Mode = "crawl"
	ModeServe   Mode = "serve"
	ModeCleanup Mode = "cleanup"
	ModeMerge   Mode = "merge"
)

// RunOptions carries mode-specific flags.
type RunOptions struct {
	Mode Mode
	// Store and From are used by ModeMerge.
	Store string
	From  string
}

// Option customizes Build.
type Option func(*App)

// WithLogger uses logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithTransport routes HTTP-mode fetches through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *App) { a.transport = rt }
}

// WithoutTracing skips installing the global tracer provider.
func WithoutTracing() Option {
	return func(a *App) { a.noTracing = true }
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     *system.Clock
	transport http.RoundTripper
	noTracing bool

	registry *store.Registry
	limiter  *ratelimit.Limiter
	sessions grocery.SessionFactory
	ids      grocery.IDGenerator
	history  *pipeline.History
	exporter *export.Exporter

	index      pricing.Index
	upserter   pricing.Upserter
	priceStore *pgstore.PriceStore

	blobs     grocery.BlobStore
	publisher grocery.Publisher

	redis           *redis.Client
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerShutdown  func(context.Context) error
	ownsLogger      bool
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{
		cfg:     cfg,
		clock:   system.New(),
		ids:     uuid.New(),
		history: pipeline.NewHistory(),
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
		app.ownsLogger = true
	}
	metrics.Init()

	if !app.noTracing {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	app.logger.Info("building application dependencies",
		zap.Strings("stores", cfg.Run.Stores),
		zap.String("fetch_mode", cfg.Fetch.Mode),
		zap.String("mirror", cfg.Mirror.Backend),
		zap.String("retry_backend", cfg.Retry.Backend),
	)

	// Close whatever was opened if a later step fails.
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	var err error
	if app.registry, err = setupRegistry(cfg); err != nil {
		return nil, err
	}
	app.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RatePerSecond,
		DefaultBurst: cfg.Fetch.Burst,
	})
	if app.sessions, err = setupSessions(app); err != nil {
		return nil, err
	}
	if err = setupIndex(ctx, app); err != nil {
		return nil, err
	}
	if err = setupMirror(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err = setupRetryBackend(app); err != nil {
		return nil, err
	}

	deps := export.Deps{Index: app.upserter, Publisher: app.publisher}
	if app.blobs != nil {
		deps.Blobs = app.blobs
		deps.Hasher = sha256.New()
	}
	topic := cfg.PubSub.TopicName
	if topic == "" {
		topic = DefaultTopic
	}
	app.exporter, err = export.New(export.Config{Prefix: cfg.Mirror.Prefix, Topic: topic}, deps, app.logger)
	if err != nil {
		return nil, fmt.Errorf("exporter init failed: %w", err)
	}

	ok = true
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// History returns the summaries of runs finished by this process.
func (a *App) History() *pipeline.History {
	return a.history
}

// Index returns the price index serving the API.
func (a *App) Index() pricing.Index {
	return a.index
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return api.NewServer(a.index, a.history, a.cfg, a.logger).Handler()
}

// Run executes the selected mode and blocks until it finishes. In crawl mode
// with server.enabled the API keeps serving after the crawl until ctx ends.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	switch opts.Mode {
	case ModeCrawl, "":
		if !a.cfg.Server.Enabled {
			_, err := a.Crawl(ctx)
			return err
		}
		served := make(chan error, 1)
		go func() { served <- a.Serve(ctx) }()
		_, crawlErr := a.Crawl(ctx)
		if crawlErr != nil {
			a.logger.Error("crawl failed", zap.Error(crawlErr))
		} else {
			a.logger.Info("crawl finished, serving until shutdown")
		}
		return errors.Join(crawlErr, <-served)
	case ModeServe:
		return a.Serve(ctx)
	case ModeCleanup:
		_, err := a.Cleanup(ctx)
		return err
	case ModeMerge:
		_, err := a.Merge(ctx, opts.Store, opts.From)
		return err
	default:
		return fmt.Errorf("unknown mode %q", opts.Mode)
	}
}

// Serve runs the HTTP API until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
		close(failed)
	}()

	select {
	case err := <-failed:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.priceStore != nil {
		a.priceStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.ownsLogger {
		if err := a.logger.Sync(); err != nil {
			a.logger.Warn("logger sync failed", zap.Error(err))
		}
	}
}

func setupRegistry(cfg config.Config) (*store.Registry, error) {
	registry, err := store.NewRegistryFromConfig(cfg.Stores)
	if err != nil {
		return nil, fmt.Errorf("store registry init failed: %w", err)
	}
	for name, sel := range store.Defaults() {
		if _, ok := registry.Get(name); ok {
			continue
		}
		if err := registry.Register(name, sel); err != nil {
			return nil, fmt.Errorf("register default store %s: %w", name, err)
		}
	}
	if _, err := registry.Resolve(cfg.Run.Stores); err != nil {
		return nil, err
	}
	return registry, nil
}

func setupSessions(app *App) (grocery.SessionFactory, error) {
	cfg := app.cfg
	detect := detector.NewHeuristic(0, nil)
	if cfg.Fetch.Mode == "headless" {
		factory, err := headlessfetcher.NewFactory(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			ExecPath:          cfg.Headless.ExecPath,
		}, detect, app.clock)
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		return factory, nil
	}
	factory := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout,
	}, detect, app.clock)
	if app.transport != nil {
		factory.WithTransport(app.transport)
	}
	app.logger.Info("using colly fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))
	return factory, nil
}

func setupIndex(ctx context.Context, app *App) error {
	cfg := app.cfg
	if cfg.DB.DSN == "" {
		mem := pricing.NewMemoryIndex(pricing.WithMaxAge(cfg.DB.MaxAge, app.clock))
		loaded := 0
		for _, name := range cfg.Run.Stores {
			snaps, err := app.snapshotStore(name)
			if err != nil {
				return err
			}
			n, err := mem.Upsert(ctx, snaps.Load(ctx))
			if err != nil {
				return fmt.Errorf("seed price index: %w", err)
			}
			loaded += n
		}
		app.logger.Warn("no db.dsn configured, serving prices from local snapshots",
			zap.Int("quotes", loaded),
		)
		app.index = mem
		app.upserter = mem
		return nil
	}

	ps, err := pgstore.NewPriceStore(ctx, pgstore.PriceStoreConfig{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
		MaxAge:   cfg.DB.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("price store init failed: %w", err)
	}
	app.priceStore = ps
	if err := ps.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("price store schema: %w", err)
	}
	app.logger.Info("price store initialized", zap.String("table", cfg.DB.Table))
	app.index = ps
	app.upserter = ps
	return nil
}

func setupMirror(ctx context.Context, app *App) error {
	cfg := app.cfg.Mirror
	switch cfg.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using GCS snapshot mirror", zap.String("bucket", cfg.GCSBucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using local snapshot mirror", zap.String("path", cfg.LocalDir))
	case "memory":
		app.blobs = memorystorage.NewBlobStore()
		app.logger.Info("using in-memory snapshot mirror")
	default:
		app.logger.Debug("snapshot mirror disabled")
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" || cfg.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		app.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	pub, err := gcppublisher.New(client.Topic(cfg.TopicName))
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.pubsubPublisher = pub
	app.publisher = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return nil
}

func setupRetryBackend(app *App) error {
	if app.cfg.Retry.Backend != "redis" {
		return nil
	}
	app.redis = redis.NewClient(&redis.Options{Addr: app.cfg.Retry.RedisAddr})
	app.logger.Info("using redis retry state", zap.String("addr", app.cfg.Retry.RedisAddr))
	return nil
}

func (a *App) snapshotStore(storeName string) (*snapshot.Store, error) {
	st, err := snapshot.New(snapshot.Config{
		Path:           a.cfg.Storage.SnapshotPath(storeName),
		MaxBackups:     a.cfg.Storage.MaxBackups,
		LoadRetries:    a.cfg.Storage.LoadRetries,
		LoadRetryDelay: a.cfg.Storage.LoadRetryDelay,
	}, a.clock, a.logger.Named("snapshot"))
	if err != nil {
		return nil, fmt.Errorf("snapshot store %s: %w", storeName, err)
	}
	return st, nil
}

func (a *App) retryQueue(ctx context.Context, storeName string) (*retryqueue.Queue, error) {
	var (
		persister retryqueue.Persister
		err       error
	)
	if a.redis != nil {
		persister, err = retryqueue.NewRedisPersister(a.redis, a.cfg.Retry.RedisKeyPrefix+":"+storeName)
	} else {
		persister, err = retryqueue.NewFilePersister(a.cfg.Storage.RetryPath(storeName))
	}
	if err != nil {
		return nil, fmt.Errorf("retry persister %s: %w", storeName, err)
	}
	q, err := retryqueue.New(ctx, retryqueue.Config{MaxAttempts: a.cfg.Pipeline.MaxRetryAttempts},
		persister, a.clock, a.logger.Named("retry").With(zap.String("store", storeName)))
	if err != nil {
		return nil, fmt.Errorf("retry queue %s: %w", storeName, err)
	}
	return q, nil
}

func (a *App) openCatalog() (*catalog.File, error) {
	cat, err := catalog.New(catalog.Config{
		Path:       a.cfg.Catalog.Path,
		Column:     a.cfg.Catalog.Column,
		ShardIndex: a.cfg.Catalog.ShardIndex,
		ShardCount: a.cfg.Catalog.ShardCount,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("catalog init failed: %w", err)
	}
	return cat, nil
}
