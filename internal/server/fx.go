// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/api"
	"github.com/JakeFAU/opwatch/internal/clock/system"
	"github.com/JakeFAU/opwatch/internal/config"
	iduuid "github.com/JakeFAU/opwatch/internal/id/uuid"
	"github.com/JakeFAU/opwatch/internal/logging"
	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/progress"
	progresssinks "github.com/JakeFAU/opwatch/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/opwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/opwatch/internal/registry"
	"github.com/JakeFAU/opwatch/internal/report"
	"github.com/JakeFAU/opwatch/internal/source/ambari"
	memorysource "github.com/JakeFAU/opwatch/internal/source/memory"
	gcsstorage "github.com/JakeFAU/opwatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/opwatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/opwatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/opwatch/internal/storage/postgres"
	"github.com/JakeFAU/opwatch/internal/store"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	metricsReg  prometheus.Registerer
	apiServer   *api.Server
	registry    *registry.Registry
	progressHub *progress.Hub
	publisher   *gcppublisher.Publisher
	closeBlobs  func() error
	opStore     store.OperationRepository
	pgStore     *pgstore.OperationStore
}

// Option customizes Build.
type Option func(*App)

// WithLogger uses logger instead of building one from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetricsRegisterer registers progress collectors against reg instead of the default
// registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		if reg != nil {
			a.metricsReg = reg
		}
	}
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	type sanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		SourceBackend  string `json:"source_backend"`
		StorageBackend string `json:"storage_backend"`
		History        string `json:"history"`
	}
	history := "memory"
	if cfg.Database.DSN != "" {
		history = "postgres"
	}
	logger.Info("Creating application", zap.Any("config", sanitizedConfig{
		ServerPort:     cfg.Server.Port,
		SourceBackend:  cfg.Source.Backend,
		StorageBackend: cfg.Storage.Backend,
		History:        history,
	}))
	return &App{
		cfg:        cfg,
		logger:     logger,
		metricsReg: prometheus.DefaultRegisterer,
	}, nil
}

// Registry exposes the monitor registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// History exposes the run history repository.
func (a *App) History() store.OperationRepository {
	return a.opStore
}

// Logger exposes the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	go a.pruneLoop(ctx)

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// pruneLoop drops finished monitors from the registry once they are older than
// monitor.prune_after. Their history stays in the repository.
func (a *App) pruneLoop(ctx context.Context) {
	age := a.cfg.Monitor.PruneAfter
	if age <= 0 {
		return
	}
	ticker := time.NewTicker(max(age/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.registry.Prune(age); n > 0 {
				a.logger.Debug("pruned finished monitors", zap.Int("count", n))
			}
		}
	}
}

// Close gracefully shuts down the application. Monitors are canceled first so their final
// events reach the progress hub before it drains.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	if err := logging.Sync(a.logger); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.closeBlobs != nil {
		if err := a.closeBlobs(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	pre := &App{}
	for _, opt := range opts {
		opt(pre)
	}
	logger := pre.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	for _, opt := range opts {
		opt(app)
	}

	app.logger.Info("building application dependencies")
	source, err := NewStatusSource(cfg, app.logger)
	if err != nil {
		return nil, err
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	if err = setupDatabase(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	emitter, err := setupProgress(ctx, app, publisher)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	policy, err := cfg.RetryPolicy()
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	regOpts := []registry.Option{
		registry.WithLogger(app.logger.Named("registry")),
		registry.WithRetryPolicy(policy),
		registry.WithArchiver(report.NewArchiver(blobStore)),
		registry.WithClock(system.New()),
		registry.WithIDGenerator(iduuid.New()),
	}
	if emitter != nil {
		regOpts = append(regOpts, registry.WithEmitter(emitter))
	}
	app.registry = registry.New(source, cfg.RegistryConfig(), regOpts...)

	var apiOpts []api.Option
	if app.pgStore != nil {
		apiOpts = append(apiOpts, api.WithReadinessCheck("database", app.pgStore.Ping))
	}
	app.apiServer = api.NewServer(app.registry, app.opStore, app.logger.Named("api"), apiOpts...)

	return app, nil
}

// NewStatusSource builds the status source selected by source.backend.
func NewStatusSource(cfg *config.Config, logger *zap.Logger) (operation.StatusSource, error) {
	switch cfg.Source.Backend {
	case "memory":
		logger.Warn("using simulated status source; no orchestration server is contacted",
			zap.Int("tasks", cfg.Source.Tasks),
			zap.Strings("failing_requests", cfg.Source.Fail),
		)
		return memorysource.NewSimulated(cfg.Source.Tasks, cfg.Source.Fail...), nil
	default:
		src, err := ambari.New(cfg.AmbariSource(), ambari.WithLogger(logger.Named("ambari")))
		if err != nil {
			return nil, fmt.Errorf("ambari source init failed: %w", err)
		}
		logger.Info("using ambari status source",
			zap.String("base_url", cfg.Ambari.BaseURL),
			zap.String("cluster", cfg.Ambari.Cluster),
		)
		return src, nil
	}
}

func setupStorage(ctx context.Context, app *App) (operation.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS report storage", zap.String("bucket", app.cfg.Storage.Bucket))
		blobStore, closeFn, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.closeBlobs = closeFn
		return blobStore, nil
	case "local":
		app.logger.Info("using local report storage", zap.String("path", app.cfg.Storage.Local.BaseDir))
		blobStore, err := localstorage.New(app.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping run history in memory")
		app.opStore = memorystorage.NewOperationStore()
		return nil
	}
	pg, err := pgstore.NewOperationStore(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		Table:           app.cfg.Database.Table,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("operation store init failed: %w", err)
	}
	app.pgStore = pg
	app.opStore = pg
	if app.cfg.Database.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("operation store schema failed: %w", err)
		}
	}
	app.logger.Info("operation store initialized", zap.String("table", app.cfg.Database.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (operation.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, outcome notifications disabled")
		return nil, nil
	}
	pub, err := gcppublisher.New(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = pub
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func setupProgress(ctx context.Context, app *App, publisher operation.Publisher) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if app.opStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.opStore, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if app.cfg.Progress.MetricsEnabled {
		promSink, err := progresssinks.NewPrometheusSink(app.metricsReg)
		if err != nil {
			return nil, fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("Added progress prometheus sink")
	}
	if publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(
			publisher,
			app.cfg.PubSub.TopicName,
			app.logger.Named("progress_publisher"),
		))
		app.logger.Debug("Added progress publisher sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   app.cfg.Progress.Batch.MaxWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}
