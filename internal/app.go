package internal

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/gofiber/fiber/v2"

	v1 "crena/api/v1"
	"crena/internal/cache"
	"crena/internal/config"
	"crena/internal/database"
	"crena/internal/enrich"
	"crena/internal/ingest"
	"crena/internal/jobs"
	"crena/internal/pkg/geoip"
	"crena/internal/pkg/logging"
	"crena/internal/stats"
)

// Application wires the collection pipeline, its workers and the HTTP
// surface together.
type Application struct {
	Config     *config.Config
	Logger     *slog.Logger
	DBManager  *database.DBManager
	Locator    *geoip.Locator
	Store      cache.Store
	Dispatcher *jobs.Dispatcher
	Fiber      *fiber.App
}

// NewApp creates a new application instance with default settings.
func NewApp() (*Application, error) {
	return NewAppWithConfig(config.GetConfig())
}

// NewAppWithConfig creates a new application with the provided config.
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := logging.NewLogger(cfg)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	locator := geoip.NewLocator(cfg, logger)
	if !locator.Available() {
		logger.Warn("No GeoLite2 databases available, sessions will carry no geolocation")
	}

	store, err := newCacheStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	enricher := enrich.NewEnricher(locator, logger)
	filter := ingest.NewFilter(logger)
	resolver := ingest.NewSessionResolver(store, cfg.SessionMemoryTimeout(), cfg.BlockAllIPs, logger)
	recorder := ingest.NewHitRecorder(store, cfg.SessionMemoryTimeout(), logger)
	pipeline := ingest.NewPipeline(dbManager, enricher, filter, resolver, recorder, cfg, logger)

	dispatcher := jobs.NewDispatcher(pipeline, cfg.DispatchWorkers, logger)

	aggregator := stats.NewAggregator(cfg.ActiveUserThreshold(), logger)

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: !cfg.IsDevelopment(),
	})

	ingressHandler := v1.NewIngressHandler(dispatcher, dbManager, cfg, logger)
	statsHandler := v1.NewStatsHandler(dbManager, aggregator, logger)
	MountRoutes(app, cfg, ingressHandler, statsHandler)

	return &Application{
		Config:     cfg,
		Logger:     logger,
		DBManager:  dbManager,
		Locator:    locator,
		Store:      store,
		Dispatcher: dispatcher,
		Fiber:      app,
	}, nil
}

// newCacheStore picks redis when an address is configured, otherwise the
// in-process store.
func newCacheStore(cfg *config.Config, logger *slog.Logger) (cache.Store, error) {
	if cfg.RedisAddr != "" {
		return cache.NewRedisStore(cfg, logger)
	}
	return cache.NewMemoryStore(), nil
}

// Start runs migrations, starts the dispatcher workers and serves HTTP.
// It blocks until the listener stops.
func (a *Application) Start() error {
	if err := a.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	a.Dispatcher.Start()

	addr := ":" + a.Config.AppPort
	a.Logger.Info("Starting server", slog.String("addr", addr))
	return a.Fiber.Listen(addr)
}

// Shutdown stops the HTTP listener, drains the dispatcher and releases
// held resources.
func (a *Application) Shutdown(ctx context.Context) error {
	if err := a.Fiber.ShutdownWithContext(ctx); err != nil {
		a.Logger.Error("Failed to shut down http server", slog.Any("error", err))
	}

	if err := a.Dispatcher.Shutdown(ctx); err != nil {
		a.Logger.Warn("Dispatcher drain incomplete", slog.Any("error", err))
	}

	switch store := a.Store.(type) {
	case *cache.RedisStore:
		if err := store.Close(); err != nil {
			a.Logger.Warn("Failed to close cache store", slog.Any("error", err))
		}
	case *cache.MemoryStore:
		store.Close()
	}

	a.Locator.Close()

	return nil
}
