// Package main is the HTTP entry point for the quality measure engine.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/api"
	"github.com/quality-measure-engine/internal/cache"
	"github.com/quality-measure-engine/internal/codegen"
	"github.com/quality-measure-engine/internal/config"
	"github.com/quality-measure-engine/internal/database"
	"github.com/quality-measure-engine/internal/domain"
	"github.com/quality-measure-engine/internal/overrides"
	"github.com/quality-measure-engine/internal/repository"
	"github.com/quality-measure-engine/internal/service"
)

func main() {
	// Load configuration
	manager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := manager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := manager.GetConfig()

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"backend": cfg.Store.Backend,
	}).Info("Starting quality measure engine")

	// Run pending migrations before the postgres store connects.
	if cfg.Store.Backend == "postgres" && cfg.Database.AutoMigrate {
		if err := runMigrations(manager, cfg, logger); err != nil {
			logger.WithError(err).Fatal("Database migration failed")
		}
	}

	store, err := newOverrideStore(manager, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize override store")
	}
	defer store.Close()

	// The measure registry rides on the postgres backend; other backends
	// serve measures inline per request.
	var measures domain.MeasureRepository
	if cfg.Store.Backend == "postgres" {
		db, err := database.NewConnection(context.Background(), manager.DatabaseConnection(), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()
		measures = repository.NewMeasureRepository(db.Pool, logger)
	}

	evaluator, err := service.NewTraceCache(service.NewMeasureEvaluator(logger), cfg.Evaluator.TraceCacheSize, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize trace cache")
	}

	var compiler domain.Compiler = codegen.NewMeasureCompiler(logger)
	var artifactCache *cache.ArtifactCache
	if cfg.Cache.Enabled {
		artifactCache = cache.NewArtifactCache(cache.Config{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		}, logger)
		defer artifactCache.Close()
		compiler = cache.NewCachingCompiler(compiler, artifactCache)
	}

	server := api.NewServer(cfg, api.Services{
		Evaluator:     evaluator,
		Compiler:      compiler,
		Scorer:        service.NewComplexityScorer(logger),
		OverrideStore: store,
		Lookup:        overrides.NewLookup(store),
		ArtifactCache: artifactCache,
		Measures:      measures,
	}, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if strings.ToLower(cfg.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func runMigrations(manager *config.Manager, cfg *config.Config, logger *logrus.Logger) error {
	runner, err := database.NewMigrationRunner(manager.DatabaseConnection().URL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Up()
}

func newOverrideStore(manager *config.Manager, cfg *config.Config) (overrides.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return overrides.NewSQLiteStore(cfg.Store.SQLitePath)
	case "postgres":
		return overrides.NewPostgresStoreFromURL(manager.DatabaseConnection().URL())
	default:
		return overrides.NewMemoryStore(), nil
	}
}
