// Package main is the stdio MCP entry point for the quality measure engine.
// It runs as a subprocess of an editor or agent: configuration comes from the
// environment and logs go to stderr so stdout stays a clean protocol channel.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/codegen"
	"github.com/quality-measure-engine/internal/config"
	"github.com/quality-measure-engine/internal/mcp"
	"github.com/quality-measure-engine/internal/overrides"
	"github.com/quality-measure-engine/internal/service"
)

func main() {
	cfg := config.NewLite()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)

	store, err := newOverrideStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize override store: %v", err)
	}
	defer store.Close()

	server := mcp.NewServer(mcp.Services{
		Evaluator:     service.NewMeasureEvaluator(logger),
		Compiler:      codegen.NewMeasureCompiler(logger),
		Scorer:        service.NewComplexityScorer(logger),
		OverrideStore: store,
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

	if err := server.Run(ctx); err != nil {
		logger.WithError(err).Fatal("MCP server failed")
	}

	logger.Info("MCP server stopped")
}

func newOverrideStore(cfg config.Lite) (overrides.Store, error) {
	if cfg.Backend == "sqlite" {
		return overrides.NewSQLiteStore(cfg.SQLitePath)
	}
	return overrides.NewMemoryStore(), nil
}
