package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap/zapcore"

	"github.com/edgelab/signalforge/internal/config"
	"github.com/edgelab/signalforge/internal/database"
	"github.com/edgelab/signalforge/internal/logging"
	"github.com/edgelab/signalforge/internal/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "signalforge failed: %v\n", err)
		os.Exit(1)
	}
}

// run wires config, logging, storage and the engine, then either seeds a
// demo scenario or blocks until a termination signal.
func run() error {
	cfg, err := config.Load(os.Getenv("SIGNALFORGE_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, parseErr := zapcore.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		level = zapcore.InfoLevel
	}
	logger := logging.NewAtLevel(level)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := database.NewTradeStore(pool, logger)

	snapshots, err := database.NewSnapshotCache(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer func() { _ = snapshots.Close() }()

	engine, err := services.Build(cfg, store, snapshots, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	if len(os.Args) > 1 && os.Args[1] == "demo" {
		return runDemo(ctx, engine, cfg, logger)
	}

	logger.WithFields(logging.Fields{
		"environment": cfg.Environment,
		"optimizer":   cfg.Engine.Optimizer,
		"preset":      cfg.Engine.Preset,
	}).Info("engine ready")

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
