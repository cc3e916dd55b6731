package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/meridian-run/meridian/internal/correlation"
	"github.com/meridian-run/meridian/internal/engine"
	"github.com/meridian-run/meridian/internal/executors"
	"github.com/meridian-run/meridian/internal/expressions"
	"github.com/meridian-run/meridian/internal/logging"
	"github.com/meridian-run/meridian/internal/scheduler"
	"github.com/meridian-run/meridian/internal/store"
	"github.com/meridian-run/meridian/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	backend, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()
	if err := backend.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	exprs, err := expressions.New(cfg.Expressions)
	if err != nil {
		return err
	}

	secrets, err := loadSecrets(cfg.SecretsPath)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}

	registry := executors.NewRegistry()
	if err := registry.Register(executors.NewHTTPExecutor(executors.HTTPConfig{})); err != nil {
		return err
	}

	correlations := correlation.New(exprs, backend, logger)

	eng, err := engine.New(engine.Options{
		Store:          backend,
		Registry:       registry,
		Correlations:   correlations,
		Expressions:    exprs,
		Validator:      validation.NewSchemaValidator(),
		Logger:         logger,
		Secrets:        secrets,
		MaxConcurrency: cfg.MaxConcurrency,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go correlations.Start(ctx)

	if recovered, err := eng.Recover(ctx); err != nil {
		logger.Error("recovery failed", slog.Any("error", err))
	} else if recovered > 0 {
		logger.Info("recovered instances", slog.Int("count", recovered))
	}

	sched := scheduler.New(backend, eng, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	logger.Info("meridian started",
		slog.String("db_path", cfg.DBPath),
		slog.String("expressions", exprs.Name()))

	<-ctx.Done()
	logger.Info("shutting down")

	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", slog.Any("error", err))
	}
	eng.Shutdown()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
