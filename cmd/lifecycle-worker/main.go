package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/app"
	"github.com/hackgods/walkin-queue/internal/config"
	"github.com/hackgods/walkin-queue/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("lifecycle-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.ReconcileInterval),
		zap.Duration("retention", cfg.RetentionWindow),
	)

	if cfg.RedisAddr == "" {
		logger.Warn("redis not configured, queue updates from the reconciler stay in this process")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("container init error", zap.Error(err))
	}
	defer c.Close()

	runner := c.Runner()
	runner.Start(rootCtx)

	<-rootCtx.Done()
	logger.Info("shutdown signal received, stopping lifecycle worker")
	runner.Stop()
}
