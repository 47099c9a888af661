package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"packaging-coordinator/internal/bootstrap"
	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/telemetry"
	workerproc "packaging-coordinator/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := bootstrap.InitLogger(cfg.LogLevel)
	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// Generate a unique worker ID from hostname or env var
	workerID := cfg.Worker.ID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor, err := workerproc.NewProcessor(workerproc.Options{
		Client:       workerproc.NewClient(cfg.Worker.CoordinatorURL, cfg.PackagerAPIKey, nil),
		WorkerID:     workerID,
		Handler:      workerproc.DryRun(cfg.Worker.StepDelay),
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: cfg.Worker.PollInterval,
		BackoffMax:   cfg.Worker.BackoffMax,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "worker started",
		"packager_id", workerID,
		"coordinator", cfg.Worker.CoordinatorURL,
		"poll_interval", cfg.Worker.PollInterval.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bootstrap.ServeHTTP(gctx, cfg.Worker.MetricsAddr, telemetry.Handler(), logger)
	})
	g.Go(func() error {
		err := processor.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	return g.Wait()
}
