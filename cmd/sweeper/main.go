package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"packaging-coordinator/internal/bootstrap"
	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/sweeper"
	"packaging-coordinator/internal/telemetry"
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
	if cfg.Sweep.DeploymentMode == config.ModeStandalone {
		logger.WarnContext(ctx, "running the scheduled sweep in standalone mode; the on-demand sweep already recovers stale jobs")
	}

	svcs, err := bootstrap.NewServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svcs.Close()

	sched, err := sweeper.NewScheduler(svcs.Sweeper, cfg.Sweep.Schedule, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return bootstrap.ServeHTTP(gctx, cfg.Sweep.MetricsAddr, telemetry.Handler(), logger)
	})
	return g.Wait()
}
