package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"packaging-coordinator/internal/api"
	"packaging-coordinator/internal/auth"
	"packaging-coordinator/internal/bootstrap"
	"packaging-coordinator/internal/config"
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
	logger.InfoContext(ctx, "starting coordinator api",
		"env", cfg.Env,
		"store", cfg.StoreBackend,
		"deployment_mode", cfg.Sweep.DeploymentMode,
		"packager_enabled", cfg.PackagerEnabled,
		"auto_update_enabled", cfg.AutoUpdateEnabled)

	svcs, err := bootstrap.NewServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svcs.Close()

	redisClient, err := bootstrap.ConnectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() {
			if cerr := redisClient.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close redis failed", "error", cerr)
			}
		}()
	}
	limiter, stopLimiter := bootstrap.NewLimiter(redisClient, cfg.RateLimit)
	defer stopLimiter()

	var verifier auth.TokenVerifier
	if cfg.Auth.IssuerURL != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.Auth, nil)
		if err != nil {
			return fmt.Errorf("oidc verifier: %w", err)
		}
		verifier = v
	} else {
		logger.WarnContext(ctx, "AUTH_ISSUER_URL not set; user endpoints are disabled")
	}

	server, err := api.New(api.Options{
		Config:   cfg,
		Jobs:     svcs.Jobs,
		Sweeper:  svcs.Sweeper,
		Updates:  svcs.Updates,
		Catalog:  svcs.Catalog,
		Limiter:  limiter,
		Verifier: verifier,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	return bootstrap.ServeHTTP(ctx, ":"+cfg.HTTPPort, server.Router(), logger)
}
