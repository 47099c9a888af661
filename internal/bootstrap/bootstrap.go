// Package bootstrap wires configuration into the components each binary runs.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"packaging-coordinator/internal/catalog"
	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/ratelimit"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/sweeper"
	"packaging-coordinator/internal/telemetry"
	"packaging-coordinator/internal/updates"
)

// InitLogger initializes the structured logger and makes it the slog default.
func InitLogger(level string) *slog.Logger {
	logger := telemetry.NewLogger(os.Stdout, level)
	slog.SetDefault(logger)
	return logger
}

// Services is the coordinator core shared by the API and sweeper binaries.
type Services struct {
	Store   store.Store
	Catalog *catalog.Resolver
	Jobs    *lifecycle.Coordinator
	Sweeper *sweeper.Sweeper
	Updates *updates.Service
}

// NewServices opens the store and builds the coordinator, sweeper and update
// service. Terminal jobs from either the coordinator or a sweep are reported
// to the update service so auto-update history stays in step.
func NewServices(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Services, error) {
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	svcs, err := newServices(ctx, cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return svcs, nil
}

func newServices(ctx context.Context, cfg config.Config, st store.Store, logger *slog.Logger) (*Services, error) {
	src, err := catalog.NewSource(ctx, cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("catalog source: %w", err)
	}
	resolver := catalog.NewResolver(src, logger)

	jobs, err := lifecycle.New(lifecycle.Options{Store: st, Logger: logger})
	if err != nil {
		return nil, err
	}
	upd, err := updates.NewService(updates.ServiceOptions{
		Store:   st,
		Jobs:    jobs,
		Catalog: resolver,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	jobs.SetObserver(upd)

	sw, err := sweeper.New(sweeper.Options{
		Store:     st,
		Staleness: sweeper.StalenessFromConfig(cfg.Sweep),
		BatchSize: cfg.Sweep.BatchSize,
		Logger:    logger,
		Observer:  upd,
	})
	if err != nil {
		return nil, err
	}
	win := sw.Staleness()
	logger.InfoContext(ctx, "staleness windows",
		"mode", cfg.Sweep.DeploymentMode,
		"fail_after", win.FailAfter.String(),
		"recover_after", win.RecoverAfter.String(),
		"max_recoveries", win.MaxRecoveries)

	return &Services{Store: st, Catalog: resolver, Jobs: jobs, Sweeper: sw, Updates: upd}, nil
}

// Close releases the store.
func (s *Services) Close() {
	s.Store.Close()
}

// ConnectRedis dials and pings Redis. It returns a nil client when no address
// is configured.
func ConnectRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.InfoContext(ctx, "redis connected", "addr", cfg.RedisAddr)
	return client, nil
}

// NewLimiter returns the Redis-backed bucket when client is set and an
// in-process bucket otherwise. The returned stop func must be called on shutdown.
func NewLimiter(client *redis.Client, cfg config.RateLimitConfig) (ratelimit.Limiter, func()) {
	if client != nil {
		return ratelimit.NewTokenBucket(client, nil, cfg.Capacity, cfg.Refill, cfg.TTL), func() {}
	}
	mb := ratelimit.NewMemoryBucket(nil, cfg.Capacity, cfg.Refill, cfg.TTL)
	mb.Start()
	return mb, mb.Stop
}

// ServeHTTP listens on addr until ctx is cancelled, then shuts the server down.
func ServeHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", addr, err)
	}
	logger.Info("HTTP server stopped", "addr", addr)
	return nil
}
