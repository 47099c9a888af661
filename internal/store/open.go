package store

import (
	"context"
	"fmt"
	"log/slog"

	"packaging-coordinator/internal/clock"
	"packaging-coordinator/internal/config"
)

// Open connects the backend named by cfg.StoreBackend. Postgres is migrated
// before it is returned.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.WarnContext(ctx, "using in-memory store; jobs do not survive a restart")
		return NewMemory(clock.Real{}), nil
	case "postgres", "":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
