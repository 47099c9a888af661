package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the scheduled fail sweep on a cron expression.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *slog.Logger
	timeout time.Duration
}

// NewScheduler parses a standard five-field cron expression and registers the sweep.
func NewScheduler(s *Sweeper, expr string, logger *slog.Logger) (*Scheduler, error) {
	if s == nil {
		return nil, errors.New("sweeper is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}

	sc := &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: s,
		logger:  logger.With("component", "sweep_scheduler"),
		timeout: time.Minute,
	}
	if _, err := sc.cron.AddFunc(expr, sc.runOnce); err != nil {
		return nil, fmt.Errorf("register sweep: %w", err)
	}
	return sc, nil
}

func (sc *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
	defer cancel()
	swept, err := sc.sweeper.FailStale(ctx)
	if err != nil {
		sc.logger.ErrorContext(ctx, "scheduled sweep failed", "error", err, "swept", len(swept))
		return
	}
	sc.logger.DebugContext(ctx, "scheduled sweep complete", "swept", len(swept))
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// an in-flight sweep to finish.
func (sc *Scheduler) Run(ctx context.Context) error {
	sc.cron.Start()
	sc.logger.InfoContext(ctx, "sweep scheduler started", "next_run", sc.nextRun())
	<-ctx.Done()
	stopped := sc.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(sc.timeout):
		sc.logger.Warn("timed out waiting for in-flight sweep")
	}
	return nil
}

func (sc *Scheduler) nextRun() time.Time {
	entries := sc.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
