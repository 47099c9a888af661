package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"packaging-coordinator/internal/clock"
	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
)

// Actions reported for swept jobs.
const (
	ActionFailed   = "failed"
	ActionRequeued = "requeued"
)

// Staleness decides how long a held job may stay silent.
type Staleness struct {
	// FailAfter is the hard limit after which the scheduled sweep fails a job.
	FailAfter time.Duration
	// RecoverAfter is the shorter limit after which the on-demand sweep
	// hands a job back to the queue.
	RecoverAfter time.Duration
	// MaxRecoveries caps requeues per job; the next recovery fails it. Zero disables the cap.
	MaxRecoveries int
}

// StalenessFromConfig builds the staleness windows for a deployment mode.
func StalenessFromConfig(cfg config.SweepConfig) Staleness {
	st := Staleness{
		FailAfter:     cfg.FailAfter,
		RecoverAfter:  cfg.RecoverAfter,
		MaxRecoveries: cfg.MaxRecoveries,
	}
	if st.FailAfter <= 0 {
		st.FailAfter = 30 * time.Minute
	}
	if st.RecoverAfter <= 0 || st.RecoverAfter > st.FailAfter {
		st.RecoverAfter = min(5*time.Minute, st.FailAfter)
	}
	// Without an external scheduler the on-demand sweep is the only path that
	// ever terminates a silent job, so it must give up eventually.
	if cfg.DeploymentMode == config.ModeStandalone && st.MaxRecoveries == 0 {
		st.MaxRecoveries = 3
	}
	return st
}

// Swept describes one job a sweep acted on.
type Swept struct {
	ID             string           `json:"id"`
	PreviousStatus models.JobStatus `json:"previousStatus"`
	Action         string           `json:"action"`
}

// Options groups dependencies for Sweeper.
type Options struct {
	Store     store.JobStore             // Required
	Staleness Staleness                  // Required
	BatchSize int                        // Optional: defaults to 200
	Clock     clock.Clock                // Optional
	Logger    *slog.Logger               // Optional
	Observer  lifecycle.TerminalObserver // Optional: told about jobs a sweep fails
}

// Sweeper finds in-progress jobs whose packager went silent.
type Sweeper struct {
	store     store.JobStore
	staleness Staleness
	batch     int
	clock     clock.Clock
	logger    *slog.Logger
	observer  lifecycle.TerminalObserver
}

// New constructs a Sweeper.
func New(opts Options) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Staleness.FailAfter <= 0 || opts.Staleness.RecoverAfter <= 0 {
		return nil, errors.New("staleness windows must be positive")
	}
	s := &Sweeper{
		store:     opts.Store,
		staleness: opts.Staleness,
		batch:     opts.BatchSize,
		clock:     opts.Clock,
		logger:    opts.Logger,
		observer:  opts.Observer,
	}
	if s.batch <= 0 {
		s.batch = 200
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sweeper")
	return s, nil
}

// SetObserver replaces the terminal observer.
func (s *Sweeper) SetObserver(o lifecycle.TerminalObserver) {
	s.observer = o
}

// Staleness returns the windows this sweeper applies.
func (s *Sweeper) Staleness() Staleness {
	return s.staleness
}

// FailStale marks every in-progress job silent for longer than FailAfter as
// failed. Running it twice in a row is a no-op the second time.
func (s *Sweeper) FailStale(ctx context.Context) ([]Swept, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.staleness.FailAfter)
	jobs, err := s.store.ListOlderThan(ctx, models.InProgressStatuses, cutoff, s.batch)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	swept := make([]Swept, 0, len(jobs))
	var errs []error
	for _, job := range jobs {
		msg := fmt.Sprintf("Job timed out after %s without a status update while %s. "+
			"The packaging workflow may have crashed or its status callbacks failed to deliver.",
			formatWindow(s.staleness.FailAfter), job.Status)
		updated, ok, err := s.fail(ctx, job, cutoff, now, msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		swept = append(swept, Swept{ID: updated.ID, PreviousStatus: job.Status, Action: ActionFailed})
		telemetry.SweepTimeouts.WithLabelValues("scheduled", ActionFailed).Inc()
	}
	if len(swept) > 0 {
		s.logger.InfoContext(ctx, "scheduled sweep failed stale jobs", "count", len(swept), "fail_after", s.staleness.FailAfter)
	}
	return swept, errors.Join(errs...)
}

// RecoverStale returns in-progress jobs silent for longer than RecoverAfter to
// the queue regardless of which packager holds them. A job already recovered
// MaxRecoveries times is failed instead.
func (s *Sweeper) RecoverStale(ctx context.Context) ([]Swept, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.staleness.RecoverAfter)
	jobs, err := s.store.ListOlderThan(ctx, models.InProgressStatuses, cutoff, s.batch)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	swept := make([]Swept, 0, len(jobs))
	var errs []error
	for _, job := range jobs {
		if s.staleness.MaxRecoveries > 0 && job.RecoveryCount >= s.staleness.MaxRecoveries {
			msg := fmt.Sprintf("Job was returned to the queue %d times after its packager went silent and never completed.",
				job.RecoveryCount)
			updated, ok, err := s.fail(ctx, job, cutoff, now, msg)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				swept = append(swept, Swept{ID: updated.ID, PreviousStatus: job.Status, Action: ActionFailed})
				telemetry.SweepTimeouts.WithLabelValues("on_demand", ActionFailed).Inc()
			}
			continue
		}

		msg := fmt.Sprintf("Recovered after packager was silent for more than %s", formatWindow(s.staleness.RecoverAfter))
		updated, ok, err := s.store.ConditionalUpdate(ctx, job.ID,
			store.Condition{StatusIn: []models.JobStatus{job.Status}, IdleBefore: cutoff},
			store.Patch{
				Status:            statusPtr(models.StatusQueued),
				ClearPackager:     true,
				ProgressPercent:   intPtr(0),
				ProgressMessage:   &msg,
				IncrementRecovery: true,
			})
		if err != nil {
			errs = append(errs, fmt.Errorf("requeue job %s: %w", job.ID, err))
			continue
		}
		if !ok {
			continue
		}
		owner := ""
		if job.PackagerID != nil {
			owner = *job.PackagerID
		}
		s.logger.WarnContext(ctx, "stale job requeued",
			"job_id", job.ID, "previous_status", job.Status, "packager_id", owner, "recovery_count", updated.RecoveryCount)
		s.audit(ctx, job.ID, "recovered", fmt.Sprintf("from=%s packager=%s", job.Status, owner))
		telemetry.SweepTimeouts.WithLabelValues("on_demand", ActionRequeued).Inc()
		telemetry.Releases.WithLabelValues("recovered").Inc()
		swept = append(swept, Swept{ID: updated.ID, PreviousStatus: job.Status, Action: ActionRequeued})
	}
	return swept, errors.Join(errs...)
}

// fail applies the timeout failure only if the job is still in the status it
// was listed in and still idle, so a report that lands first wins.
func (s *Sweeper) fail(ctx context.Context, job models.Job, cutoff, now time.Time, msg string) (models.Job, bool, error) {
	updated, ok, err := s.store.ConditionalUpdate(ctx, job.ID,
		store.Condition{StatusIn: []models.JobStatus{job.Status}, IdleBefore: cutoff},
		store.Patch{
			Status:        statusPtr(models.StatusFailed),
			ErrorMessage:  &msg,
			CompletedAt:   &now,
			ClearPackager: true,
		})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if !ok {
		return models.Job{}, false, nil
	}
	s.logger.WarnContext(ctx, "stale job failed",
		"job_id", job.ID, "previous_status", job.Status, "last_activity", job.LastActivity())
	s.audit(ctx, job.ID, string(models.StatusFailed), msg)
	if s.observer != nil {
		s.observer.JobFinished(ctx, updated)
	}
	return updated, true, nil
}

func (s *Sweeper) audit(ctx context.Context, jobID, event, detail string) {
	if err := s.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		s.logger.WarnContext(ctx, "append audit failed", "job_id", jobID, "event", event, "error", err)
	}
}

func formatWindow(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}

func statusPtr(s models.JobStatus) *models.JobStatus { return &s }

func intPtr(v int) *int { return &v }
