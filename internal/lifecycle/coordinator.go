package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"packaging-coordinator/internal/clock"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
)

var (
	// ErrConflict means the job was not available to this caller: another
	// packager claimed it first, or it already moved on. Try another job.
	ErrConflict = errors.New("job unavailable")
	// ErrNotOwner means the caller does not hold the job.
	ErrNotOwner = errors.New("job not owned by packager")
	// ErrJobTerminal means the job already reached a final status.
	ErrJobTerminal = errors.New("job already in terminal status")
	// ErrInvalidTransition means the requested status move is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrErrorMessageRequired means a failure report carried no error text.
	ErrErrorMessageRequired = errors.New("error message required when failing a job")
	// ErrInvalidProgress means progress was outside 0..100.
	ErrInvalidProgress = errors.New("progress percent must be between 0 and 100")
	// ErrWorkerIDRequired means the call carried no packager identity.
	ErrWorkerIDRequired = errors.New("worker id required")
	// ErrCancelInProgress means a packager already holds the job; cancelling a
	// running job needs a cooperative signal the packagers do not have.
	ErrCancelInProgress = errors.New("job is held by a packager and cannot be cancelled")
)

// TerminalObserver is told about every job that reaches a terminal status.
type TerminalObserver interface {
	JobFinished(ctx context.Context, job models.Job)
}

// Options groups dependencies for Coordinator.
type Options struct {
	Store    store.JobStore   // Required
	Clock    clock.Clock      // Optional: defaults to the system clock
	Logger   *slog.Logger     // Optional
	Observer TerminalObserver // Optional
}

// Coordinator validates and applies every job state change. It holds no
// state between calls; the store's conditional update is the only lock.
type Coordinator struct {
	store    store.JobStore
	clock    clock.Clock
	logger   *slog.Logger
	observer TerminalObserver
}

// New constructs a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}
	c := &Coordinator{
		store:    opts.Store,
		clock:    opts.Clock,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "lifecycle")
	return c, nil
}

// SetObserver replaces the terminal observer.
func (c *Coordinator) SetObserver(o TerminalObserver) {
	c.observer = o
}

// Enqueue inserts a new job in queued status.
func (c *Coordinator) Enqueue(ctx context.Context, job models.Job) (models.Job, error) {
	job.Status = models.StatusQueued
	job.ProgressPercent = 0
	job.PackagerID = nil
	job.PackagerHeartbeatAt = nil
	job.CompletedAt = nil
	if job.CreatedAt.IsZero() {
		job.CreatedAt = c.clock.Now()
	}
	inserted, err := c.store.InsertJob(ctx, job)
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	c.audit(ctx, inserted.ID, "queued", fmt.Sprintf("tenant=%s package=%s version=%s", inserted.TenantID, inserted.PackageID, inserted.Version))
	telemetry.JobsEnqueued.Inc()
	return inserted, nil
}

// ListAvailable returns queued jobs, oldest first. The result is a hint:
// only Claim reserves a job.
func (c *Coordinator) ListAvailable(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	jobs, err := c.store.ListByStatus(ctx, []models.JobStatus{models.StatusQueued}, limit, true)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	return jobs, nil
}

// Claim hands a queued job to workerID. At most one concurrent caller succeeds;
// the rest get ErrConflict.
func (c *Coordinator) Claim(ctx context.Context, jobID, workerID string) (models.Job, error) {
	if workerID == "" {
		return models.Job{}, ErrWorkerIDRequired
	}
	now := c.clock.Now()
	job, ok, err := c.store.ConditionalUpdate(ctx, jobID,
		store.Condition{StatusIn: []models.JobStatus{models.StatusQueued}, Unclaimed: true},
		store.Patch{
			Status:          statusPtr(models.StatusPackaging),
			PackagerID:      &workerID,
			HeartbeatAt:     &now,
			ProgressPercent: intPtr(0),
		})
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !ok {
		telemetry.Claims.WithLabelValues("conflict").Inc()
		if _, err := c.store.GetJob(ctx, jobID); err != nil {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("claim job %s: %w", jobID, ErrConflict)
	}
	telemetry.Claims.WithLabelValues("won").Inc()
	c.audit(ctx, job.ID, "claimed", "packager="+workerID)
	c.logger.InfoContext(ctx, "job claimed", "job_id", job.ID, "packager_id", workerID)
	return job, nil
}

// ProgressUpdate is what a packager reports. Nil fields are unchanged.
type ProgressUpdate struct {
	Status          *models.JobStatus
	ProgressPercent *int
	ProgressMessage *string
	ErrorMessage    *string
	IntuneAppID     *string
	IntuneAppURL    *string
}

// ReportProgress applies a progress report from the packager holding the job.
// Every accepted report refreshes the heartbeat.
func (c *Coordinator) ReportProgress(ctx context.Context, jobID, workerID string, upd ProgressUpdate) (models.Job, error) {
	if workerID == "" {
		return models.Job{}, ErrWorkerIDRequired
	}
	if upd.ProgressPercent != nil && (*upd.ProgressPercent < 0 || *upd.ProgressPercent > 100) {
		return models.Job{}, ErrInvalidProgress
	}

	current, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if err := ownershipError(current, workerID); err != nil {
		return models.Job{}, fmt.Errorf("report progress on %s: %w", jobID, err)
	}

	target := current.Status
	if upd.Status != nil {
		target = *upd.Status
	}
	if !workerReportable(current.Status, target) {
		return models.Job{}, fmt.Errorf("%s -> %s: %w", current.Status, target, ErrInvalidTransition)
	}

	patch, err := c.progressPatch(current.Status, target, upd)
	if err != nil {
		return models.Job{}, err
	}

	job, ok, err := c.store.ConditionalUpdate(ctx, jobID,
		store.Condition{StatusIn: []models.JobStatus{current.Status}, PackagerID: workerID},
		patch)
	if err != nil {
		return models.Job{}, fmt.Errorf("report progress on %s: %w", jobID, err)
	}
	if !ok {
		return models.Job{}, c.classifyLostUpdate(ctx, jobID, workerID)
	}

	telemetry.ProgressReports.Inc()
	if target != current.Status {
		telemetry.Transitions.WithLabelValues(string(target)).Inc()
		c.audit(ctx, job.ID, string(target), fmt.Sprintf("from=%s packager=%s", current.Status, workerID))
	}
	if job.Status.Terminal() {
		c.logger.InfoContext(ctx, "job finished", "job_id", job.ID, "status", job.Status, "packager_id", workerID)
		c.notifyTerminal(ctx, job)
	}
	return job, nil
}

func (c *Coordinator) progressPatch(from, to models.JobStatus, upd ProgressUpdate) (store.Patch, error) {
	now := c.clock.Now()
	patch := store.Patch{
		ProgressPercent: upd.ProgressPercent,
		ProgressMessage: upd.ProgressMessage,
		HeartbeatAt:     &now,
	}
	if to != from {
		patch.Status = statusPtr(to)
	}

	switch to {
	case models.StatusUploading:
		if from != models.StatusUploading {
			patch.UploadStartedAt = &now
			patch.PackagingCompletedAt = &now
		}
	case models.StatusDeployed:
		patch.CompletedAt = &now
		patch.ClearPackager = true
		patch.IntuneAppID = upd.IntuneAppID
		patch.IntuneAppURL = upd.IntuneAppURL
		if patch.ProgressPercent == nil {
			patch.ProgressPercent = intPtr(100)
		}
	case models.StatusFailed:
		if upd.ErrorMessage == nil || strings.TrimSpace(*upd.ErrorMessage) == "" {
			return store.Patch{}, ErrErrorMessageRequired
		}
		patch.CompletedAt = &now
		patch.ClearPackager = true
		patch.ErrorMessage = upd.ErrorMessage
	}
	return patch, nil
}

// Release hands a job back to the queue at the holder's request.
func (c *Coordinator) Release(ctx context.Context, jobID, workerID string) (models.Job, error) {
	if workerID == "" {
		return models.Job{}, ErrWorkerIDRequired
	}
	msg := "Released by packager " + workerID
	job, ok, err := c.store.ConditionalUpdate(ctx, jobID,
		store.Condition{StatusIn: models.InProgressStatuses, PackagerID: workerID},
		store.Patch{
			Status:          statusPtr(models.StatusQueued),
			ClearPackager:   true,
			ProgressPercent: intPtr(0),
			ProgressMessage: &msg,
		})
	if err != nil {
		return models.Job{}, fmt.Errorf("release job %s: %w", jobID, err)
	}
	if !ok {
		return models.Job{}, c.classifyLostUpdate(ctx, jobID, workerID)
	}
	telemetry.Releases.WithLabelValues("voluntary").Inc()
	c.audit(ctx, job.ID, "released", "packager="+workerID)
	c.logger.InfoContext(ctx, "job released", "job_id", job.ID, "packager_id", workerID)
	return job, nil
}

// Get returns a job visible to tenantID.
func (c *Coordinator) Get(ctx context.Context, jobID, tenantID string) (models.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if tenantID != "" && job.TenantID != tenantID {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return job, nil
}

// Cancel stops a job that no packager has picked up yet.
func (c *Coordinator) Cancel(ctx context.Context, jobID, tenantID string) (models.Job, error) {
	return c.abandon(ctx, jobID, tenantID, models.StatusCancelled, "Cancelled by user")
}

// Skip marks a not-yet-claimed job as intentionally not run.
func (c *Coordinator) Skip(ctx context.Context, jobID, tenantID, reason string) (models.Job, error) {
	if reason == "" {
		reason = "Skipped"
	}
	return c.abandon(ctx, jobID, tenantID, models.StatusSkipped, reason)
}

func (c *Coordinator) abandon(ctx context.Context, jobID, tenantID string, to models.JobStatus, msg string) (models.Job, error) {
	current, err := c.Get(ctx, jobID, tenantID)
	if err != nil {
		return models.Job{}, err
	}
	if current.Status.Terminal() {
		return models.Job{}, fmt.Errorf("%s job %s: %w", to, jobID, ErrJobTerminal)
	}
	if current.Status.InProgress() {
		return models.Job{}, fmt.Errorf("%s job %s: %w", to, jobID, ErrCancelInProgress)
	}

	now := c.clock.Now()
	job, ok, err := c.store.ConditionalUpdate(ctx, jobID,
		store.Condition{StatusIn: []models.JobStatus{models.StatusPending, models.StatusQueued}, Unclaimed: true},
		store.Patch{Status: statusPtr(to), CompletedAt: &now, ProgressMessage: &msg})
	if err != nil {
		return models.Job{}, fmt.Errorf("%s job %s: %w", to, jobID, err)
	}
	if !ok {
		// Claimed between the read and the write.
		return models.Job{}, fmt.Errorf("%s job %s: %w", to, jobID, ErrCancelInProgress)
	}
	telemetry.Transitions.WithLabelValues(string(to)).Inc()
	c.audit(ctx, job.ID, string(to), msg)
	c.notifyTerminal(ctx, job)
	return job, nil
}

// Stats summarises the queue for health endpoints.
type Stats struct {
	QueueDepth     int `json:"queue_depth"`
	InProgress     int `json:"in_progress"`
	RecentDeployed int `json:"recent_deployed"`
	RecentFailed   int `json:"recent_failed"`
}

// Stats counts queued and running jobs plus outcomes within window.
func (c *Coordinator) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	var st Stats
	var err error
	since := c.clock.Now().Add(-window)
	if st.QueueDepth, err = c.store.CountJobs(ctx, []models.JobStatus{models.StatusQueued}, time.Time{}); err != nil {
		return st, err
	}
	if st.InProgress, err = c.store.CountJobs(ctx, models.InProgressStatuses, time.Time{}); err != nil {
		return st, err
	}
	if st.RecentDeployed, err = c.store.CountJobs(ctx, []models.JobStatus{models.StatusDeployed}, since); err != nil {
		return st, err
	}
	if st.RecentFailed, err = c.store.CountJobs(ctx, []models.JobStatus{models.StatusFailed}, since); err != nil {
		return st, err
	}
	telemetry.QueueDepth.Set(float64(st.QueueDepth))
	telemetry.InProgress.Set(float64(st.InProgress))
	return st, nil
}

// classifyLostUpdate explains why a conditional write by workerID did not apply.
func (c *Coordinator) classifyLostUpdate(ctx context.Context, jobID, workerID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := ownershipError(job, workerID); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	return fmt.Errorf("job %s: %w", jobID, ErrConflict)
}

func ownershipError(job models.Job, workerID string) error {
	switch {
	case job.Status.Terminal():
		return ErrJobTerminal
	case job.PackagerID == nil || *job.PackagerID != workerID:
		return ErrNotOwner
	}
	return nil
}

func (c *Coordinator) audit(ctx context.Context, jobID, event, detail string) {
	if err := c.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		c.logger.WarnContext(ctx, "append audit failed", "job_id", jobID, "event", event, "error", err)
	}
}

func (c *Coordinator) notifyTerminal(ctx context.Context, job models.Job) {
	if c.observer != nil {
		c.observer.JobFinished(ctx, job)
	}
}

func statusPtr(s models.JobStatus) *models.JobStatus { return &s }

func intPtr(v int) *int { return &v }
