package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/telemetry"
)

// Handler runs one claimed job and reports progress through r. Returning an
// error fails the job with the error text.
type Handler func(ctx context.Context, job models.Job, r *Reporter) error

// Reporter sends progress for a single claimed job.
type Reporter struct {
	client   *Client
	jobID    string
	workerID string
	last     models.Job
	finished bool
}

// Progress moves the job to status with percent and message. Every call is
// also a heartbeat.
func (r *Reporter) Progress(ctx context.Context, status models.JobStatus, percent int, message string) error {
	return r.send(ctx, Report{Status: &status, ProgressPercent: &percent, ProgressMessage: &message})
}

// Deployed marks the job as deployed. Empty ids are not sent.
func (r *Reporter) Deployed(ctx context.Context, appID, appURL string) error {
	status := models.StatusDeployed
	rep := Report{Status: &status}
	if appID != "" {
		rep.IntuneAppID = &appID
	}
	if appURL != "" {
		rep.IntuneAppURL = &appURL
	}
	return r.send(ctx, rep)
}

func (r *Reporter) fail(ctx context.Context, msg string) error {
	status := models.StatusFailed
	return r.send(ctx, Report{Status: &status, Error: &msg})
}

// Job returns the latest job state the coordinator acknowledged.
func (r *Reporter) Job() models.Job {
	return r.last
}

// Finished reports whether the job reached a terminal status through this reporter.
func (r *Reporter) Finished() bool {
	return r.finished
}

func (r *Reporter) send(ctx context.Context, rep Report) error {
	rep.JobID = r.jobID
	rep.WorkerID = r.workerID
	job, err := r.client.Report(ctx, rep)
	if err != nil {
		return err
	}
	r.last = job
	r.finished = job.Status.Terminal()
	return nil
}

// Options groups dependencies for Processor.
type Options struct {
	Client       *Client       // Required
	WorkerID     string        // Required
	Handler      Handler       // Required
	BatchSize    int           // Optional: defaults to 5
	PollInterval time.Duration // Optional: defaults to 5s
	BackoffMax   time.Duration // Optional: defaults to 1m
	Logger       *slog.Logger  // Optional
}

// Processor drives the packager loop: poll, claim, run, report.
type Processor struct {
	client     *Client
	workerID   string
	handler    Handler
	batch      int
	poll       time.Duration
	backoffMax time.Duration
	logger     *slog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	p := &Processor{
		client:     opts.Client,
		workerID:   opts.WorkerID,
		handler:    opts.Handler,
		batch:      opts.BatchSize,
		poll:       opts.PollInterval,
		backoffMax: opts.BackoffMax,
		logger:     opts.Logger,
	}
	if p.batch <= 0 {
		p.batch = 5
	}
	if p.poll <= 0 {
		p.poll = 5 * time.Second
	}
	if p.backoffMax < p.poll {
		p.backoffMax = max(p.poll, time.Minute)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "worker", "packager_id", p.workerID)
	return p, nil
}

// Run polls until ctx is cancelled. Idle rounds and coordinator errors back
// off with jitter; a job in hand when ctx ends is released.
func (p *Processor) Run(ctx context.Context) error {
	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "poll failed", "error", err)
		}
		if claimed {
			idle = 0
			continue
		}
		idle++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffWithJitter(p.poll, p.backoffMax, idle)):
		}
	}
}

// RunOnce lists available jobs, claims the first one it wins and runs it.
// It reports whether a job was processed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	jobs, err := p.client.List(ctx, p.batch)
	if err != nil {
		return false, err
	}
	for _, candidate := range jobs {
		job, err := p.client.Claim(ctx, candidate.ID, p.workerID)
		if errors.Is(err, ErrJobTaken) {
			continue
		}
		if err != nil {
			return false, err
		}
		p.process(ctx, job)
		return true, nil
	}
	return false, nil
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	telemetry.WorkerInFlight.Inc()
	defer telemetry.WorkerInFlight.Dec()

	log := p.logger.With("job_id", job.ID, "winget_id", job.PackageID, "version", job.Version)
	log.InfoContext(ctx, "job claimed")

	rep := &Reporter{client: p.client, jobID: job.ID, workerID: p.workerID, last: job}
	err := p.handler(ctx, job, rep)

	switch {
	case ctx.Err() != nil && !rep.Finished():
		relCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.client.Release(relCtx, job.ID, p.workerID); err != nil {
			log.Error("release on shutdown failed", "error", err)
			return
		}
		telemetry.WorkerJobs.WithLabelValues("released").Inc()
		log.Info("job released on shutdown")
	case errors.Is(err, ErrLostOwnership):
		telemetry.WorkerJobs.WithLabelValues("lost").Inc()
		log.WarnContext(ctx, "job taken away while running", "error", err)
	case err != nil:
		telemetry.WorkerJobs.WithLabelValues("failed").Inc()
		log.WarnContext(ctx, "job failed", "error", err)
		if ferr := rep.fail(ctx, err.Error()); ferr != nil {
			log.ErrorContext(ctx, "report failure", "error", ferr)
		}
	case !rep.Finished():
		if derr := rep.Deployed(ctx, "", ""); derr != nil {
			telemetry.WorkerJobs.WithLabelValues("lost").Inc()
			log.ErrorContext(ctx, "report deployed", "error", derr)
			return
		}
		fallthrough
	default:
		telemetry.WorkerJobs.WithLabelValues("deployed").Inc()
		log.InfoContext(ctx, "job deployed")
	}
}

// DryRun walks a job through the pipeline without building anything,
// pausing step between stages.
func DryRun(step time.Duration) Handler {
	stages := []struct {
		status  models.JobStatus
		percent int
		message string
	}{
		{models.StatusPackaging, 10, "Downloading installer"},
		{models.StatusPackaging, 40, "Building package"},
		{models.StatusTesting, 60, "Validating package"},
		{models.StatusUploading, 80, "Uploading package"},
	}
	return func(ctx context.Context, job models.Job, r *Reporter) error {
		if job.InstallerURL == "" {
			return fmt.Errorf("job %s has no installer url", job.ID)
		}
		for _, s := range stages {
			if err := sleepCtx(ctx, step); err != nil {
				return err
			}
			if err := r.Progress(ctx, s.status, s.percent, s.message); err != nil {
				return err
			}
		}
		if err := sleepCtx(ctx, step); err != nil {
			return err
		}
		return r.Deployed(ctx, "", "")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
