package updates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"packaging-coordinator/internal/clock"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
	"packaging-coordinator/internal/version"
)

//go:generate mockgen -destination=mocks/mock_catalog.go -package=mocks packaging-coordinator/internal/updates Catalog

// MaxBulk caps the pairs accepted by one bulk trigger.
const MaxBulk = 10

// Per-pair failure reasons. Their text is returned to callers as-is.
var (
	ErrUpdateNotFound    = errors.New("update not found")
	ErrNoPriorDeployment = errors.New("no prior deployment - deploy manually first")
	ErrPolicyDisallows   = errors.New("policy does not allow automatic updates")
	ErrVersionPinned     = errors.New("version pinned")
	ErrAutoUpdatePaused  = errors.New("auto-update paused")
	ErrNoInstallerInfo   = errors.New("no installer info")
	ErrJobCreation       = errors.New("failed to create job")
	ErrInvalidRequest    = errors.New("winget_id and tenant_id are required")
)

var (
	// ErrEmptyBulk rejects a bulk request with no pairs.
	ErrEmptyBulk = errors.New("no updates requested")
	// ErrTooManyPairs rejects a bulk request above MaxBulk.
	ErrTooManyPairs = fmt.Errorf("at most %d updates per request", MaxBulk)
)

// Catalog resolves installer metadata and published versions.
type Catalog interface {
	Resolve(ctx context.Context, packageID, version, architecture string) (models.InstallerInfo, error)
	LatestVersion(ctx context.Context, packageID string) (string, error)
}

// JobCreator inserts queued jobs.
type JobCreator interface {
	Enqueue(ctx context.Context, job models.Job) (models.Job, error)
}

// Request asks for one (package, tenant) pair to be updated.
type Request struct {
	PackageID string `json:"winget_id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"-"`
	// Manual marks a user-initiated trigger, which overrides the policy type.
	Manual bool `json:"-"`
}

// Result is the outcome for one pair. Failures are values, never errors.
type Result struct {
	PackageID string `json:"winget_id"`
	TenantID  string `json:"tenant_id"`
	Success   bool   `json:"success"`
	JobID     string `json:"jobId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkResult aggregates a bulk trigger.
type BulkResult struct {
	Success   bool     `json:"success"`
	Triggered int      `json:"triggered"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// ServiceOptions groups dependencies for Service.
type ServiceOptions struct {
	Store   store.PolicyStore // Required
	Jobs    JobCreator        // Required
	Catalog Catalog           // Required
	Clock   clock.Clock       // Optional
	Logger  *slog.Logger      // Optional
}

// Service runs the auto-update trigger and keeps policy history in step
// with the jobs it spawns.
type Service struct {
	store   store.PolicyStore
	jobs    JobCreator
	catalog Catalog
	clock   clock.Clock
	logger  *slog.Logger
}

// NewService constructs a Service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("policy store is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job creator is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	s := &Service{
		store:   opts.Store,
		jobs:    opts.Jobs,
		catalog: opts.Catalog,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "updates")
	return s, nil
}

// Trigger creates a job for the newest available version of one pair.
func (s *Service) Trigger(ctx context.Context, req Request) Result {
	res := Result{PackageID: req.PackageID, TenantID: req.TenantID}
	jobID, err := s.trigger(ctx, req)
	if err != nil {
		res.Error = reason(err)
		telemetry.Triggers.WithLabelValues("failed").Inc()
		s.logger.InfoContext(ctx, "update trigger rejected",
			"winget_id", req.PackageID, "tenant_id", req.TenantID, "manual", req.Manual, "error", err)
		return res
	}
	res.Success = true
	res.JobID = jobID
	telemetry.Triggers.WithLabelValues("triggered").Inc()
	return res
}

// TriggerBulk runs Trigger for each pair concurrently. One failing pair never
// affects another; only a malformed request returns an error.
func (s *Service) TriggerBulk(ctx context.Context, reqs []Request) (BulkResult, error) {
	switch {
	case len(reqs) == 0:
		return BulkResult{}, ErrEmptyBulk
	case len(reqs) > MaxBulk:
		return BulkResult{}, ErrTooManyPairs
	}

	results := make([]Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(4)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = s.Trigger(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	out := BulkResult{Results: results}
	for _, r := range results {
		if r.Success {
			out.Triggered++
		} else {
			out.Failed++
		}
	}
	out.Success = out.Triggered > 0
	return out, nil
}

func (s *Service) trigger(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.PackageID) == "" || strings.TrimSpace(req.TenantID) == "" {
		return "", ErrInvalidRequest
	}

	upd, found, err := s.store.LatestAvailableUpdate(ctx, req.TenantID, req.PackageID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrUpdateNotFound
	}

	policy, prior, err := s.policyFor(ctx, req.TenantID, req.PackageID)
	if err != nil {
		return "", err
	}

	eff := EffectivePolicy(policy, req.Manual)
	if err := gate(eff, upd.LatestVersion, req.Manual); err != nil {
		return "", err
	}

	cfg := eff.DeploymentConfig
	if cfg == nil {
		if prior == nil {
			job, ok, err := s.store.LatestSuccessfulDeployment(ctx, req.TenantID, req.PackageID)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", ErrNoPriorDeployment
			}
			prior = &job
		}
		cfg = configFromJob(*prior)
	}

	installer, err := s.catalog.Resolve(ctx, req.PackageID, upd.LatestVersion, cfg.Architecture)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoInstallerInfo, err)
	}

	job := models.Job{
		TenantID:         req.TenantID,
		UserID:           req.UserID,
		PackageID:        req.PackageID,
		DisplayName:      upd.DisplayName,
		Version:          upd.LatestVersion,
		Architecture:     installer.Architecture,
		InstallerType:    firstNonEmpty(cfg.InstallerType, installer.InstallerType),
		InstallerURL:     installer.InstallerURL,
		InstallerSHA256:  installer.SHA256,
		DeploymentConfig: cfg.Clone(),
		AutoUpdate:       true,
	}
	if prior != nil {
		job.Publisher = prior.Publisher
		if job.DisplayName == "" {
			job.DisplayName = prior.DisplayName
		}
	}
	created, err := s.jobs.Enqueue(ctx, job)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrJobCreation, err)
	}

	// The job exists from here on, so bookkeeping failures are logged rather
	// than reported as a failed trigger.
	now := s.clock.Now()
	jobID := created.ID
	if _, err := s.store.InsertHistory(ctx, models.AutoUpdateHistory{
		PolicyID:    policy.ID,
		JobID:       &jobID,
		FromVersion: upd.CurrentVersion,
		ToVersion:   upd.LatestVersion,
		UpdateType:  version.Classify(upd.CurrentVersion, upd.LatestVersion),
		Status:      models.HistoryPending,
		Manual:      req.Manual,
		TriggeredAt: now,
	}); err != nil {
		s.logger.ErrorContext(ctx, "record update history", "job_id", jobID, "policy_id", policy.ID, "error", err)
	}
	if err := s.store.RecordPolicyTrigger(ctx, policy.ID, now); err != nil {
		s.logger.ErrorContext(ctx, "record policy trigger", "policy_id", policy.ID, "error", err)
	}

	s.logger.InfoContext(ctx, "update triggered",
		"job_id", jobID, "winget_id", req.PackageID, "tenant_id", req.TenantID,
		"from_version", upd.CurrentVersion, "to_version", upd.LatestVersion, "manual", req.Manual)
	return jobID, nil
}

// policyFor loads the pair's policy, synthesising and persisting a notify
// policy from the latest successful deployment when none exists. The prior
// deployment is returned when it was read.
func (s *Service) policyFor(ctx context.Context, tenantID, packageID string) (models.UpdatePolicy, *models.Job, error) {
	p, found, err := s.store.GetPolicy(ctx, tenantID, packageID)
	if err != nil {
		return models.UpdatePolicy{}, nil, err
	}
	if found {
		return p, nil, nil
	}

	prior, ok, err := s.store.LatestSuccessfulDeployment(ctx, tenantID, packageID)
	if err != nil {
		return models.UpdatePolicy{}, nil, err
	}
	if !ok {
		return models.UpdatePolicy{}, nil, ErrNoPriorDeployment
	}

	sourceID := prior.ID
	p, err = s.store.InsertPolicy(ctx, models.UpdatePolicy{
		TenantID:         tenantID,
		PackageID:        packageID,
		PolicyType:       models.PolicyNotify,
		IsEnabled:        true,
		DeploymentConfig: configFromJob(prior),
		SourceJobID:      &sourceID,
	})
	if errors.Is(err, store.ErrConflict) {
		// Another trigger created it first.
		p, found, err = s.store.GetPolicy(ctx, tenantID, packageID)
		if err == nil && !found {
			err = fmt.Errorf("policy %s/%s vanished after conflict", tenantID, packageID)
		}
	}
	if err != nil {
		return models.UpdatePolicy{}, nil, err
	}
	s.logger.InfoContext(ctx, "policy synthesised from prior deployment",
		"policy_id", p.ID, "winget_id", packageID, "tenant_id", tenantID, "source_job_id", sourceID)
	return p, &prior, nil
}

// JobFinished mirrors a terminal job onto its history row and updates the
// policy's failure streak.
func (s *Service) JobFinished(ctx context.Context, job models.Job) {
	if !job.AutoUpdate {
		return
	}
	h, found, err := s.store.UpdateHistoryByJob(ctx, job.ID, store.HistoryUpdate{
		Status:       models.HistoryStatusFor(job.Status),
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "sync update history", "job_id", job.ID, "error", err)
		return
	}
	if !found {
		return
	}
	switch job.Status {
	case models.StatusDeployed, models.StatusFailed:
		if err := s.store.RecordPolicyOutcome(ctx, h.PolicyID, job.Status == models.StatusDeployed); err != nil {
			s.logger.ErrorContext(ctx, "record policy outcome", "policy_id", h.PolicyID, "error", err)
		}
	}
}

// Check is one pair for CheckForUpdates.
type Check struct {
	PackageID string `json:"winget_id"`
	TenantID  string `json:"tenant_id"`
}

// CheckResult reports what CheckForUpdates found for one pair.
type CheckResult struct {
	PackageID      string  `json:"winget_id"`
	TenantID       string  `json:"tenant_id"`
	CurrentVersion string  `json:"current_version,omitempty"`
	LatestVersion  string  `json:"latest_version,omitempty"`
	UpdateFound    bool    `json:"update_found"`
	OpenJobID      string  `json:"open_job_id,omitempty"`
	Triggered      *Result `json:"triggered,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// CheckForUpdates compares each pair's deployed version with the catalog,
// records newer versions as available updates and triggers automatic
// updates where policy allows.
func (s *Service) CheckForUpdates(ctx context.Context, checks []Check) []CheckResult {
	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	g.SetLimit(4)
	for i, c := range checks {
		g.Go(func() error {
			results[i] = s.check(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) check(ctx context.Context, c Check) CheckResult {
	res := CheckResult{PackageID: c.PackageID, TenantID: c.TenantID}
	deployed, ok, err := s.store.LatestSuccessfulDeployment(ctx, c.TenantID, c.PackageID)
	if err != nil {
		res.Error = reason(err)
		return res
	}
	if !ok {
		res.Error = ErrNoPriorDeployment.Error()
		return res
	}
	res.CurrentVersion = deployed.Version

	latest, err := s.catalog.LatestVersion(ctx, c.PackageID)
	if err != nil {
		s.logger.WarnContext(ctx, "catalog lookup failed", "winget_id", c.PackageID, "error", err)
		res.Error = ErrNoInstallerInfo.Error()
		return res
	}
	res.LatestVersion = latest
	if version.Compare(latest, deployed.Version) <= 0 {
		return res
	}
	res.UpdateFound = true

	if err := s.store.UpsertAvailableUpdate(ctx, models.AvailableUpdate{
		TenantID:       c.TenantID,
		PackageID:      c.PackageID,
		DisplayName:    deployed.DisplayName,
		CurrentVersion: deployed.Version,
		LatestVersion:  latest,
		DetectedAt:     s.clock.Now(),
	}); err != nil {
		res.Error = reason(err)
		return res
	}

	p, found, err := s.store.GetPolicy(ctx, c.TenantID, c.PackageID)
	if err != nil {
		res.Error = reason(err)
		return res
	}
	if !found || gate(EffectivePolicy(p, false), latest, false) != nil {
		return res
	}
	// A job for this version may still be queued or packaging; the deployed
	// version only moves once it finishes.
	open, pending, err := s.store.OpenJobFor(ctx, c.TenantID, c.PackageID, latest)
	if err != nil {
		res.Error = reason(err)
		return res
	}
	if pending {
		res.OpenJobID = open.ID
		return res
	}
	r := s.Trigger(ctx, Request{PackageID: c.PackageID, TenantID: c.TenantID, UserID: deployed.UserID})
	res.Triggered = &r
	return res
}

var reasons = []error{
	ErrUpdateNotFound, ErrNoPriorDeployment, ErrPolicyDisallows, ErrVersionPinned,
	ErrAutoUpdatePaused, ErrNoInstallerInfo, ErrJobCreation, ErrInvalidRequest,
}

// reason turns a per-pair error into caller-facing text without leaking
// infrastructure detail.
func reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r) {
			if r == ErrVersionPinned || r == ErrAutoUpdatePaused {
				return err.Error()
			}
			return r.Error()
		}
	}
	return "internal error"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
