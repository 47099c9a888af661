package store

import (
	"context"
	"errors"
	"time"

	"packaging-coordinator/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("conflict")
)

// Condition is the predicate a conditional update requires to hold at write time.
// Zero-valued fields are not checked.
type Condition struct {
	// StatusIn requires the current status to be one of these.
	StatusIn []models.JobStatus
	// PackagerID requires the job to be held by this packager.
	PackagerID string
	// Unclaimed requires packager_id to be NULL.
	Unclaimed bool
	// IdleBefore requires COALESCE(packager_heartbeat_at, created_at) < IdleBefore.
	IdleBefore time.Time
}

// Patch lists the columns a conditional update writes. Nil fields are left untouched.
//
// ProgressPercent is monotonic while the status is unchanged: a lower value
// than the stored one is ignored unless the patch also moves the job to a
// different status, in which case it is written as given.
type Patch struct {
	Status               *models.JobStatus
	ProgressPercent      *int
	ProgressMessage      *string
	ErrorMessage         *string
	PackagerID           *string
	ClearPackager        bool
	HeartbeatAt          *time.Time
	PackagingCompletedAt *time.Time
	UploadStartedAt      *time.Time
	CompletedAt          *time.Time
	IntuneAppID          *string
	IntuneAppURL         *string
	IncrementRecovery    bool
}

// JobStore is the durable table of job records.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	InsertJob(ctx context.Context, job models.Job) (models.Job, error)
	// ListByStatus returns up to limit jobs (0 means no limit) in any of statuses.
	ListByStatus(ctx context.Context, statuses []models.JobStatus, limit int, oldestFirst bool) ([]models.Job, error)
	// ListOlderThan returns jobs in statuses whose last activity is before cutoff, oldest first.
	ListOlderThan(ctx context.Context, statuses []models.JobStatus, cutoff time.Time, limit int) ([]models.Job, error)
	// ConditionalUpdate applies patch only if cond holds at write time. It
	// reports applied=false, with no error, when the condition does not hold.
	ConditionalUpdate(ctx context.Context, id string, cond Condition, patch Patch) (models.Job, bool, error)
	// CountJobs counts jobs in statuses; a non-zero since restricts to jobs
	// completed (or, if not completed, created) at or after since.
	CountJobs(ctx context.Context, statuses []models.JobStatus, since time.Time) (int, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// PolicyStore holds update policies, auto-update history and update-check results.
type PolicyStore interface {
	GetPolicy(ctx context.Context, tenantID, packageID string) (models.UpdatePolicy, bool, error)
	// InsertPolicy returns ErrConflict when a policy already exists for the pair.
	InsertPolicy(ctx context.Context, p models.UpdatePolicy) (models.UpdatePolicy, error)
	RecordPolicyTrigger(ctx context.Context, policyID string, at time.Time) error
	// RecordPolicyOutcome resets consecutive_failures on success and increments it on failure.
	RecordPolicyOutcome(ctx context.Context, policyID string, success bool) error

	LatestAvailableUpdate(ctx context.Context, tenantID, packageID string) (models.AvailableUpdate, bool, error)
	UpsertAvailableUpdate(ctx context.Context, u models.AvailableUpdate) error
	// LatestSuccessfulDeployment returns the most recently completed deployed job for the pair.
	LatestSuccessfulDeployment(ctx context.Context, tenantID, packageID string) (models.Job, bool, error)
	// OpenJobFor returns the newest job for the pair at version that has not
	// reached a terminal status.
	OpenJobFor(ctx context.Context, tenantID, packageID, version string) (models.Job, bool, error)

	InsertHistory(ctx context.Context, h models.AutoUpdateHistory) (models.AutoUpdateHistory, error)
	UpdateHistoryByJob(ctx context.Context, jobID string, upd HistoryUpdate) (models.AutoUpdateHistory, bool, error)
}

// HistoryUpdate mirrors a job status change onto its history row.
type HistoryUpdate struct {
	Status       models.HistoryStatus
	CompletedAt  *time.Time
	ErrorMessage *string
}

// Store is everything the coordinator persists.
type Store interface {
	JobStore
	PolicyStore
	Close()
}

func statusIn(s models.JobStatus, set []models.JobStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Matches evaluates cond against job the same way the SQL predicate does.
func (c Condition) Matches(job models.Job) bool {
	if len(c.StatusIn) > 0 && !statusIn(job.Status, c.StatusIn) {
		return false
	}
	if c.PackagerID != "" && (job.PackagerID == nil || *job.PackagerID != c.PackagerID) {
		return false
	}
	if c.Unclaimed && job.PackagerID != nil {
		return false
	}
	if !c.IdleBefore.IsZero() && !job.LastActivity().Before(c.IdleBefore) {
		return false
	}
	return true
}

// Apply returns job with patch applied.
func (p Patch) Apply(job models.Job) models.Job {
	statusChanged := p.Status != nil && *p.Status != job.Status
	if p.ProgressPercent != nil {
		if statusChanged || *p.ProgressPercent > job.ProgressPercent {
			job.ProgressPercent = *p.ProgressPercent
		}
	}
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.ProgressMessage != nil {
		job.ProgressMessage = copyString(p.ProgressMessage)
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = copyString(p.ErrorMessage)
	}
	if p.ClearPackager {
		job.PackagerID = nil
	} else if p.PackagerID != nil {
		job.PackagerID = copyString(p.PackagerID)
	}
	if p.HeartbeatAt != nil {
		job.PackagerHeartbeatAt = copyTime(p.HeartbeatAt)
	}
	if p.PackagingCompletedAt != nil {
		job.PackagingCompletedAt = copyTime(p.PackagingCompletedAt)
	}
	if p.UploadStartedAt != nil {
		job.UploadStartedAt = copyTime(p.UploadStartedAt)
	}
	if p.CompletedAt != nil {
		job.CompletedAt = copyTime(p.CompletedAt)
	}
	if p.IntuneAppID != nil {
		job.IntuneAppID = copyString(p.IntuneAppID)
	}
	if p.IntuneAppURL != nil {
		job.IntuneAppURL = copyString(p.IntuneAppURL)
	}
	if p.IncrementRecovery {
		job.RecoveryCount++
	}
	return job
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
