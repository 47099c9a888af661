package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"packaging-coordinator/internal/clock"
	"packaging-coordinator/internal/models"
)

// Memory is an in-process Store. Every conditional update runs under one
// mutex, which gives the same row-level compare-and-swap guarantee Postgres does.
type Memory struct {
	mu       sync.Mutex
	clock    clock.Clock
	jobs     map[string]models.Job
	policies map[string]models.UpdatePolicy
	updates  map[string]models.AvailableUpdate
	history  []models.AutoUpdateHistory
	audit    []models.AuditEvent
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{
		clock:    c,
		jobs:     make(map[string]models.Job),
		policies: make(map[string]models.UpdatePolicy),
		updates:  make(map[string]models.AvailableUpdate),
	}
}

func (m *Memory) Close() {}

func pairKey(tenantID, packageID string) string {
	return tenantID + "|" + packageID
}

// GetJob fetches a job by id.
func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

// InsertJob stores a new job, assigning an id and creation time when missing.
func (m *Memory) InsertJob(_ context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := m.jobs[job.ID]; exists {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrConflict)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.clock.Now()
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	job.DeploymentConfig = job.DeploymentConfig.Clone()
	m.jobs[job.ID] = job
	return job, nil
}

// ListByStatus returns jobs in the given statuses ordered by creation time.
func (m *Memory) ListByStatus(_ context.Context, statuses []models.JobStatus, limit int, oldestFirst bool) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	for _, job := range m.jobs {
		if statusIn(job.Status, statuses) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if oldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOlderThan returns idle jobs in statuses, oldest activity first.
func (m *Memory) ListOlderThan(_ context.Context, statuses []models.JobStatus, cutoff time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	for _, job := range m.jobs {
		if statusIn(job.Status, statuses) && job.LastActivity().Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity().Before(out[j].LastActivity())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ConditionalUpdate applies patch atomically if cond holds.
func (m *Memory) ConditionalUpdate(_ context.Context, id string, cond Condition, patch Patch) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || !cond.Matches(job) {
		return models.Job{}, false, nil
	}
	job = patch.Apply(job)
	m.jobs[id] = job
	return job, true, nil
}

// CountJobs counts jobs in statuses, optionally restricted to recent ones.
func (m *Memory) CountJobs(_ context.Context, statuses []models.JobStatus, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if !statusIn(job.Status, statuses) {
			continue
		}
		if !since.IsZero() {
			ref := job.CreatedAt
			if job.CompletedAt != nil {
				ref = *job.CompletedAt
			}
			if ref.Before(since) {
				continue
			}
		}
		n++
	}
	return n, nil
}

// AppendAudit adds an audit row.
func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditEvent{JobID: jobID, Event: event, Detail: detail, Recorded: m.clock.Now()})
	return nil
}

// Audit returns the recorded audit events for a job.
func (m *Memory) Audit(jobID string) []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range m.audit {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// GetPolicy returns the policy for a tenant/package pair.
func (m *Memory) GetPolicy(_ context.Context, tenantID, packageID string) (models.UpdatePolicy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[pairKey(tenantID, packageID)]
	return p, ok, nil
}

// InsertPolicy stores a new policy; a second policy for the same pair conflicts.
func (m *Memory) InsertPolicy(_ context.Context, p models.UpdatePolicy) (models.UpdatePolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(p.TenantID, p.PackageID)
	if _, exists := m.policies[key]; exists {
		return models.UpdatePolicy{}, fmt.Errorf("policy %s: %w", key, ErrConflict)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := m.clock.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.DeploymentConfig = p.DeploymentConfig.Clone()
	m.policies[key] = p
	return p, nil
}

func (m *Memory) policyByID(id string) (string, models.UpdatePolicy, bool) {
	for k, p := range m.policies {
		if p.ID == id {
			return k, p, true
		}
	}
	return "", models.UpdatePolicy{}, false
}

// RecordPolicyTrigger stamps last_auto_update_at.
func (m *Memory) RecordPolicyTrigger(_ context.Context, policyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, p, ok := m.policyByID(policyID)
	if !ok {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	at = at.UTC()
	p.LastAutoUpdateAt = &at
	p.UpdatedAt = m.clock.Now()
	m.policies[key] = p
	return nil
}

// RecordPolicyOutcome maintains consecutive_failures.
func (m *Memory) RecordPolicyOutcome(_ context.Context, policyID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, p, ok := m.policyByID(policyID)
	if !ok {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	if success {
		p.ConsecutiveFailures = 0
	} else {
		p.ConsecutiveFailures++
	}
	p.UpdatedAt = m.clock.Now()
	m.policies[key] = p
	return nil
}

// LatestAvailableUpdate returns the update-check result for a pair.
func (m *Memory) LatestAvailableUpdate(_ context.Context, tenantID, packageID string) (models.AvailableUpdate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.updates[pairKey(tenantID, packageID)]
	return u, ok, nil
}

// UpsertAvailableUpdate replaces the update-check result for a pair.
func (m *Memory) UpsertAvailableUpdate(_ context.Context, u models.AvailableUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.DetectedAt.IsZero() {
		u.DetectedAt = m.clock.Now()
	}
	m.updates[pairKey(u.TenantID, u.PackageID)] = u
	return nil
}

// LatestSuccessfulDeployment finds the newest deployed job for a pair.
func (m *Memory) LatestSuccessfulDeployment(_ context.Context, tenantID, packageID string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best models.Job
	found := false
	for _, job := range m.jobs {
		if job.TenantID != tenantID || job.PackageID != packageID || job.Status != models.StatusDeployed {
			continue
		}
		if !found || completedAfter(job, best) {
			best = job
			found = true
		}
	}
	return best, found, nil
}

// OpenJobFor finds the newest non-terminal job for a pair at version.
func (m *Memory) OpenJobFor(_ context.Context, tenantID, packageID, version string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best models.Job
	found := false
	for _, job := range m.jobs {
		if job.TenantID != tenantID || job.PackageID != packageID || job.Version != version || job.Status.Terminal() {
			continue
		}
		if !found || job.CreatedAt.After(best.CreatedAt) {
			best = job
			found = true
		}
	}
	return best, found, nil
}

func completedAfter(a, b models.Job) bool {
	at, bt := a.CreatedAt, b.CreatedAt
	if a.CompletedAt != nil {
		at = *a.CompletedAt
	}
	if b.CompletedAt != nil {
		bt = *b.CompletedAt
	}
	return at.After(bt)
}

// InsertHistory appends an auto-update history row.
func (m *Memory) InsertHistory(_ context.Context, h models.AutoUpdateHistory) (models.AutoUpdateHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.TriggeredAt.IsZero() {
		h.TriggeredAt = m.clock.Now()
	}
	m.history = append(m.history, h)
	return h, nil
}

// UpdateHistoryByJob mirrors a job status onto the history row that spawned it.
func (m *Memory) UpdateHistoryByJob(_ context.Context, jobID string, upd HistoryUpdate) (models.AutoUpdateHistory, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.history {
		h := m.history[i]
		if h.JobID == nil || *h.JobID != jobID {
			continue
		}
		h.Status = upd.Status
		if upd.CompletedAt != nil {
			h.CompletedAt = copyTime(upd.CompletedAt)
		}
		if upd.ErrorMessage != nil {
			h.ErrorMessage = copyString(upd.ErrorMessage)
		}
		m.history[i] = h
		return h, true, nil
	}
	return models.AutoUpdateHistory{}, false, nil
}

// History returns all history rows for a policy.
func (m *Memory) History(policyID string) []models.AutoUpdateHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AutoUpdateHistory
	for _, h := range m.history {
		if h.PolicyID == policyID {
			out = append(out, h)
		}
	}
	return out
}
