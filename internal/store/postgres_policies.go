package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"packaging-coordinator/internal/models"
)

const policyColumns = `id, tenant_id, package_id, policy_type, is_enabled, pinned_version, deployment_config,
	consecutive_failures, last_auto_update_at, source_job_id, created_at, updated_at`

func scanPolicy(row pgx.Row) (models.UpdatePolicy, error) {
	var p models.UpdatePolicy
	var policyType string
	var pinned, sourceJob pgtype.Text
	var configJSON []byte
	if err := row.Scan(&p.ID, &p.TenantID, &p.PackageID, &policyType, &p.IsEnabled, &pinned, &configJSON,
		&p.ConsecutiveFailures, &p.LastAutoUpdateAt, &sourceJob, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.UpdatePolicy{}, err
	}
	p.PolicyType = models.PolicyType(policyType)
	p.PinnedVersion = textPtr(pinned)
	p.SourceJobID = textPtr(sourceJob)
	if len(configJSON) > 0 {
		var cfg models.DeploymentConfig
		if err := json.Unmarshal(configJSON, &cfg); err != nil {
			return models.UpdatePolicy{}, fmt.Errorf("unmarshal deployment config: %w", err)
		}
		p.DeploymentConfig = &cfg
	}
	return p, nil
}

// GetPolicy returns the policy for a tenant/package pair.
func (s *Postgres) GetPolicy(ctx context.Context, tenantID, packageID string) (models.UpdatePolicy, bool, error) {
	p, err := scanPolicy(s.pool.QueryRow(ctx, `
		SELECT `+policyColumns+` FROM update_policies WHERE tenant_id = $1 AND package_id = $2
	`, tenantID, packageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UpdatePolicy{}, false, nil
	}
	if err != nil {
		return models.UpdatePolicy{}, false, fmt.Errorf("get policy: %w", err)
	}
	return p, true, nil
}

// InsertPolicy creates a policy. A concurrent insert for the same pair yields ErrConflict.
func (s *Postgres) InsertPolicy(ctx context.Context, p models.UpdatePolicy) (models.UpdatePolicy, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	configJSON, err := marshalConfig(p.DeploymentConfig)
	if err != nil {
		return models.UpdatePolicy{}, err
	}
	inserted, err := scanPolicy(s.pool.QueryRow(ctx, `
		INSERT INTO update_policies (id, tenant_id, package_id, policy_type, is_enabled, pinned_version,
			deployment_config, consecutive_failures, source_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING `+policyColumns,
		p.ID, p.TenantID, p.PackageID, string(p.PolicyType), p.IsEnabled, p.PinnedVersion, configJSON,
		p.ConsecutiveFailures, p.SourceJobID,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return models.UpdatePolicy{}, fmt.Errorf("policy %s/%s: %w", p.TenantID, p.PackageID, ErrConflict)
		}
		return models.UpdatePolicy{}, fmt.Errorf("insert policy: %w", err)
	}
	return inserted, nil
}

// RecordPolicyTrigger stamps last_auto_update_at.
func (s *Postgres) RecordPolicyTrigger(ctx context.Context, policyID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE update_policies SET last_auto_update_at = $2, updated_at = NOW() WHERE id = $1
	`, policyID, at.UTC())
	if err != nil {
		return fmt.Errorf("record policy trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	return nil
}

// RecordPolicyOutcome maintains consecutive_failures.
func (s *Postgres) RecordPolicyOutcome(ctx context.Context, policyID string, success bool) error {
	query := `UPDATE update_policies SET consecutive_failures = consecutive_failures + 1, updated_at = NOW() WHERE id = $1`
	if success {
		query = `UPDATE update_policies SET consecutive_failures = 0, updated_at = NOW() WHERE id = $1`
	}
	tag, err := s.pool.Exec(ctx, query, policyID)
	if err != nil {
		return fmt.Errorf("record policy outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	return nil
}

// LatestAvailableUpdate returns the update-check result for a pair.
func (s *Postgres) LatestAvailableUpdate(ctx context.Context, tenantID, packageID string) (models.AvailableUpdate, bool, error) {
	var u models.AvailableUpdate
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, package_id, display_name, current_version, latest_version, detected_at
		FROM available_updates WHERE tenant_id = $1 AND package_id = $2
	`, tenantID, packageID).Scan(&u.TenantID, &u.PackageID, &u.DisplayName, &u.CurrentVersion, &u.LatestVersion, &u.DetectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AvailableUpdate{}, false, nil
	}
	if err != nil {
		return models.AvailableUpdate{}, false, fmt.Errorf("get available update: %w", err)
	}
	return u, true, nil
}

// UpsertAvailableUpdate records the latest update-check result for a pair.
func (s *Postgres) UpsertAvailableUpdate(ctx context.Context, u models.AvailableUpdate) error {
	if u.DetectedAt.IsZero() {
		u.DetectedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO available_updates (tenant_id, package_id, display_name, current_version, latest_version, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, package_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    current_version = EXCLUDED.current_version,
		    latest_version = EXCLUDED.latest_version,
		    detected_at = EXCLUDED.detected_at
	`, u.TenantID, u.PackageID, u.DisplayName, u.CurrentVersion, u.LatestVersion, u.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert available update: %w", err)
	}
	return nil
}

// LatestSuccessfulDeployment returns the most recent deployed job for a pair.
func (s *Postgres) LatestSuccessfulDeployment(ctx context.Context, tenantID, packageID string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = $1 AND package_id = $2 AND status = $3
		ORDER BY completed_at DESC NULLS LAST, created_at DESC
		LIMIT 1
	`, tenantID, packageID, string(models.StatusDeployed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("latest deployment: %w", err)
	}
	return job, true, nil
}

// OpenJobFor returns the newest job for a pair at version that is still
// pending, queued or held by a packager.
func (s *Postgres) OpenJobFor(ctx context.Context, tenantID, packageID, version string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = $1 AND package_id = $2 AND version = $3 AND NOT (status = ANY($4))
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, packageID, version, statusStrings(models.TerminalStatuses)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("open job: %w", err)
	}
	return job, true, nil
}

const historyColumns = `id, policy_id, job_id, from_version, to_version, update_type, status, manual,
	triggered_at, completed_at, error_message`

func scanHistory(row pgx.Row) (models.AutoUpdateHistory, error) {
	var h models.AutoUpdateHistory
	var updateType, status string
	var jobID, errMsg pgtype.Text
	if err := row.Scan(&h.ID, &h.PolicyID, &jobID, &h.FromVersion, &h.ToVersion, &updateType, &status,
		&h.Manual, &h.TriggeredAt, &h.CompletedAt, &errMsg); err != nil {
		return models.AutoUpdateHistory{}, err
	}
	h.UpdateType = models.UpdateType(updateType)
	h.Status = models.HistoryStatus(status)
	h.JobID = textPtr(jobID)
	h.ErrorMessage = textPtr(errMsg)
	return h, nil
}

// InsertHistory appends an auto-update history row.
func (s *Postgres) InsertHistory(ctx context.Context, h models.AutoUpdateHistory) (models.AutoUpdateHistory, error) {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.TriggeredAt.IsZero() {
		h.TriggeredAt = time.Now().UTC()
	}
	inserted, err := scanHistory(s.pool.QueryRow(ctx, `
		INSERT INTO auto_update_history (id, policy_id, job_id, from_version, to_version, update_type, status,
			manual, triggered_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+historyColumns,
		h.ID, h.PolicyID, h.JobID, h.FromVersion, h.ToVersion, string(h.UpdateType), string(h.Status),
		h.Manual, h.TriggeredAt.UTC(), h.ErrorMessage,
	))
	if err != nil {
		return models.AutoUpdateHistory{}, fmt.Errorf("insert history: %w", err)
	}
	return inserted, nil
}

// UpdateHistoryByJob mirrors a job status onto the history row that spawned it.
func (s *Postgres) UpdateHistoryByJob(ctx context.Context, jobID string, upd HistoryUpdate) (models.AutoUpdateHistory, bool, error) {
	var completedAt any
	if upd.CompletedAt != nil {
		completedAt = upd.CompletedAt.UTC()
	}
	h, err := scanHistory(s.pool.QueryRow(ctx, `
		UPDATE auto_update_history
		SET status = $2,
		    completed_at = COALESCE($3, completed_at),
		    error_message = COALESCE($4, error_message)
		WHERE job_id = $1
		RETURNING `+historyColumns,
		jobID, string(upd.Status), completedAt, upd.ErrorMessage,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AutoUpdateHistory{}, false, nil
	}
	if err != nil {
		return models.AutoUpdateHistory{}, false, fmt.Errorf("update history: %w", err)
	}
	return h, true, nil
}
