package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"packaging-coordinator/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, tenant_id, user_id, package_id, display_name, publisher, version, architecture,
	installer_type, installer_url, installer_sha256, deployment_config, auto_update, status,
	progress_percent, progress_message, error_message, packager_id, packager_heartbeat_at,
	recovery_count, created_at, packaging_completed_at, upload_started_at, completed_at,
	intune_app_id, intune_app_url`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var configJSON []byte
	var progressMsg, errMsg, packagerID, appID, appURL pgtype.Text
	if err := row.Scan(
		&job.ID, &job.TenantID, &job.UserID, &job.PackageID, &job.DisplayName, &job.Publisher,
		&job.Version, &job.Architecture, &job.InstallerType, &job.InstallerURL, &job.InstallerSHA256,
		&configJSON, &job.AutoUpdate, &status, &job.ProgressPercent, &progressMsg, &errMsg,
		&packagerID, &job.PackagerHeartbeatAt, &job.RecoveryCount, &job.CreatedAt,
		&job.PackagingCompletedAt, &job.UploadStartedAt, &job.CompletedAt, &appID, &appURL,
	); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.ProgressMessage = textPtr(progressMsg)
	job.ErrorMessage = textPtr(errMsg)
	job.PackagerID = textPtr(packagerID)
	job.IntuneAppID = textPtr(appID)
	job.IntuneAppURL = textPtr(appURL)
	if len(configJSON) > 0 {
		var cfg models.DeploymentConfig
		if err := json.Unmarshal(configJSON, &cfg); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal deployment config: %w", err)
		}
		job.DeploymentConfig = &cfg
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// InsertJob inserts a job row and returns it as stored.
func (s *Postgres) InsertJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	configJSON, err := marshalConfig(job.DeploymentConfig)
	if err != nil {
		return models.Job{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, tenant_id, user_id, package_id, display_name, publisher, version, architecture,
			installer_type, installer_url, installer_sha256, deployment_config, auto_update, status,
			progress_percent, progress_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING `+jobColumns,
		job.ID, job.TenantID, job.UserID, job.PackageID, job.DisplayName, job.Publisher, job.Version,
		job.Architecture, job.InstallerType, job.InstallerURL, job.InstallerSHA256, configJSON,
		job.AutoUpdate, string(job.Status), job.ProgressPercent, job.ProgressMessage, job.CreatedAt,
	)
	inserted, err := scanJob(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrConflict)
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return inserted, nil
}

// ListByStatus returns jobs in statuses ordered by creation time.
func (s *Postgres) ListByStatus(ctx context.Context, statuses []models.JobStatus, limit int, oldestFirst bool) ([]models.Job, error) {
	order := "DESC"
	if oldestFirst {
		order = "ASC"
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ANY($1) ORDER BY created_at ` + order
	args := []any{statusStrings(statuses)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

// ListOlderThan returns jobs in statuses idle since before cutoff, oldest first.
func (s *Postgres) ListOlderThan(ctx context.Context, statuses []models.JobStatus, cutoff time.Time, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ANY($1) AND COALESCE(packager_heartbeat_at, created_at) < $2
		ORDER BY COALESCE(packager_heartbeat_at, created_at) ASC`
	args := []any{statusStrings(statuses), cutoff.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// ConditionalUpdate runs a single UPDATE ... WHERE <condition> RETURNING.
// No row back means the condition did not hold.
func (s *Postgres) ConditionalUpdate(ctx context.Context, id string, cond Condition, patch Patch) (models.Job, bool, error) {
	query, args, err := buildConditionalUpdate(id, cond, patch)
	if err != nil {
		return models.Job{}, false, err
	}
	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("conditional update job %s: %w", id, err)
	}
	return job, true, nil
}

// CountJobs counts jobs by status, optionally only recent ones.
func (s *Postgres) CountJobs(ctx context.Context, statuses []models.JobStatus, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE status = ANY($1)`
	args := []any{statusStrings(statuses)}
	if !since.IsZero() {
		query += ` AND COALESCE(completed_at, created_at) >= $2`
		args = append(args, since.UTC())
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// buildConditionalUpdate renders patch and cond into one UPDATE statement.
// $1 is always the job id.
func buildConditionalUpdate(id string, cond Condition, patch Patch) (string, []any, error) {
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	if patch.ProgressPercent != nil {
		p := arg(*patch.ProgressPercent)
		if patch.Status != nil {
			st := arg(string(*patch.Status))
			sets = append(sets, fmt.Sprintf("progress_percent = CASE WHEN status = %s THEN GREATEST(progress_percent, %s) ELSE %s END", st, p, p))
		} else {
			sets = append(sets, fmt.Sprintf("progress_percent = GREATEST(progress_percent, %s)", p))
		}
	}
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.ProgressMessage != nil {
		sets = append(sets, "progress_message = "+arg(*patch.ProgressMessage))
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = "+arg(*patch.ErrorMessage))
	}
	if patch.ClearPackager {
		sets = append(sets, "packager_id = NULL")
	} else if patch.PackagerID != nil {
		sets = append(sets, "packager_id = "+arg(*patch.PackagerID))
	}
	if patch.HeartbeatAt != nil {
		sets = append(sets, "packager_heartbeat_at = "+arg(patch.HeartbeatAt.UTC()))
	}
	if patch.PackagingCompletedAt != nil {
		sets = append(sets, "packaging_completed_at = "+arg(patch.PackagingCompletedAt.UTC()))
	}
	if patch.UploadStartedAt != nil {
		sets = append(sets, "upload_started_at = "+arg(patch.UploadStartedAt.UTC()))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(patch.CompletedAt.UTC()))
	}
	if patch.IntuneAppID != nil {
		sets = append(sets, "intune_app_id = "+arg(*patch.IntuneAppID))
	}
	if patch.IntuneAppURL != nil {
		sets = append(sets, "intune_app_url = "+arg(*patch.IntuneAppURL))
	}
	if patch.IncrementRecovery {
		sets = append(sets, "recovery_count = recovery_count + 1")
	}
	if len(sets) == 0 {
		return "", nil, errors.New("empty patch")
	}

	where := []string{"id = $1"}
	if len(cond.StatusIn) > 0 {
		where = append(where, "status = ANY("+arg(statusStrings(cond.StatusIn))+")")
	}
	if cond.PackagerID != "" {
		where = append(where, "packager_id = "+arg(cond.PackagerID))
	}
	if cond.Unclaimed {
		where = append(where, "packager_id IS NULL")
	}
	if !cond.IdleBefore.IsZero() {
		where = append(where, "COALESCE(packager_heartbeat_at, created_at) < "+arg(cond.IdleBefore.UTC()))
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(where, " AND ") +
		" RETURNING " + jobColumns
	return query, args, nil
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func marshalConfig(cfg *models.DeploymentConfig) (any, error) {
	if cfg == nil {
		return nil, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal deployment config: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
