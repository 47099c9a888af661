package models

import "time"

// PolicyType decides what happens when a new version is detected.
type PolicyType string

const (
	PolicyNotify     PolicyType = "notify"
	PolicyAutoUpdate PolicyType = "auto_update"
)

// UpdatePolicy is per (tenant, package) auto-update configuration.
type UpdatePolicy struct {
	ID                  string            `json:"id"`
	TenantID            string            `json:"tenant_id"`
	PackageID           string            `json:"winget_id"`
	PolicyType          PolicyType        `json:"policy_type"`
	IsEnabled           bool              `json:"is_enabled"`
	PinnedVersion       *string           `json:"pinned_version,omitempty"`
	DeploymentConfig    *DeploymentConfig `json:"deployment_config,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastAutoUpdateAt    *time.Time        `json:"last_auto_update_at,omitempty"`
	SourceJobID         *string           `json:"source_job_id,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// UpdateType classifies a version bump.
type UpdateType string

const (
	UpdatePatch UpdateType = "patch"
	UpdateMinor UpdateType = "minor"
	UpdateMajor UpdateType = "major"
)

// HistoryStatus mirrors a simplified job lifecycle.
type HistoryStatus string

const (
	HistoryPending   HistoryStatus = "pending"
	HistoryPackaging HistoryStatus = "packaging"
	HistoryDeploying HistoryStatus = "deploying"
	HistoryCompleted HistoryStatus = "completed"
	HistoryFailed    HistoryStatus = "failed"
	HistoryCancelled HistoryStatus = "cancelled"
)

// HistoryStatusFor maps a job status onto the history lifecycle.
func HistoryStatusFor(s JobStatus) HistoryStatus {
	switch s {
	case StatusPackaging, StatusTesting:
		return HistoryPackaging
	case StatusUploading:
		return HistoryDeploying
	case StatusDeployed:
		return HistoryCompleted
	case StatusFailed:
		return HistoryFailed
	case StatusCancelled, StatusSkipped:
		return HistoryCancelled
	default:
		return HistoryPending
	}
}

// AutoUpdateHistory is the append-only audit of a policy spawning a job.
type AutoUpdateHistory struct {
	ID           string        `json:"id"`
	PolicyID     string        `json:"policy_id"`
	JobID        *string       `json:"job_id,omitempty"`
	FromVersion  string        `json:"from_version"`
	ToVersion    string        `json:"to_version"`
	UpdateType   UpdateType    `json:"update_type"`
	Status       HistoryStatus `json:"status"`
	Manual       bool          `json:"manual"`
	TriggeredAt  time.Time     `json:"triggered_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
}

// AvailableUpdate is the latest result of the external update check.
type AvailableUpdate struct {
	TenantID       string    `json:"tenant_id"`
	PackageID      string    `json:"winget_id"`
	DisplayName    string    `json:"display_name"`
	CurrentVersion string    `json:"current_version"`
	LatestVersion  string    `json:"latest_version"`
	DetectedAt     time.Time `json:"detected_at"`
}
