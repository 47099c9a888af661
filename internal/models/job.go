package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusPackaging JobStatus = "packaging"
	StatusTesting   JobStatus = "testing"
	StatusUploading JobStatus = "uploading"
	StatusDeployed  JobStatus = "deployed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusSkipped   JobStatus = "skipped"
)

// InProgressStatuses are the states in which a packager holds the job.
var InProgressStatuses = []JobStatus{StatusPackaging, StatusTesting, StatusUploading}

// TerminalStatuses never change once reached.
var TerminalStatuses = []JobStatus{StatusDeployed, StatusFailed, StatusCancelled, StatusSkipped}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusPackaging, StatusTesting, StatusUploading,
		StatusDeployed, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// InProgress reports whether the job is owned by a packager in this state.
func (s JobStatus) InProgress() bool {
	return s == StatusPackaging || s == StatusTesting || s == StatusUploading
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusDeployed, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Job is one unit of packaging/deployment work.
type Job struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	UserID        string `json:"user_id"`
	PackageID     string `json:"winget_id"`
	DisplayName   string `json:"display_name"`
	Publisher     string `json:"publisher"`
	Version       string `json:"version"`
	Architecture  string `json:"architecture"`
	InstallerType string `json:"installer_type"`

	InstallerURL     string            `json:"installer_url,omitempty"`
	InstallerSHA256  string            `json:"installer_sha256,omitempty"`
	DeploymentConfig *DeploymentConfig `json:"deployment_config,omitempty"`
	AutoUpdate       bool              `json:"auto_update"`

	Status          JobStatus `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	ProgressMessage *string   `json:"progress_message,omitempty"`
	ErrorMessage    *string   `json:"error_message,omitempty"`

	PackagerID          *string    `json:"packager_id,omitempty"`
	PackagerHeartbeatAt *time.Time `json:"packager_heartbeat_at,omitempty"`
	RecoveryCount       int        `json:"recovery_count"`

	CreatedAt            time.Time  `json:"created_at"`
	PackagingCompletedAt *time.Time `json:"packaging_completed_at,omitempty"`
	UploadStartedAt      *time.Time `json:"upload_started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`

	IntuneAppID  *string `json:"intune_app_id,omitempty"`
	IntuneAppURL *string `json:"intune_app_url,omitempty"`
}

// LastActivity is the heartbeat time, or creation time for a job never heard from.
func (j Job) LastActivity() time.Time {
	if j.PackagerHeartbeatAt != nil {
		return *j.PackagerHeartbeatAt
	}
	return j.CreatedAt
}

// DeploymentConfig is the snapshot of installer, detection and assignment
// settings needed to rebuild a job without user input.
type DeploymentConfig struct {
	Architecture     string          `json:"architecture"`
	InstallerType    string          `json:"installer_type"`
	InstallScope     string          `json:"install_scope,omitempty"`
	InstallCommand   string          `json:"install_command,omitempty"`
	UninstallCommand string          `json:"uninstall_command,omitempty"`
	DetectionRules   json.RawMessage `json:"detection_rules,omitempty"`
	Assignments      []Assignment    `json:"assignments,omitempty"`
}

// Assignment targets a deployed app at a directory group.
type Assignment struct {
	GroupID string `json:"group_id"`
	Intent  string `json:"intent"`
}

// Clone returns a deep copy so snapshots never alias.
func (c *DeploymentConfig) Clone() *DeploymentConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.DetectionRules != nil {
		out.DetectionRules = append(json.RawMessage(nil), c.DetectionRules...)
	}
	if c.Assignments != nil {
		out.Assignments = append([]Assignment(nil), c.Assignments...)
	}
	return &out
}

// InstallerInfo is the resolved installer for a package version.
type InstallerInfo struct {
	PackageID     string `json:"winget_id"`
	Version       string `json:"version"`
	Architecture  string `json:"architecture"`
	InstallerType string `json:"installer_type"`
	InstallerURL  string `json:"installer_url"`
	SHA256        string `json:"sha256"`
	Scope         string `json:"scope,omitempty"`
}

// AuditEvent is an append-only job event row.
type AuditEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
