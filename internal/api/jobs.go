package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"packaging-coordinator/internal/auth"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/updates"
)

type triggerRequest struct {
	PackageID string            `json:"winget_id"`
	TenantID  string            `json:"tenant_id"`
	Updates   []updates.Request `json:"updates"`
}

// handleTrigger accepts a single pair or a bulk list. Every pair is a manual
// trigger on behalf of the caller and must belong to the caller's tenant.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	var req triggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	pairs := req.Updates
	if pairs == nil {
		pairs = []updates.Request{{PackageID: req.PackageID, TenantID: req.TenantID}}
	}
	for i := range pairs {
		if pairs[i].TenantID == "" {
			pairs[i].TenantID = p.TenantID
		}
		if pairs[i].TenantID != p.TenantID {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "tenant mismatch"})
			return
		}
		pairs[i].UserID = p.UserID
		pairs[i].Manual = true
	}

	if !s.allow(w, r, p.TenantID) {
		return
	}
	res, err := s.updates.TriggerBulk(r.Context(), pairs)
	if errors.Is(err, updates.ErrEmptyBulk) || errors.Is(err, updates.ErrTooManyPairs) {
		badRequest(w, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type enqueueRequest struct {
	PackageID        string                   `json:"winget_id"`
	Version          string                   `json:"version"`
	DisplayName      string                   `json:"display_name"`
	Publisher        string                   `json:"publisher"`
	Architecture     string                   `json:"architecture"`
	DeploymentConfig *models.DeploymentConfig `json:"deployment_config"`
}

// handleEnqueue queues a first-time deployment. The installer is resolved from
// the catalog; an empty version means the newest published one.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	var req enqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	req.PackageID = strings.TrimSpace(req.PackageID)
	if req.PackageID == "" {
		badRequest(w, "winget_id is required")
		return
	}
	if s.catalog == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "catalog not configured"})
		return
	}
	if !s.allow(w, r, p.TenantID) {
		return
	}

	ctx := r.Context()
	if req.Version == "" {
		latest, err := s.catalog.LatestVersion(ctx, req.PackageID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req.Version = latest
	}
	arch := req.Architecture
	if arch == "" && req.DeploymentConfig != nil {
		arch = req.DeploymentConfig.Architecture
	}
	installer, err := s.catalog.Resolve(ctx, req.PackageID, req.Version, arch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cfg := req.DeploymentConfig.Clone()
	if cfg == nil {
		cfg = &models.DeploymentConfig{}
	}
	cfg.Architecture = installer.Architecture
	if cfg.InstallerType == "" {
		cfg.InstallerType = installer.InstallerType
	}
	if cfg.InstallScope == "" {
		cfg.InstallScope = installer.Scope
	}

	job, err := s.jobs.Enqueue(ctx, models.Job{
		TenantID:         p.TenantID,
		UserID:           p.UserID,
		PackageID:        req.PackageID,
		DisplayName:      req.DisplayName,
		Publisher:        req.Publisher,
		Version:          installer.Version,
		Architecture:     installer.Architecture,
		InstallerType:    cfg.InstallerType,
		InstallerURL:     installer.InstallerURL,
		InstallerSHA256:  installer.SHA256,
		DeploymentConfig: cfg,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"), p.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"), p.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type skipRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	var req skipRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, "invalid json")
			return
		}
	}
	job, err := s.jobs.Skip(r.Context(), chi.URLParam(r, "id"), p.TenantID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
