package api

import (
	"net/http"
	"strconv"
	"time"

	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/sweeper"
)

const healthWindow = 24 * time.Hour

type jobsResponse struct {
	Jobs []models.Job `json:"jobs"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if st := q.Get("status"); st != "" && models.JobStatus(st) != models.StatusQueued {
		badRequest(w, "only queued jobs can be listed")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := s.jobs.ListAvailable(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

type claimRequest struct {
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.JobID == "" || req.WorkerID == "" {
		badRequest(w, "jobId and workerId are required")
		return
	}
	job, err := s.jobs.Claim(r.Context(), req.JobID, req.WorkerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type progressRequest struct {
	JobID           string            `json:"jobId"`
	WorkerID        string            `json:"workerId"`
	Status          *models.JobStatus `json:"status"`
	ProgressPercent *int              `json:"progressPercent"`
	ProgressMessage *string           `json:"progressMessage"`
	Error           *string           `json:"error"`
	IntuneAppID     *string           `json:"intuneAppId"`
	IntuneAppURL    *string           `json:"intuneAppUrl"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.JobID == "" || req.WorkerID == "" {
		badRequest(w, "jobId and workerId are required")
		return
	}
	job, err := s.jobs.ReportProgress(r.Context(), req.JobID, req.WorkerID, lifecycle.ProgressUpdate{
		Status:          req.Status,
		ProgressPercent: req.ProgressPercent,
		ProgressMessage: req.ProgressMessage,
		ErrorMessage:    req.Error,
		IntuneAppID:     req.IntuneAppID,
		IntuneAppURL:    req.IntuneAppURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobID, workerID := q.Get("jobId"), q.Get("workerId")
	if jobID == "" || workerID == "" {
		badRequest(w, "jobId and workerId are required")
		return
	}
	job, err := s.jobs.Release(r.Context(), jobID, workerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type healthResponse struct {
	Status string `json:"status"`
	lifecycle.Stats
	Recovered     int             `json:"recovered"`
	RecoveredJobs []sweeper.Swept `json:"recovered_jobs"`
}

// handlePackagerHealth runs the on-demand recovery sweep before reporting
// queue statistics, so polling packagers keep the queue moving even when no
// scheduler is deployed.
func (s *Server) handlePackagerHealth(w http.ResponseWriter, r *http.Request) {
	swept, err := s.sweeper.RecoverStale(r.Context())
	if err != nil {
		// A partial sweep still reports what it did.
		s.logger.WarnContext(r.Context(), "on-demand sweep incomplete", "swept", len(swept), "error", err)
	}
	stats, err := s.jobs.Stats(r.Context(), healthWindow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if swept == nil {
		swept = []sweeper.Swept{}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		Stats:         stats,
		Recovered:     len(swept),
		RecoveredJobs: swept,
	})
}
