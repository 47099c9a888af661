package api

import (
	"net/http"

	"packaging-coordinator/internal/sweeper"
	"packaging-coordinator/internal/updates"
)

const maxUpdateChecks = 100

type staleJobsResponse struct {
	Count int             `json:"count"`
	Jobs  []sweeper.Swept `json:"jobs"`
}

func (s *Server) handleStaleJobs(w http.ResponseWriter, r *http.Request) {
	swept, err := s.sweeper.FailStale(r.Context())
	if err != nil && len(swept) == 0 {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.WarnContext(r.Context(), "scheduled sweep incomplete", "swept", len(swept), "error", err)
	}
	if swept == nil {
		swept = []sweeper.Swept{}
	}
	writeJSON(w, http.StatusOK, staleJobsResponse{Count: len(swept), Jobs: swept})
}

type updateCheckRequest struct {
	Checks []updates.Check `json:"checks"`
}

type updateCheckResponse struct {
	Results []updates.CheckResult `json:"results"`
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	var req updateCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if len(req.Checks) == 0 {
		badRequest(w, "checks are required")
		return
	}
	if len(req.Checks) > maxUpdateChecks {
		badRequest(w, "too many checks")
		return
	}
	results := s.updates.CheckForUpdates(r.Context(), req.Checks)
	writeJSON(w, http.StatusOK, updateCheckResponse{Results: results})
}
