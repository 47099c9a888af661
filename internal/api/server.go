package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"packaging-coordinator/internal/auth"
	"packaging-coordinator/internal/catalog"
	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/ratelimit"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/sweeper"
	"packaging-coordinator/internal/telemetry"
	"packaging-coordinator/internal/updates"
)

const maxBodyBytes = 1 << 20

// Options groups dependencies for Server.
type Options struct {
	Config   config.Config
	Jobs     *lifecycle.Coordinator // Required
	Sweeper  *sweeper.Sweeper       // Required
	Updates  *updates.Service       // Required
	Catalog  updates.Catalog        // Required for POST /jobs
	Limiter  ratelimit.Limiter      // Optional: nil disables rate limiting
	Verifier auth.TokenVerifier     // Optional: nil refuses every user endpoint
	Logger   *slog.Logger           // Optional
}

// Server wires HTTP handlers for packagers, the cron trigger and dashboard users.
type Server struct {
	cfg      config.Config
	jobs     *lifecycle.Coordinator
	sweeper  *sweeper.Sweeper
	updates  *updates.Service
	catalog  updates.Catalog
	limiter  ratelimit.Limiter
	verifier auth.TokenVerifier
	logger   *slog.Logger
}

// New constructs the API server.
func New(opts Options) (*Server, error) {
	if opts.Jobs == nil || opts.Sweeper == nil || opts.Updates == nil {
		return nil, errors.New("jobs, sweeper and updates are required")
	}
	s := &Server{
		cfg:      opts.Config,
		jobs:     opts.Jobs,
		sweeper:  opts.Sweeper,
		updates:  opts.Updates,
		catalog:  opts.Catalog,
		limiter:  opts.Limiter,
		verifier: opts.Verifier,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "api")
	return s, nil
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/packager", func(r chi.Router) {
		r.Use(s.packagerEnabled)
		r.Use(auth.RequireSecret(auth.PackagerKeyHeader, s.cfg.PackagerAPIKey))
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleClaim)
		r.Patch("/jobs", s.handleProgress)
		r.Delete("/jobs", s.handleRelease)
		r.Get("/health", s.handlePackagerHealth)
	})

	r.Route("/cron", func(r chi.Router) {
		r.Use(auth.RequireSecret(auth.CronSecretHeader, s.cfg.CronSecret))
		r.Post("/stale-jobs", s.handleStaleJobs)
		r.With(s.autoUpdateEnabled).Post("/update-check", s.handleUpdateCheck)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.With(s.autoUpdateEnabled).Post("/updates/trigger", s.handleTrigger)
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/skip", s.handleSkip)
	})
	return r
}

func (s *Server) packagerEnabled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.PackagerEnabled {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "packager integration disabled"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) autoUpdateEnabled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AutoUpdateEnabled {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "auto-update disabled"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	if s.verifier == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "authentication not configured"})
		})
	}
	return auth.RequireUser(s.verifier)(next)
}

// allow spends one token from the tenant's bucket. It writes the response
// and returns false when the request must stop.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.Key(tenantID))
	if err != nil {
		s.logger.ErrorContext(r.Context(), "rate limit check failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "rate limit error"})
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited"})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses. Anything unclassified is
// logged and reported as a bare 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, lifecycle.ErrConflict),
		errors.Is(err, lifecycle.ErrJobTerminal),
		errors.Is(err, lifecycle.ErrCancelInProgress):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrErrorMessageRequired),
		errors.Is(err, lifecycle.ErrInvalidProgress),
		errors.Is(err, catalog.ErrManifestNotFound),
		errors.Is(err, catalog.ErrNoInstaller),
		errors.Is(err, catalog.ErrUnknownArchitecture):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrWorkerIDRequired):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
