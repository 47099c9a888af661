package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"packaging-coordinator/internal/api"
	"packaging-coordinator/internal/clock"
	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/sweeper"
	"packaging-coordinator/internal/updates"
	"packaging-coordinator/internal/updates/mocks"
)

const testKey = "packager-key"

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 60); b < max/2 || b > max {
		t.Fatalf("backoff should saturate at max: %s", b)
	}
}

type stack struct {
	clock   *clock.Fixed
	store   *store.Memory
	jobs    *lifecycle.Coordinator
	sweeper *sweeper.Sweeper
	client  *Client
}

func newStack(t *testing.T) stack {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clk)
	coord, err := lifecycle.New(lifecycle.Options{Store: mem, Clock: clk})
	require.NoError(t, err)
	sw, err := sweeper.New(sweeper.Options{
		Store:     mem,
		Clock:     clk,
		Staleness: sweeper.Staleness{FailAfter: 30 * time.Minute, RecoverAfter: 5 * time.Minute},
	})
	require.NoError(t, err)
	svc, err := updates.NewService(updates.ServiceOptions{
		Store:   mem,
		Jobs:    coord,
		Catalog: mocks.NewMockCatalog(gomock.NewController(t)),
		Clock:   clk,
	})
	require.NoError(t, err)
	srv, err := api.New(api.Options{
		Config:  config.Config{PackagerEnabled: true, PackagerAPIKey: testKey},
		Jobs:    coord,
		Sweeper: sw,
		Updates: svc,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return stack{clock: clk, store: mem, jobs: coord, sweeper: sw, client: NewClient(ts.URL, testKey, ts.Client())}
}

func (s stack) enqueue(t *testing.T) models.Job {
	t.Helper()
	job, err := s.jobs.Enqueue(context.Background(), models.Job{
		TenantID:     "tenant-a",
		PackageID:    "Mozilla.Firefox",
		Version:      "129.0.2",
		Architecture: "x64",
		InstallerURL: "https://download.example/firefox.exe",
	})
	require.NoError(t, err)
	return job
}

func (s stack) processor(t *testing.T, h Handler) *Processor {
	t.Helper()
	p, err := NewProcessor(Options{Client: s.client, WorkerID: "packager-1", Handler: h})
	require.NoError(t, err)
	return p
}

func TestProcessorDeploysJob(t *testing.T) {
	s := newStack(t)
	job := s.enqueue(t)

	claimed, err := s.processor(t, DryRun(0)).RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := s.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeployed, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Nil(t, got.PackagerID)
	assert.NotNil(t, got.UploadStartedAt)
	assert.NotNil(t, got.CompletedAt)

	claimed, err = s.processor(t, DryRun(0)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestProcessorFailsJobOnHandlerError(t *testing.T) {
	s := newStack(t)
	job := s.enqueue(t)

	claimed, err := s.processor(t, func(ctx context.Context, _ models.Job, r *Reporter) error {
		require.NoError(t, r.Progress(ctx, models.StatusPackaging, 30, "Building package"))
		return errors.New("installer hash mismatch")
	}).RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := s.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "installer hash mismatch", *got.ErrorMessage)
}

func TestProcessorReleasesOnShutdown(t *testing.T) {
	s := newStack(t)
	job := s.enqueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	claimed, err := s.processor(t, func(hctx context.Context, _ models.Job, r *Reporter) error {
		require.NoError(t, r.Progress(hctx, models.StatusPackaging, 20, "Downloading installer"))
		cancel()
		return hctx.Err()
	}).RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := s.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Nil(t, got.PackagerID)
	assert.Equal(t, 0, got.ProgressPercent)
}

func TestProcessorStopsReportingAfterTimeout(t *testing.T) {
	s := newStack(t)
	job := s.enqueue(t)

	var reportErr error
	claimed, err := s.processor(t, func(ctx context.Context, _ models.Job, r *Reporter) error {
		s.clock.Advance(31 * time.Minute)
		swept, err := s.sweeper.FailStale(ctx)
		require.NoError(t, err)
		require.Len(t, swept, 1)
		reportErr = r.Progress(ctx, models.StatusTesting, 60, "Validating package")
		return reportErr
	}).RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)
	require.ErrorIs(t, reportErr, ErrLostOwnership)

	got, err := s.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "timed out")
}

// fakeCoordinator answers the packager endpoints with canned responses.
type fakeCoordinator struct {
	mu      sync.Mutex
	jobs    []models.Job
	taken   map[string]bool
	reports []Report
}

func (f *fakeCoordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("X-Packager-Key") != testKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(map[string]any{"jobs": f.jobs})
	case http.MethodPost:
		var req struct {
			JobID    string `json:"jobId"`
			WorkerID string `json:"workerId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if f.taken[req.JobID] {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"job unavailable"}`))
			return
		}
		for _, j := range f.jobs {
			if j.ID == req.JobID {
				j.Status = models.StatusPackaging
				_ = json.NewEncoder(w).Encode(j)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodPatch:
		var rep Report
		_ = json.NewDecoder(r.Body).Decode(&rep)
		f.reports = append(f.reports, rep)
		job := models.Job{ID: rep.JobID, Status: models.StatusPackaging}
		if rep.Status != nil {
			job.Status = *rep.Status
		}
		_ = json.NewEncoder(w).Encode(job)
	}
}

func TestProcessorSkipsTakenJobs(t *testing.T) {
	fake := &fakeCoordinator{
		jobs: []models.Job{
			{ID: "job-a", Status: models.StatusQueued, InstallerURL: "https://download.example/a.exe"},
			{ID: "job-b", Status: models.StatusQueued, InstallerURL: "https://download.example/b.exe"},
		},
		taken: map[string]bool{"job-a": true},
	}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	var ran string
	p, err := NewProcessor(Options{
		Client:   NewClient(ts.URL, testKey, ts.Client()),
		WorkerID: "packager-1",
		Handler: func(_ context.Context, job models.Job, _ *Reporter) error {
			ran = job.ID
			return nil
		},
	})
	require.NoError(t, err)

	claimed, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, "job-b", ran)

	// A handler that returns without reporting gets a deployed report on its behalf.
	require.Len(t, fake.reports, 1)
	require.NotNil(t, fake.reports[0].Status)
	assert.Equal(t, models.StatusDeployed, *fake.reports[0].Status)
	assert.Equal(t, "packager-1", fake.reports[0].WorkerID)
}

func TestClientStatusErrors(t *testing.T) {
	fake := &fakeCoordinator{taken: map[string]bool{"job-a": true}}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	_, err := NewClient(ts.URL, testKey, ts.Client()).Claim(context.Background(), "job-a", "packager-1")
	require.ErrorIs(t, err, ErrJobTaken)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "job unavailable", se.Message)

	_, err = NewClient(ts.URL, "wrong", ts.Client()).List(context.Background(), 5)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.False(t, errors.Is(err, ErrJobTaken))
	assert.False(t, errors.Is(err, ErrLostOwnership))
}

func TestNewProcessorValidates(t *testing.T) {
	_, err := NewProcessor(Options{WorkerID: "w", Handler: DryRun(0)})
	require.Error(t, err)
	_, err = NewProcessor(Options{Client: NewClient("http://x", "k", nil), Handler: DryRun(0)})
	require.Error(t, err)
	_, err = NewProcessor(Options{Client: NewClient("http://x", "k", nil), WorkerID: "w"})
	require.Error(t, err)
}
