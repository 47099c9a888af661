package sweeper

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packaging-coordinator/internal/clock"
	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
)

type finishedJobs struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (f *finishedJobs) JobFinished(_ context.Context, job models.Job) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
}

type env struct {
	clock    *clock.Fixed
	store    *store.Memory
	coord    *lifecycle.Coordinator
	sweeper  *Sweeper
	finished *finishedJobs
}

func newEnv(t *testing.T, st Staleness) env {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clk)
	fin := &finishedJobs{}
	coord, err := lifecycle.New(lifecycle.Options{Store: mem, Clock: clk})
	require.NoError(t, err)
	sw, err := New(Options{Store: mem, Staleness: st, Clock: clk, Observer: fin})
	require.NoError(t, err)
	return env{clock: clk, store: mem, coord: coord, sweeper: sw, finished: fin}
}

func defaultStaleness() Staleness {
	return Staleness{FailAfter: 30 * time.Minute, RecoverAfter: 5 * time.Minute, MaxRecoveries: 3}
}

func (e env) claimed(t *testing.T, worker string) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := e.coord.Enqueue(ctx, models.Job{TenantID: "tenant-a", PackageID: "7zip.7zip", Version: "24.08"})
	require.NoError(t, err)
	job, err = e.coord.Claim(ctx, job.ID, worker)
	require.NoError(t, err)
	return job
}

func TestFailStale_TimesOutSilentJobs(t *testing.T) {
	e := newEnv(t, defaultStaleness())
	ctx := context.Background()
	job := e.claimed(t, "packager-1")
	_, err := e.coord.ReportProgress(ctx, job.ID, "packager-1", lifecycle.ProgressUpdate{Status: ptr(models.StatusTesting)})
	require.NoError(t, err)
	fresh := e.claimed(t, "packager-2")

	e.clock.Advance(29 * time.Minute)
	_, err = e.coord.ReportProgress(ctx, fresh.ID, "packager-2", lifecycle.ProgressUpdate{ProgressPercent: ptr(10)})
	require.NoError(t, err)
	e.clock.Advance(2 * time.Minute)

	swept, err := e.sweeper.FailStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []Swept{{ID: job.ID, PreviousStatus: models.StatusTesting, Action: ActionFailed}}, swept)

	got, err := e.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Nil(t, got.PackagerID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, e.clock.Now(), *got.CompletedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "30 minutes")
	assert.Contains(t, *got.ErrorMessage, "callbacks failed to deliver")

	still, err := e.store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPackaging, still.Status)

	require.Len(t, e.finished.jobs, 1)
	assert.Equal(t, job.ID, e.finished.jobs[0].ID)

	again, err := e.sweeper.FailStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRecoverStale_RequeuesRegardlessOfOwner(t *testing.T) {
	e := newEnv(t, defaultStaleness())
	ctx := context.Background()
	job := e.claimed(t, "packager-1")

	e.clock.Advance(6 * time.Minute)
	swept, err := e.sweeper.RecoverStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []Swept{{ID: job.ID, PreviousStatus: models.StatusPackaging, Action: ActionRequeued}}, swept)

	got, err := e.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Nil(t, got.PackagerID)
	assert.Equal(t, 1, got.RecoveryCount)
	assert.Empty(t, e.finished.jobs)

	_, err = e.coord.ReportProgress(ctx, job.ID, "packager-1", lifecycle.ProgressUpdate{ProgressPercent: ptr(50)})
	require.ErrorIs(t, err, lifecycle.ErrNotOwner)

	_, err = e.coord.Claim(ctx, job.ID, "packager-2")
	require.NoError(t, err)

	again, err := e.sweeper.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRecoverStale_FailsAfterMaxRecoveries(t *testing.T) {
	e := newEnv(t, Staleness{FailAfter: 30 * time.Minute, RecoverAfter: 5 * time.Minute, MaxRecoveries: 2})
	ctx := context.Background()
	job := e.claimed(t, "packager-1")

	for i := 0; i < 2; i++ {
		e.clock.Advance(6 * time.Minute)
		swept, err := e.sweeper.RecoverStale(ctx)
		require.NoError(t, err)
		require.Len(t, swept, 1)
		require.Equal(t, ActionRequeued, swept[0].Action)
		_, err = e.coord.Claim(ctx, job.ID, "packager-1")
		require.NoError(t, err)
	}

	e.clock.Advance(6 * time.Minute)
	swept, err := e.sweeper.RecoverStale(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, ActionFailed, swept[0].Action)

	got, err := e.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.Len(t, e.finished.jobs, 1)
}

// racingStore lets a packager report land between the sweep's read and its write.
type racingStore struct {
	*store.Memory
	once   sync.Once
	before func()
}

func (r *racingStore) ConditionalUpdate(ctx context.Context, id string, cond store.Condition, patch store.Patch) (models.Job, bool, error) {
	r.once.Do(r.before)
	return r.Memory.ConditionalUpdate(ctx, id, cond, patch)
}

func TestSweep_LosesToConcurrentHeartbeat(t *testing.T) {
	e := newEnv(t, defaultStaleness())
	ctx := context.Background()
	job := e.claimed(t, "packager-1")
	e.clock.Advance(45 * time.Minute)

	racing := &racingStore{Memory: e.store, before: func() {
		_, err := e.coord.ReportProgress(ctx, job.ID, "packager-1", lifecycle.ProgressUpdate{ProgressPercent: ptr(80)})
		require.NoError(t, err)
	}}
	sw, err := New(Options{Store: racing, Staleness: defaultStaleness(), Clock: e.clock})
	require.NoError(t, err)

	swept, err := sw.FailStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)

	got, err := e.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPackaging, got.Status)
	assert.Equal(t, 80, got.ProgressPercent)
}

func TestStalenessFromConfig(t *testing.T) {
	st := StalenessFromConfig(config.SweepConfig{
		DeploymentMode: config.ModeScheduled,
		FailAfter:      30 * time.Minute,
		RecoverAfter:   45 * time.Minute,
	})
	assert.Equal(t, 30*time.Minute, st.FailAfter)
	assert.Equal(t, 5*time.Minute, st.RecoverAfter, "recovery window never exceeds the failure window")
	assert.Equal(t, 0, st.MaxRecoveries)

	st = StalenessFromConfig(config.SweepConfig{DeploymentMode: config.ModeStandalone})
	assert.Equal(t, 30*time.Minute, st.FailAfter)
	assert.Equal(t, 5*time.Minute, st.RecoverAfter)
	assert.Equal(t, 3, st.MaxRecoveries)
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	e := newEnv(t, defaultStaleness())
	_, err := NewScheduler(e.sweeper, "every five minutes", nil)
	require.Error(t, err)

	sc, err := NewScheduler(e.sweeper, "*/5 * * * *", nil)
	require.NoError(t, err)
	require.NotNil(t, sc)
}

func ptr[T any](v T) *T { return &v }

type failingAudit struct {
	*store.Memory
}

func (failingAudit) AppendAudit(context.Context, string, string, string) error {
	return errors.New("audit table unavailable")
}

func TestSweepLogsAuditFailure(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	st := failingAudit{store.NewMemory(clk)}
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	coord, err := lifecycle.New(lifecycle.Options{Store: st, Clock: clk, Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})
	require.NoError(t, err)
	sw, err := New(Options{Store: st, Staleness: defaultStaleness(), Clock: clk, Logger: logger})
	require.NoError(t, err)

	ctx := context.Background()
	job, err := coord.Enqueue(ctx, models.Job{TenantID: "tenant-a", PackageID: "7zip.7zip", Version: "24.08"})
	require.NoError(t, err)
	_, err = coord.Claim(ctx, job.ID, "packager-1")
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	swept, err := sw.RecoverStale(ctx)
	require.NoError(t, err)
	require.Len(t, swept, 1)

	out := logs.String()
	assert.Contains(t, out, `"msg":"append audit failed"`)
	assert.Contains(t, out, `"event":"recovered"`)
	assert.Contains(t, out, `"job_id":"`+job.ID+`"`)
}
