package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packaging-coordinator/internal/models"
)

func TestBuildConditionalUpdate_Claim(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	query, args, err := buildConditionalUpdate("job-1",
		Condition{StatusIn: []models.JobStatus{models.StatusQueued}, Unclaimed: true},
		Patch{Status: ptr(models.StatusPackaging), PackagerID: ptr("w1"), HeartbeatAt: &now})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(query, "UPDATE jobs SET status = $2, packager_id = $3, packager_heartbeat_at = $4 WHERE id = $1"))
	assert.Contains(t, query, "status = ANY($5)")
	assert.Contains(t, query, "packager_id IS NULL")
	assert.Contains(t, query, "RETURNING id, tenant_id")
	assert.Equal(t, []any{"job-1", "packaging", "w1", now, []string{"queued"}}, args)
}

func TestBuildConditionalUpdate_MonotonicProgress(t *testing.T) {
	query, args, err := buildConditionalUpdate("job-1", Condition{PackagerID: "w1"}, Patch{ProgressPercent: ptr(50)})
	require.NoError(t, err)
	assert.Contains(t, query, "progress_percent = GREATEST(progress_percent, $2)")
	assert.Contains(t, query, "packager_id = $3")
	assert.Equal(t, []any{"job-1", 50, "w1"}, args)

	query, _, err = buildConditionalUpdate("job-1", Condition{}, Patch{ProgressPercent: ptr(0), Status: ptr(models.StatusQueued)})
	require.NoError(t, err)
	assert.Contains(t, query, "CASE WHEN status = $3 THEN GREATEST(progress_percent, $2) ELSE $2 END")
}

func TestBuildConditionalUpdate_SweepRecovery(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	query, _, err := buildConditionalUpdate("job-1",
		Condition{StatusIn: []models.JobStatus{models.StatusTesting}, IdleBefore: cutoff},
		Patch{Status: ptr(models.StatusQueued), ClearPackager: true, IncrementRecovery: true})
	require.NoError(t, err)
	assert.Contains(t, query, "packager_id = NULL")
	assert.Contains(t, query, "recovery_count = recovery_count + 1")
	assert.Contains(t, query, "COALESCE(packager_heartbeat_at, created_at) < $4")
}

func TestBuildConditionalUpdate_EmptyPatch(t *testing.T) {
	_, _, err := buildConditionalUpdate("job-1", Condition{}, Patch{})
	assert.Error(t, err)
}
