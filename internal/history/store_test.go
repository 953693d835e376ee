package history

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-dev/castellan/internal/jobs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenBootstrapsSchema(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	for _, table := range []string{"action_log", "job_log", "state_log"} {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		require.NoError(t, err, "table %q missing", table)
	}
}

func TestRecordAndQueryActions(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	id1, err := store.RecordAction(ctx, Action{
		Plugin: "dns", Trigger: "failed", Action: "rebuild", Outcome: "ok",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	_, err = store.RecordAction(ctx, Action{
		Plugin: "audio", Trigger: "stopped", Action: "start", Outcome: "failed",
		Error: "engine request failed",
	})
	require.NoError(t, err)

	actions, err := store.RecentActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	// Newest first.
	assert.Equal(t, "audio", actions[0].Plugin)
	assert.Equal(t, "engine request failed", actions[0].Error)
	assert.Equal(t, "dns", actions[1].Plugin)
	assert.Empty(t, actions[1].Error)
	assert.False(t, actions[0].CreatedAt.IsZero())
}

func TestRecordAndQueryStates(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i, state := range []string{"running", "unhealthy", "running"} {
		require.NoError(t, store.RecordState(ctx, "castellan_dns", state, base.Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, store.RecordState(ctx, "castellan_audio", "stopped", base))

	states, err := store.RecentStates(ctx, "castellan_dns", 2)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "running", states[0].State)
	assert.Equal(t, "unhealthy", states[1].State)
}

func TestJobStats(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	results := []jobs.Result{
		{Job: "plugin_dns_rebuild", Outcome: jobs.OutcomeRanOK, Started: time.Now(), Duration: 120 * time.Millisecond},
		{Job: "plugin_dns_rebuild", Outcome: jobs.OutcomeRanFailed, Err: "boom"},
		{Job: "plugin_audio_start", Outcome: jobs.OutcomeRanOK},
	}
	for _, res := range results {
		require.NoError(t, store.RecordJob(ctx, res))
	}

	stats, err := store.JobStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, JobStat{Job: "plugin_audio_start", Runs: 1, Fails: 0}, stats[0])
	assert.Equal(t, JobStat{Job: "plugin_dns_rebuild", Runs: 2, Fails: 1}, stats[1])
}

func TestPrune(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordState(ctx, "castellan_dns", "running", time.Now().Add(-48*time.Hour)))
	require.NoError(t, store.RecordState(ctx, "castellan_dns", "stopped", time.Now()))

	require.NoError(t, store.Prune(ctx, 24*time.Hour))

	states, err := store.RecentStates(ctx, "castellan_dns", 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "stopped", states[0].State)
}

func TestValidateFilesystemRejectsNetworkFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "history.db")
	err := validateFilesystemWithDetector(dbPath, func(string) (string, error) {
		return "nfs", nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nfs")
	assert.Contains(t, err.Error(), "local filesystem")
}

func TestValidateFilesystemInspectsNearestParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "deeper", "history.db")

	var inspected string
	err := validateFilesystemWithDetector(dbPath, func(path string) (string, error) {
		inspected = path
		return "ext4", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}
