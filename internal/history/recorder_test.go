package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/jobs"
	"github.com/castellan-dev/castellan/internal/plugins"
)

// waitFor polls cond until it holds or the deadline passes. Recorder
// writes are asynchronous, so tests poll instead of sleeping.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestRecorderPersistsStateEvents(t *testing.T) {
	store := openTestStore(t)
	logger := testLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)

	r := NewRecorder(store, b, logger)
	t.Cleanup(r.Close)

	b.Fire(bus.EventContainerStateChange, container.StateEvent{
		Name: "castellan_dns", State: container.StateUnhealthy, At: time.Now(),
	})

	waitFor(t, func() bool {
		states, err := store.RecentStates(context.Background(), "castellan_dns", 1)
		return err == nil && len(states) == 1
	})
}

func TestRecorderPersistsWatchdogActions(t *testing.T) {
	store := openTestStore(t)
	logger := testLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)

	r := NewRecorder(store, b, logger)
	t.Cleanup(r.Close)

	b.Fire(bus.EventWatchdogAction, plugins.WatchdogAction{
		Plugin: "dns", Trigger: container.StateFailed, Action: "rebuild", Outcome: "ok",
	})

	waitFor(t, func() bool {
		actions, err := store.RecentActions(context.Background(), 1)
		return err == nil && len(actions) == 1
	})

	actions, err := store.RecentActions(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "rebuild", actions[0].Action)
	assert.Equal(t, "failed", actions[0].Trigger)
}

func TestRecorderPersistsJobResults(t *testing.T) {
	store := openTestStore(t)
	logger := testLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)

	r := NewRecorder(store, b, logger)

	r.JobFinished(jobs.Result{Job: "plugin_dns_start", Outcome: jobs.OutcomeRanOK})
	r.JobFinished(jobs.Result{Job: "plugin_dns_start", Outcome: jobs.OutcomeRanFailed, Err: "boom"})

	// Close drains the queue before returning.
	r.Close()

	stats, err := store.JobStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, JobStat{Job: "plugin_dns_start", Runs: 2, Fails: 1}, stats[0])
}
