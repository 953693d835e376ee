package sim

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-dev/castellan/internal/container"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

type eventSink struct {
	mu     sync.Mutex
	events []container.StateEvent
}

func (s *eventSink) emit(ev container.StateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []container.StateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]container.StateEvent(nil), s.events...)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	sink := &eventSink{}
	rt := New(testLogger(), sink.emit, Options{})
	inst := rt.Instance("castellan_dns")

	// Nothing installed yet.
	err := inst.Attach(ctx, nil, true)
	require.ErrorIs(t, err, container.ErrNotFound)

	require.NoError(t, inst.Install(ctx, semver.MustParse("2.1.0")))
	require.NoError(t, inst.Attach(ctx, nil, true))
	assert.Equal(t, "2.1.0", inst.Version().String())

	running, err := inst.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, inst.Start(ctx))
	state, err := inst.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, container.StateRunning, state)

	require.NoError(t, inst.Stop(ctx))
	// Stopping twice is fine.
	require.NoError(t, inst.Stop(ctx))

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, container.StateRunning, events[0].State)
	assert.Equal(t, container.StateStopped, events[1].State)
	assert.Equal(t, "castellan_dns", events[0].Name)
}

func TestInjectedStartFailures(t *testing.T) {
	ctx := context.Background()
	rt := New(testLogger(), nil, Options{StartFailures: 2, Preinstalled: true})
	inst := rt.Instance("castellan_audio")

	err := inst.Start(ctx)
	require.ErrorIs(t, err, container.ErrRequestFailed)
	err = inst.Start(ctx)
	require.ErrorIs(t, err, container.ErrRequestFailed)

	// Third attempt succeeds.
	require.NoError(t, inst.Start(ctx))
}

func TestSetStateFiresEvent(t *testing.T) {
	sink := &eventSink{}
	rt := New(testLogger(), sink.emit, Options{Preinstalled: true})
	rt.Instance("castellan_cli")

	rt.SetState("castellan_cli", container.StateUnhealthy)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, container.StateUnhealthy, events[0].State)

	state, err := rt.Instance("castellan_cli").CurrentState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, container.StateUnhealthy, state)
}

func TestStatsRequireRunning(t *testing.T) {
	ctx := context.Background()
	rt := New(testLogger(), nil, Options{Preinstalled: true})
	inst := rt.Instance("castellan_observer")

	_, err := inst.Stats(ctx)
	require.True(t, errors.Is(err, container.ErrNotRunning))

	require.NoError(t, inst.Start(ctx))
	sample, err := inst.Stats(ctx)
	require.NoError(t, err)

	derived := container.ComputeStats(sample)
	assert.Greater(t, derived.CPUPercent, 0.0)
	assert.Equal(t, uint64(56<<20), derived.MemoryUsage)
}
