package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/container/mocks"
	"github.com/castellan-dev/castellan/internal/jobs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

// fakeAlerter records alerts.
type fakeAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAlerter) Alert(_ context.Context, key, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key+": "+msg)
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// newTestSupervisor builds a supervisor over a gomock instance with a
// fresh bus and registry. Callers own ctrl and must close the bus.
func newTestSupervisor(t *testing.T, opts Options) (*Supervisor, *mocks.MockInstance, *bus.Bus) {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	logger := testLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)

	inst := mocks.NewMockInstance(ctrl)
	inst.EXPECT().Name().Return("castellan_dns").AnyTimes()

	opts.Name = "dns"
	opts.Instance = inst
	opts.Bus = b
	opts.Jobs = jobs.NewRegistry(nil, logger)
	opts.Log = logger
	if opts.WatchdogRetry == 0 {
		opts.WatchdogRetry = time.Millisecond
	}
	return New(opts), inst, b
}

func TestLoadMissingContainer(t *testing.T) {
	s, inst, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()
	v := semver.MustParse("2022.7.3")

	inst.EXPECT().LatestVersion(gomock.Any()).Return(v, nil).AnyTimes()
	attach := inst.EXPECT().Attach(gomock.Any(), v, true).
		Return(fmt.Errorf("attach: %w", container.ErrNotFound))
	install := inst.EXPECT().Install(gomock.Any(), v).Return(nil).After(attach)
	inst.EXPECT().Version().Return(v).AnyTimes()
	inst.EXPECT().Start(gomock.Any()).Return(nil).After(install)

	require.NoError(t, s.Load(ctx))
	assert.Equal(t, v, s.Version())
}

func TestLoadStoppedContainer(t *testing.T) {
	s, inst, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()
	v := semver.MustParse("2022.7.3")

	inst.EXPECT().LatestVersion(gomock.Any()).Return(v, nil)
	inst.EXPECT().Attach(gomock.Any(), v, true).Return(nil)
	inst.EXPECT().Version().Return(v)
	inst.EXPECT().IsRunning(gomock.Any()).Return(false, nil)
	inst.EXPECT().Start(gomock.Any()).Return(nil)
	// Install must not be called: the container exists.

	require.NoError(t, s.Load(ctx))
}

func TestLoadRunningContainer(t *testing.T) {
	s, inst, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()
	v := semver.MustParse("2022.7.3")

	inst.EXPECT().LatestVersion(gomock.Any()).Return(v, nil)
	inst.EXPECT().Attach(gomock.Any(), v, true).Return(nil)
	inst.EXPECT().Version().Return(v)
	inst.EXPECT().IsRunning(gomock.Any()).Return(true, nil)
	// Neither Install nor Start.

	require.NoError(t, s.Load(ctx))
}

func TestLoadUsesPinnedVersion(t *testing.T) {
	pin := semver.MustParse("1.2.3")
	s, inst, _ := newTestSupervisor(t, Options{PinnedVersion: pin})
	ctx := context.Background()

	// No LatestVersion call: the pin wins.
	inst.EXPECT().Attach(gomock.Any(), pin, true).Return(nil)
	inst.EXPECT().Version().Return(pin)
	inst.EXPECT().IsRunning(gomock.Any()).Return(true, nil)

	require.NoError(t, s.Load(ctx))
}

func TestLoadStartFailurePropagates(t *testing.T) {
	s, inst, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()

	inst.EXPECT().LatestVersion(gomock.Any()).Return(nil, errors.New("registry down")).AnyTimes()
	inst.EXPECT().Attach(gomock.Any(), nil, true).Return(container.ErrNotFound)
	inst.EXPECT().Install(gomock.Any(), nil).Return(nil)
	inst.EXPECT().Version().Return(nil).AnyTimes()
	inst.EXPECT().Start(gomock.Any()).Return(container.ErrRequestFailed)

	err := s.Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, container.ErrRequestFailed)
}

func TestStartIsGuardedOnce(t *testing.T) {
	s, inst, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	inst.EXPECT().Start(gomock.Any()).DoAndReturn(func(context.Context) error {
		close(entered)
		<-release
		return nil
	})

	first := make(chan error, 1)
	go func() { first <- s.Start(ctx) }()
	<-entered

	// Second caller is rejected while the first holds the job lock.
	err := s.Start(ctx)
	assert.ErrorIs(t, err, jobs.ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-first)
}

func TestRebuildStopsInstallsStarts(t *testing.T) {
	s, inst, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()

	stop := inst.EXPECT().Stop(gomock.Any()).Return(nil)
	install := inst.EXPECT().Install(gomock.Any(), gomock.Nil()).Return(nil).After(stop)
	inst.EXPECT().Start(gomock.Any()).Return(nil).After(install)

	require.NoError(t, s.Rebuild(ctx))
}

func TestRebuildToleratesNotRunning(t *testing.T) {
	s, inst, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()

	inst.EXPECT().Stop(gomock.Any()).Return(container.ErrNotRunning)
	inst.EXPECT().Install(gomock.Any(), gomock.Nil()).Return(nil)
	inst.EXPECT().Start(gomock.Any()).Return(nil)

	require.NoError(t, s.Rebuild(ctx))
}

func TestUpdateSkipsWhenCurrent(t *testing.T) {
	v := semver.MustParse("2.0.0")
	s, inst, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()

	s.adoptVersion(v)
	inst.EXPECT().LatestVersion(gomock.Any()).Return(v, nil)
	// No Install, no Start.

	require.NoError(t, s.Update(ctx))
}

func TestUpdateInstallsNewer(t *testing.T) {
	cur := semver.MustParse("1.0.0")
	next := semver.MustParse("2.0.0")
	s, inst, _ := newTestSupervisor(t, Options{})
	ctx := context.Background()

	s.adoptVersion(cur)
	inst.EXPECT().LatestVersion(gomock.Any()).Return(next, nil)
	inst.EXPECT().Install(gomock.Any(), next).Return(nil)
	inst.EXPECT().Start(gomock.Any()).Return(nil)

	require.NoError(t, s.Update(ctx))
	assert.Equal(t, next, s.Version())
}

func TestUnloadDetachesListener(t *testing.T) {
	s, inst, b := newTestSupervisor(t, Options{Watchdog: true})
	ctx := context.Background()
	v := semver.MustParse("1.0.0")

	inst.EXPECT().LatestVersion(gomock.Any()).Return(v, nil)
	inst.EXPECT().Attach(gomock.Any(), v, true).Return(nil)
	inst.EXPECT().Version().Return(v)
	inst.EXPECT().IsRunning(gomock.Any()).Return(true, nil)
	require.NoError(t, s.Load(ctx))

	s.Unload()

	// After unload no remediation runs for a stopped event; a mock
	// with no expectations would fail the test on any call.
	b.Fire(bus.EventContainerStateChange, container.StateEvent{
		Name: "castellan_dns", State: container.StateStopped, At: time.Now(),
	})
	time.Sleep(20 * time.Millisecond)
}
