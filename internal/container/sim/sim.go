// Package sim is an in-memory container engine used when the runtime
// mode is "sim" and by integration tests. It models just enough of an
// engine for the supervision core: containers with states, installs,
// start/stop transitions that fire state events, and optional failure
// injection.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/castellan-dev/castellan/internal/container"
)

// Options tunes failure injection.
type Options struct {
	// StartFailures makes the first N Start calls of every container
	// fail with an engine error. Exercises watchdog escalation.
	StartFailures int

	// Preinstalled marks containers as already present at boot, so
	// Attach succeeds without a prior Install.
	Preinstalled bool
}

// Runtime is the engine. One Runtime backs all plugin instances.
type Runtime struct {
	mu   sync.Mutex
	recs map[string]*record

	emit func(container.StateEvent)
	log  *slog.Logger
	opts Options

	statsSeq atomic.Uint64
}

type record struct {
	id        string
	state     container.State
	version   *semver.Version
	installed bool
	failsLeft int
}

// New creates a sim engine. emit receives every state transition; wire
// it to the bus. A nil emit is allowed for tests that do not care.
func New(logger *slog.Logger, emit func(container.StateEvent), opts Options) *Runtime {
	if emit == nil {
		emit = func(container.StateEvent) {}
	}
	return &Runtime{
		recs: make(map[string]*record),
		emit: emit,
		log:  logger,
		opts: opts,
	}
}

// Instance returns the engine view of one named container.
func (r *Runtime) Instance(name string) container.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recs[name]; !ok {
		rec := &record{state: container.StateStopped, failsLeft: r.opts.StartFailures}
		if r.opts.Preinstalled {
			rec.installed = true
			rec.id = uuid.NewString()
			rec.version = semver.MustParse("1.0.0")
		}
		r.recs[name] = rec
	}
	return &instance{rt: r, name: name}
}

// SetState forces a container state and fires the matching event.
// Test and chaos hook.
func (r *Runtime) SetState(name string, state container.State) {
	r.mu.Lock()
	rec, ok := r.recs[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.state = state
	ev := container.StateEvent{Name: name, ID: rec.id, State: state, At: time.Now().UTC()}
	r.mu.Unlock()

	r.emit(ev)
}

// MirrorState adopts a state reported by an external engine watcher
// without firing an event; the watcher's report already went onto the
// bus. Unknown containers are created stopped first so early reports
// before the first Instance call are not lost.
func (r *Runtime) MirrorState(name string, state container.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[name]
	if !ok {
		rec = &record{failsLeft: r.opts.StartFailures}
		if r.opts.Preinstalled {
			rec.installed = true
			rec.id = uuid.NewString()
			rec.version = semver.MustParse("1.0.0")
		}
		r.recs[name] = rec
	}
	rec.state = state
}

type instance struct {
	rt   *Runtime
	name string
}

func (i *instance) Name() string { return i.name }

func (i *instance) Attach(ctx context.Context, version *semver.Version, skipStateEventIfDown bool) error {
	i.rt.mu.Lock()
	defer i.rt.mu.Unlock()

	rec := i.rt.recs[i.name]
	if rec == nil || !rec.installed {
		return fmt.Errorf("attach %s: %w", i.name, container.ErrNotFound)
	}
	if version != nil && rec.version == nil {
		rec.version = version
	}
	// A real engine would replay the current state here; a container
	// that is down stays silent when skipStateEventIfDown is set, which
	// is the only mode the supervisor uses at boot.
	_ = skipStateEventIfDown
	return nil
}

func (i *instance) Install(ctx context.Context, version *semver.Version) error {
	i.rt.mu.Lock()
	defer i.rt.mu.Unlock()

	rec := i.rt.recs[i.name]
	if rec == nil {
		rec = &record{failsLeft: i.rt.opts.StartFailures}
		i.rt.recs[i.name] = rec
	}
	if version == nil {
		version = semver.MustParse("1.0.0")
	}
	rec.installed = true
	rec.version = version
	if rec.id == "" {
		rec.id = uuid.NewString()
	}
	if rec.state == "" {
		rec.state = container.StateStopped
	}
	i.rt.log.Info("sim: image installed", "container", i.name, "version", version.String())
	return nil
}

func (i *instance) Start(ctx context.Context) error {
	i.rt.mu.Lock()
	rec := i.rt.recs[i.name]
	if rec == nil || !rec.installed {
		i.rt.mu.Unlock()
		return fmt.Errorf("start %s: %w", i.name, container.ErrNotFound)
	}
	if rec.failsLeft > 0 {
		rec.failsLeft--
		i.rt.mu.Unlock()
		return fmt.Errorf("start %s: injected failure: %w", i.name, container.ErrRequestFailed)
	}
	rec.state = container.StateRunning
	ev := container.StateEvent{Name: i.name, ID: rec.id, State: container.StateRunning, At: time.Now().UTC()}
	i.rt.mu.Unlock()

	i.rt.emit(ev)
	return nil
}

func (i *instance) Stop(ctx context.Context) error {
	i.rt.mu.Lock()
	rec := i.rt.recs[i.name]
	if rec == nil || !rec.installed {
		i.rt.mu.Unlock()
		return fmt.Errorf("stop %s: %w", i.name, container.ErrNotFound)
	}
	if rec.state != container.StateRunning && rec.state != container.StateUnhealthy {
		i.rt.mu.Unlock()
		return nil
	}
	rec.state = container.StateStopped
	ev := container.StateEvent{Name: i.name, ID: rec.id, State: container.StateStopped, At: time.Now().UTC()}
	i.rt.mu.Unlock()

	i.rt.emit(ev)
	return nil
}

func (i *instance) CurrentState(ctx context.Context) (container.State, error) {
	i.rt.mu.Lock()
	defer i.rt.mu.Unlock()

	rec := i.rt.recs[i.name]
	if rec == nil || !rec.installed {
		return "", fmt.Errorf("state %s: %w", i.name, container.ErrNotFound)
	}
	return rec.state, nil
}

func (i *instance) IsRunning(ctx context.Context) (bool, error) {
	state, err := i.CurrentState(ctx)
	if err != nil {
		return false, err
	}
	return state == container.StateRunning, nil
}

func (i *instance) Version() *semver.Version {
	i.rt.mu.Lock()
	defer i.rt.mu.Unlock()

	rec := i.rt.recs[i.name]
	if rec == nil {
		return nil
	}
	return rec.version
}

func (i *instance) LatestVersion(ctx context.Context) (*semver.Version, error) {
	i.rt.mu.Lock()
	defer i.rt.mu.Unlock()

	// The sim registry publishes whatever is installed, and 1.0.0 for
	// containers that do not exist yet.
	rec := i.rt.recs[i.name]
	if rec == nil || rec.version == nil {
		return semver.MustParse("1.0.0"), nil
	}
	return rec.version, nil
}

func (i *instance) Stats(ctx context.Context) (*container.StatsSample, error) {
	i.rt.mu.Lock()
	rec := i.rt.recs[i.name]
	if rec == nil || !rec.installed {
		i.rt.mu.Unlock()
		return nil, fmt.Errorf("stats %s: %w", i.name, container.ErrNotFound)
	}
	if rec.state != container.StateRunning {
		i.rt.mu.Unlock()
		return nil, fmt.Errorf("stats %s: %w", i.name, container.ErrNotRunning)
	}
	i.rt.mu.Unlock()

	// Monotonic fabricated counters so repeated samples show deltas.
	n := i.rt.statsSeq.Add(1)
	return &container.StatsSample{
		CPU:    container.CPUSample{TotalUsage: n * 2_000_000, SystemUsage: n * 100_000_000},
		PreCPU: container.CPUSample{TotalUsage: (n - 1) * 2_000_000, SystemUsage: (n - 1) * 100_000_000},
		Memory: container.MemorySample{Usage: 64 << 20, Limit: 256 << 20, InactiveFile: 8 << 20},
		Networks: map[string]container.NetworkSample{
			"eth0": {RxBytes: n * 1024, TxBytes: n * 512},
		},
		Blkio: []container.BlkioEntry{
			{Op: "Read", Value: n * 4096},
			{Op: "Write", Value: n * 2048},
		},
	}, nil
}
