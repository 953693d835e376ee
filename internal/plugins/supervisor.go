// Package plugins is the supervision core: one Supervisor per managed
// infrastructure plugin, a watchdog that reacts to container state
// events, and a Manager that owns the fixed plugin set.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/jobs"
)

// DefaultWatchdogRetry is how long the watchdog waits after a failed
// start before escalating to a rebuild.
const DefaultWatchdogRetry = 10 * time.Second

// ErrPluginNotFound is returned by Manager lookups for unknown names.
var ErrPluginNotFound = errors.New("plugin not found")

// Alerter receives operator-facing alerts. internal/notify implements
// it; tests inject fakes.
type Alerter interface {
	Alert(ctx context.Context, key, message string)
}

// WatchdogAction is the payload of watchdog_action bus events, fired
// for every remediation attempt.
type WatchdogAction struct {
	Plugin  string          `json:"plugin"`
	Trigger container.State `json:"trigger"`
	Action  string          `json:"action"`
	Outcome string          `json:"outcome"`
	Error   string          `json:"error,omitempty"`
}

// Options wires one Supervisor.
type Options struct {
	// Name is the plugin name (dns, audio, ...). Job names and log
	// fields derive from it.
	Name string

	// Instance is the plugin's container.
	Instance container.Instance

	Bus  *bus.Bus
	Jobs *jobs.Registry

	// Alerter may be nil; then escalations are only logged.
	Alerter Alerter

	Log *slog.Logger

	// Watchdog is the initial remediation toggle.
	Watchdog bool

	// WatchdogRetry overrides DefaultWatchdogRetry. Tests shrink it
	// to a millisecond.
	WatchdogRetry time.Duration

	// PinnedVersion pins the image version; nil means follow the
	// engine registry's latest.
	PinnedVersion *semver.Version

	// UpdateConditions guard the update job. Nil selects the default
	// set: free space, system internet, platform healthy, supervisor
	// itself up to date.
	UpdateConditions []jobs.Condition
}

// Supervisor keeps one plugin's container in the state the platform
// expects. All mutating operations go through the job guard; the
// watchdog itself calls the same guarded operations an administrator
// would.
type Supervisor struct {
	name string
	inst container.Instance

	bus     *bus.Bus
	alerter Alerter
	log     *slog.Logger

	startJob   *jobs.Job
	stopJob    *jobs.Job
	restartJob *jobs.Job
	installJob *jobs.Job
	rebuildJob *jobs.Job
	updateJob  *jobs.Job

	watchdog      atomic.Bool
	watchdogRetry time.Duration
	listener      *bus.Listener

	mu       sync.Mutex
	pinned   *semver.Version
	version  *semver.Version
	restarts atomic.Uint64
}

// New builds a Supervisor and registers its jobs. It does not touch
// the container; Load does.
func New(opts Options) *Supervisor {
	if opts.WatchdogRetry <= 0 {
		opts.WatchdogRetry = DefaultWatchdogRetry
	}
	updateConds := opts.UpdateConditions
	if updateConds == nil {
		updateConds = []jobs.Condition{
			jobs.ConditionFreeSpace,
			jobs.ConditionInternetSystem,
			jobs.ConditionHealthy,
			jobs.ConditionSupervisorUpdated,
		}
	}

	s := &Supervisor{
		name:          opts.Name,
		inst:          opts.Instance,
		bus:           opts.Bus,
		alerter:       opts.Alerter,
		log:           opts.Log.With(slog.String("plugin", opts.Name)),
		watchdogRetry: opts.WatchdogRetry,
		pinned:        opts.PinnedVersion,
	}
	s.watchdog.Store(opts.Watchdog)

	job := func(op string, conds []jobs.Condition) *jobs.Job {
		return opts.Jobs.Job(jobs.Descriptor{
			Name:       fmt.Sprintf("plugin_%s_%s", opts.Name, op),
			Limit:      jobs.LimitOnce,
			Conditions: conds,
		})
	}
	s.startJob = job("start", nil)
	s.stopJob = job("stop", nil)
	s.restartJob = job("restart", nil)
	s.installJob = job("install", []jobs.Condition{jobs.ConditionInternetSystem, jobs.ConditionFreeSpace})
	s.rebuildJob = job("rebuild", []jobs.Condition{jobs.ConditionFreeSpace})
	s.updateJob = job("update", updateConds)

	return s
}

// Name returns the plugin name.
func (s *Supervisor) Name() string { return s.name }

// ContainerName returns the engine-side container name.
func (s *Supervisor) ContainerName() string { return s.inst.Name() }

// Instance exposes the underlying container for read paths (stats).
func (s *Supervisor) Instance() container.Instance { return s.inst }

// Version returns the version the supervisor believes is deployed.
func (s *Supervisor) Version() *semver.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Restarts counts watchdog remediation attempts since process start.
func (s *Supervisor) Restarts() uint64 { return s.restarts.Load() }

// WatchdogEnabled reports the remediation toggle.
func (s *Supervisor) WatchdogEnabled() bool { return s.watchdog.Load() }

// SetWatchdog flips the remediation toggle. The bus listener stays
// registered either way, so toggles apply live.
func (s *Supervisor) SetWatchdog(enabled bool) {
	if s.watchdog.Swap(enabled) != enabled {
		s.log.Info("watchdog toggled", "enabled", enabled)
	}
}

// Load brings the plugin up at boot: subscribe the watchdog, adopt an
// existing container or install a fresh one, and make sure it runs.
// Attach failures fall through to install+start; install/start errors
// propagate so startup can report a plugin that did not come up.
func (s *Supervisor) Load(ctx context.Context) error {
	if s.listener == nil {
		s.listener = s.bus.Register(bus.EventContainerStateChange,
			fmt.Sprintf("watchdog_%s", s.name), s.onContainerState)
	}

	version := s.targetVersion(ctx)
	if err := s.inst.Attach(ctx, version, true); err != nil {
		s.log.Info("no existing container, installing", "error", err)
		if err := s.Install(ctx); err != nil {
			return fmt.Errorf("install plugin %s: %w", s.name, err)
		}
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start plugin %s: %w", s.name, err)
		}
		return nil
	}

	s.adoptVersion(s.inst.Version())
	running, err := s.inst.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("query plugin %s: %w", s.name, err)
	}
	if !running {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start plugin %s: %w", s.name, err)
		}
	}
	return nil
}

// Unload detaches the watchdog listener. The container keeps running.
func (s *Supervisor) Unload() {
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
}

// Start runs the container. Guarded: a second call while one is in
// flight gets jobs.ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.startJob.Run(ctx, func(ctx context.Context) error {
		if err := s.inst.Start(ctx); err != nil {
			return err
		}
		s.log.Info("plugin started")
		return nil
	})
}

// Stop stops the container. Stopping a stopped container is fine.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.stopJob.Run(ctx, func(ctx context.Context) error {
		if err := s.inst.Stop(ctx); err != nil {
			return err
		}
		s.log.Info("plugin stopped")
		return nil
	})
}

// Restart stops then starts the container under one guard.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.restartJob.Run(ctx, func(ctx context.Context) error {
		if err := s.inst.Stop(ctx); err != nil && !errors.Is(err, container.ErrNotRunning) {
			return fmt.Errorf("stop for restart: %w", err)
		}
		return s.inst.Start(ctx)
	})
}

// Install pulls or builds the plugin image at the target version.
func (s *Supervisor) Install(ctx context.Context) error {
	return s.installJob.Run(ctx, func(ctx context.Context) error {
		version := s.targetVersion(ctx)
		if err := s.inst.Install(ctx, version); err != nil {
			return err
		}
		s.adoptVersion(s.inst.Version())
		s.log.Info("plugin installed", "version", versionString(s.Version()))
		return nil
	})
}

// Rebuild tears the container down and recreates it from the current
// version. This is the watchdog's remedy for unhealthy and failed
// containers.
func (s *Supervisor) Rebuild(ctx context.Context) error {
	return s.rebuildJob.Run(ctx, func(ctx context.Context) error {
		if err := s.inst.Stop(ctx); err != nil && !errors.Is(err, container.ErrNotRunning) {
			return fmt.Errorf("stop for rebuild: %w", err)
		}
		if err := s.inst.Install(ctx, s.Version()); err != nil {
			return fmt.Errorf("install for rebuild: %w", err)
		}
		if err := s.inst.Start(ctx); err != nil {
			return fmt.Errorf("start after rebuild: %w", err)
		}
		s.log.Info("plugin rebuilt")
		return nil
	})
}

// Update moves the plugin to the latest published version. Already at
// the target is a successful no-op.
func (s *Supervisor) Update(ctx context.Context) error {
	return s.updateJob.Run(ctx, func(ctx context.Context) error {
		latest, err := s.inst.LatestVersion(ctx)
		if err != nil {
			return fmt.Errorf("resolve latest version: %w", err)
		}
		if latest == nil {
			return fmt.Errorf("no published version for %s", s.name)
		}
		if cur := s.Version(); cur != nil && !latest.GreaterThan(cur) {
			s.log.Debug("already at latest version", "version", cur.String())
			return nil
		}
		if err := s.inst.Install(ctx, latest); err != nil {
			return fmt.Errorf("install update: %w", err)
		}
		if err := s.inst.Start(ctx); err != nil {
			return fmt.Errorf("start after update: %w", err)
		}
		s.adoptVersion(latest)
		s.log.Info("plugin updated", "version", latest.String())
		return nil
	})
}

// targetVersion resolves the version to attach or install: the pin
// when set, otherwise whatever the engine registry publishes. A
// registry miss resolves to nil, which the engine treats as "whatever
// is present".
func (s *Supervisor) targetVersion(ctx context.Context) *semver.Version {
	s.mu.Lock()
	pinned := s.pinned
	s.mu.Unlock()
	if pinned != nil {
		return pinned
	}
	latest, err := s.inst.LatestVersion(ctx)
	if err != nil {
		s.log.Debug("cannot resolve latest version", "error", err)
		return nil
	}
	return latest
}

func (s *Supervisor) adoptVersion(v *semver.Version) {
	if v == nil {
		return
	}
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

func versionString(v *semver.Version) string {
	if v == nil {
		return "unknown"
	}
	return v.String()
}
