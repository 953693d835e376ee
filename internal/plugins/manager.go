package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/jobs"
)

// HealthChange is the payload of health_change bus events.
type HealthChange struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// Snapshot is a read-only view of one plugin for the API and TUI.
type Snapshot struct {
	Name      string          `json:"name"`
	Container string          `json:"container"`
	State     container.State `json:"state"`
	Version   string          `json:"version,omitempty"`
	Watchdog  bool            `json:"watchdog"`
	Restarts  uint64          `json:"restarts"`
}

// Manager owns the fixed plugin set and the platform health flag that
// the healthy job condition consults.
type Manager struct {
	supervisors map[string]*Supervisor
	order       []string

	bus     *bus.Bus
	alerter Alerter
	log     *slog.Logger

	stopOnShutdown bool

	mu      sync.RWMutex
	healthy bool
	unwell  string
	started []string
}

// NewManager wires the given supervisors, in load order. The manager
// starts healthy.
func NewManager(supervisors []*Supervisor, b *bus.Bus, alerter Alerter, stopOnShutdown bool, logger *slog.Logger) *Manager {
	m := &Manager{
		supervisors:    make(map[string]*Supervisor, len(supervisors)),
		bus:            b,
		alerter:        alerter,
		log:            logger,
		stopOnShutdown: stopOnShutdown,
		healthy:        true,
	}
	for _, s := range supervisors {
		m.supervisors[s.Name()] = s
		m.order = append(m.order, s.Name())
	}
	return m
}

// Get returns one supervisor.
func (m *Manager) Get(name string) (*Supervisor, error) {
	s, ok := m.supervisors[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrPluginNotFound)
	}
	return s, nil
}

// All returns the supervisors in load order.
func (m *Manager) All() []*Supervisor {
	out := make([]*Supervisor, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.supervisors[name])
	}
	return out
}

// Snapshots reads the live state of every plugin. State reads that
// fail surface as empty states, not errors; a snapshot is best effort.
func (m *Manager) Snapshots(ctx context.Context) []Snapshot {
	out := make([]Snapshot, 0, len(m.order))
	for _, s := range m.All() {
		snap := Snapshot{
			Name:      s.Name(),
			Container: s.ContainerName(),
			Watchdog:  s.WatchdogEnabled(),
			Restarts:  s.Restarts(),
		}
		if v := s.Version(); v != nil {
			snap.Version = v.String()
		}
		if state, err := s.Instance().CurrentState(ctx); err == nil {
			snap.State = state
		}
		out = append(out, snap)
	}
	return out
}

// Load brings every plugin up in parallel. A failed plugin is logged
// and alerted but does not stop the others; the joined error reports
// every plugin that did not come up.
func (m *Manager) Load(ctx context.Context) error {
	var g errgroup.Group

	var mu sync.Mutex
	var failures []error

	for _, s := range m.All() {
		g.Go(func() error {
			if err := s.Load(ctx); err != nil {
				m.log.Error("plugin failed to load", "plugin", s.Name(), "error", err)
				if m.alerter != nil {
					m.alerter.Alert(ctx, "load_"+s.Name(),
						"plugin "+s.Name()+" failed to load: "+err.Error())
				}
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			m.markStarted(s.Name())
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(failures...)
}

func (m *Manager) markStarted(name string) {
	m.mu.Lock()
	m.started = append(m.started, name)
	m.mu.Unlock()
}

// Shutdown detaches all watchdog listeners and, when configured, stops
// the plugins castellan brought up. The default leaves them running so
// a supervisor restart does not bounce the platform's DNS.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.All() {
		s.Unload()
	}
	if !m.stopOnShutdown {
		return
	}
	for _, name := range m.startedPlugins() {
		s := m.supervisors[name]
		if err := s.Stop(ctx); err != nil && !jobs.IsRejection(err) {
			m.log.Warn("plugin did not stop cleanly", "plugin", name, "error", err)
		}
	}
}

func (m *Manager) startedPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.started))
	copy(out, m.started)
	return out
}

// SetWatchdog flips one plugin's remediation toggle (config reload and
// the admin API).
func (m *Manager) SetWatchdog(name string, enabled bool) error {
	s, err := m.Get(name)
	if err != nil {
		return err
	}
	s.SetWatchdog(enabled)
	return nil
}

// Healthy reports the platform health flag.
func (m *Manager) Healthy() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.healthy {
		return nil
	}
	return fmt.Errorf("platform unhealthy: %s", m.unwell)
}

// SetHealthy updates the health flag and announces transitions.
func (m *Manager) SetHealthy(ctx context.Context, healthy bool, reason string) {
	m.mu.Lock()
	changed := m.healthy != healthy
	m.healthy = healthy
	m.unwell = reason
	m.mu.Unlock()

	if !changed {
		return
	}
	if healthy {
		m.log.Info("platform healthy again")
	} else {
		m.log.Warn("platform marked unhealthy", "reason", reason)
		if m.alerter != nil {
			m.alerter.Alert(ctx, "health", "platform marked unhealthy: "+reason)
		}
	}
	if m.bus != nil {
		m.bus.Fire(bus.EventHealthChange, HealthChange{Healthy: healthy, Reason: reason})
	}
}

// WatchdogSweep is the cron-driven belt and braces pass: it reads the
// live state of every watchdog-enabled plugin and remediates stuck
// ones, covering engine events the process never saw.
func (m *Manager) WatchdogSweep(ctx context.Context) {
	for _, s := range m.All() {
		if !s.WatchdogEnabled() {
			continue
		}
		state, err := s.Instance().CurrentState(ctx)
		if err != nil {
			m.log.Debug("sweep cannot read state", "plugin", s.Name(), "error", err)
			continue
		}
		switch state {
		case container.StateFailed, container.StateUnhealthy:
			m.log.Warn("sweep found stuck container, rebuilding", "plugin", s.Name(), "state", string(state))
			s.remediate(ctx, state, "rebuild", s.Rebuild)
		case container.StateStopped:
			m.log.Warn("sweep found stopped container, starting", "plugin", s.Name())
			s.remediate(ctx, state, "start", s.Start)
		}
	}
}
