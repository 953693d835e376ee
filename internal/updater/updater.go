// Package updater tracks the versions published for the supervisor and
// its plugins. A channel manifest is fetched periodically; everything
// else in the process asks this package instead of the network.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/jobs"
)

// maxManifestBytes caps the manifest response body.
const maxManifestBytes = 1 << 20

// Manifest is the channel document.
type Manifest struct {
	Supervisor string            `json:"supervisor"`
	Plugins    map[string]string `json:"plugins"`
}

// Available is the payload of update_available events. Plugin is
// "supervisor" for the supervisor itself.
type Available struct {
	Plugin  string `json:"plugin"`
	Current string `json:"current"`
	Latest  string `json:"latest"`
}

// Options configures the updater.
type Options struct {
	// ChannelURL serves the version manifest.
	ChannelURL string
	// Interval is both the refresh cadence and the throttle window of
	// the refresh job.
	Interval time.Duration
	// SupervisorVersion is the version this binary runs.
	SupervisorVersion *semver.Version
	// CurrentVersions reports running plugin versions, wired by the
	// daemon. May be nil; then no plugin events fire.
	CurrentVersions func() map[string]*semver.Version
}

// Updater caches the latest fetched manifest.
type Updater struct {
	opts   Options
	client *http.Client
	job    *jobs.Job

	bus *bus.Bus
	log *slog.Logger

	mu         sync.RWMutex
	supervisor *semver.Version
	plugins    map[string]*semver.Version
	fetchedAt  time.Time
	announced  map[string]string
}

// New builds the updater and registers its refresh job. The job waits
// on concurrent refreshes and throttles to one fetch per interval, and
// only runs with working system DNS.
func New(opts Options, reg *jobs.Registry, b *bus.Bus, logger *slog.Logger) *Updater {
	u := &Updater{
		opts:      opts,
		client:    &http.Client{Timeout: 15 * time.Second},
		bus:       b,
		log:       logger,
		plugins:   make(map[string]*semver.Version),
		announced: make(map[string]string),
	}
	u.job = reg.Job(jobs.Descriptor{
		Name:       "updater_refresh",
		Limit:      jobs.LimitThrottleWait,
		Period:     opts.Interval,
		Conditions: []jobs.Condition{jobs.ConditionInternetSystem},
	})
	return u
}

// Refresh fetches the manifest under the refresh job's policy. Callers
// racing the cron task coalesce on the throttle window.
func (u *Updater) Refresh(ctx context.Context) error {
	return u.job.Run(ctx, u.refresh)
}

func (u *Updater) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.ChannelURL, nil)
	if err != nil {
		return fmt.Errorf("build manifest request: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch version manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch version manifest: unexpected status %s", resp.Status)
	}

	var m Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestBytes)).Decode(&m); err != nil {
		return fmt.Errorf("decode version manifest: %w", err)
	}

	supervisor := u.parseVersion("supervisor", m.Supervisor)
	plugins := make(map[string]*semver.Version, len(m.Plugins))
	for name, raw := range m.Plugins {
		if v := u.parseVersion(name, raw); v != nil {
			plugins[name] = v
		}
	}

	u.mu.Lock()
	u.supervisor = supervisor
	u.plugins = plugins
	u.fetchedAt = time.Now()
	u.mu.Unlock()

	u.log.Debug("version manifest refreshed",
		"supervisor", m.Supervisor, "plugins", len(plugins))
	u.announce()
	return nil
}

// parseVersion returns nil for versions the manifest got wrong. A bad
// entry must not block updates for everything else.
func (u *Updater) parseVersion(name, raw string) *semver.Version {
	if raw == "" {
		return nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		u.log.Warn("skipping invalid manifest version", "name", name, "version", raw, "error", err)
		return nil
	}
	return v
}

// announce fires update_available once per newly published version.
func (u *Updater) announce() {
	if u.bus == nil {
		return
	}

	type pending struct{ plugin, current, latest string }
	var events []pending

	u.mu.Lock()
	if u.supervisor != nil && u.opts.SupervisorVersion != nil &&
		u.supervisor.GreaterThan(u.opts.SupervisorVersion) &&
		u.announced["supervisor"] != u.supervisor.Original() {
		u.announced["supervisor"] = u.supervisor.Original()
		events = append(events, pending{"supervisor", u.opts.SupervisorVersion.Original(), u.supervisor.Original()})
	}
	if u.opts.CurrentVersions != nil {
		current := u.opts.CurrentVersions()
		for name, latest := range u.plugins {
			cur, ok := current[name]
			if !ok || cur == nil || !latest.GreaterThan(cur) {
				continue
			}
			if u.announced[name] == latest.Original() {
				continue
			}
			u.announced[name] = latest.Original()
			events = append(events, pending{name, cur.Original(), latest.Original()})
		}
	}
	u.mu.Unlock()

	for _, e := range events {
		u.log.Info("update available", "plugin", e.plugin, "current", e.current, "latest", e.latest)
		u.bus.Fire(bus.EventUpdateAvailable, Available{Plugin: e.plugin, Current: e.current, Latest: e.latest})
	}
}

// LatestFor returns the latest published version for a plugin, or nil
// when the manifest does not know it.
func (u *Updater) LatestFor(plugin string) *semver.Version {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.plugins[plugin]
}

// SupervisorLatest returns the latest published supervisor version, or
// nil before the first successful refresh.
func (u *Updater) SupervisorLatest() *semver.Version {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.supervisor
}

// SupervisorUpToDate reports whether this binary runs the latest
// published version. An unfetched manifest counts as up to date; a
// missing manifest must not freeze plugin updates.
func (u *Updater) SupervisorUpToDate() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.supervisor == nil || u.opts.SupervisorVersion == nil {
		return true
	}
	return !u.supervisor.GreaterThan(u.opts.SupervisorVersion)
}

// LastRefresh returns when the manifest was last fetched.
func (u *Updater) LastRefresh() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.fetchedAt
}
