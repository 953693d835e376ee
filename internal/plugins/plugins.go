package plugins

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/jobs"
)

// Known plugin names, in load order. The set is fixed: castellan
// supervises the platform's infrastructure plugins, nothing else.
var Known = []string{"dns", "audio", "cli", "multicast", "observer"}

// Deps is everything the concrete plugin constructors share.
type Deps struct {
	Bus     *bus.Bus
	Jobs    *jobs.Registry
	Alerter Alerter
	Log     *slog.Logger

	// Runtime hands out the engine-side instance for a container name.
	Runtime func(name string) container.Instance

	// ContainerPrefix namespaces container names (default "castellan").
	ContainerPrefix string

	// WatchdogRetry applies to every plugin; zero means the default.
	WatchdogRetry time.Duration
}

// PluginConfig is the per-plugin slice of configuration.
type PluginConfig struct {
	Watchdog bool
	Pinned   *semver.Version
}

func (d Deps) instance(plugin string) container.Instance {
	prefix := d.ContainerPrefix
	if prefix == "" {
		prefix = "castellan"
	}
	return d.Runtime(fmt.Sprintf("%s_%s", prefix, plugin))
}

func (d Deps) supervisor(name string, cfg PluginConfig, updateConds []jobs.Condition) *Supervisor {
	return New(Options{
		Name:             name,
		Instance:         d.instance(name),
		Bus:              d.Bus,
		Jobs:             d.Jobs,
		Alerter:          d.Alerter,
		Log:              d.Log,
		Watchdog:         cfg.Watchdog,
		WatchdogRetry:    d.WatchdogRetry,
		PinnedVersion:    cfg.Pinned,
		UpdateConditions: updateConds,
	})
}

// NewDNS supervises the platform resolver. DNS updates must not wait
// on system DNS working, so its update job checks the direct-dial
// internet path instead of the resolver path.
func NewDNS(d Deps, cfg PluginConfig) *Supervisor {
	return d.supervisor("dns", cfg, []jobs.Condition{
		jobs.ConditionFreeSpace,
		jobs.ConditionInternetHost,
		jobs.ConditionSupervisorUpdated,
	})
}

// NewAudio supervises the audio daemon.
func NewAudio(d Deps, cfg PluginConfig) *Supervisor {
	return d.supervisor("audio", cfg, nil)
}

// NewCli supervises the CLI helper container.
func NewCli(d Deps, cfg PluginConfig) *Supervisor {
	return d.supervisor("cli", cfg, nil)
}

// NewMulticast supervises the multicast reflector.
func NewMulticast(d Deps, cfg PluginConfig) *Supervisor {
	return d.supervisor("multicast", cfg, nil)
}

// NewObserver supervises the observer container. The observer is the
// thing that reports platform health from outside, so its update job
// skips the healthy condition: a broken observer must stay updatable.
func NewObserver(d Deps, cfg PluginConfig) *Supervisor {
	return d.supervisor("observer", cfg, []jobs.Condition{
		jobs.ConditionFreeSpace,
		jobs.ConditionInternetSystem,
		jobs.ConditionSupervisorUpdated,
	})
}

// Build constructs the full plugin set from per-plugin configs keyed
// by plugin name. Missing entries get zero-value config (watchdog
// off, no pin).
func Build(d Deps, cfgs map[string]PluginConfig) []*Supervisor {
	return []*Supervisor{
		NewDNS(d, cfgs["dns"]),
		NewAudio(d, cfgs["audio"]),
		NewCli(d, cfgs["cli"]),
		NewMulticast(d, cfgs["multicast"]),
		NewObserver(d, cfgs["observer"]),
	}
}
