package config

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/castellan-dev/castellan/internal/jobs"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validRuntimeModes = map[string]bool{
	"external": true, "sim": true,
}

var knownPlugins = map[string]bool{
	"dns": true, "audio": true, "cli": true, "multicast": true, "observer": true,
}

// Validate rejects configurations castellan cannot run with. It
// collects nothing: the first problem is the error, so an operator
// fixes one thing at a time with a precise message.
func Validate(cfg *Config) error {
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is empty")
	}
	if !validRuntimeModes[cfg.Runtime.Mode] {
		return fmt.Errorf("runtime.mode %q is not one of external, sim", cfg.Runtime.Mode)
	}
	if cfg.Runtime.ContainerPrefix == "" {
		return fmt.Errorf("runtime.container_prefix is empty")
	}
	if cfg.Runtime.Sim.StartFailures < 0 {
		return fmt.Errorf("runtime.sim.start_failures is negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.enabled is true but api.listen is empty")
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.enabled is true but no api key is set (api.api_key or CASTELLAN_API_KEY)")
		}
	}

	if cfg.Watchdog.RetryDelay.Std() <= 0 {
		return fmt.Errorf("watchdog.retry_delay must be positive")
	}
	if cfg.Jobs.FreeSpaceMinGB < 0 {
		return fmt.Errorf("jobs.free_space_min_gb is negative")
	}
	for _, name := range cfg.Jobs.IgnoreConditions {
		if !knownCondition(name) {
			return fmt.Errorf("jobs.ignore_conditions contains unknown condition %q", name)
		}
	}

	if cfg.Connectivity.TTL.Std() <= 0 {
		return fmt.Errorf("connectivity.ttl must be positive")
	}
	if cfg.Updater.MinInterval.Std() <= 0 {
		return fmt.Errorf("updater.min_interval must be positive")
	}
	if cfg.History.Retention.Std() <= 0 {
		return fmt.Errorf("history.retention must be positive")
	}
	if cfg.Notify.RatePerMinute < 0 {
		return fmt.Errorf("notify.rate_per_minute is negative")
	}

	for name, pc := range cfg.Plugins {
		if !knownPlugins[name] {
			return fmt.Errorf("plugins: %q is not a supervised plugin (known: dns, audio, cli, multicast, observer)", name)
		}
		if pc.Version != "" {
			if _, err := semver.NewVersion(pc.Version); err != nil {
				return fmt.Errorf("plugins.%s.version %q is not a semantic version: %w", name, pc.Version, err)
			}
		}
	}
	return nil
}

func knownCondition(name string) bool {
	for _, c := range jobs.AllConditions() {
		if string(c) == name {
			return true
		}
	}
	return false
}

// IgnoredConditions converts the configured names to typed conditions.
// Call after Validate; unknown names were already rejected.
func (c *Config) IgnoredConditions() []jobs.Condition {
	out := make([]jobs.Condition, 0, len(c.Jobs.IgnoreConditions))
	for _, name := range c.Jobs.IgnoreConditions {
		out = append(out, jobs.Condition(name))
	}
	return out
}
