// Package config loads, validates and watches castellan.yaml.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "10s" or "6h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete castellan configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	Service      ServiceConfig      `yaml:"service"`
	API          APIConfig          `yaml:"api"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Updater      UpdaterConfig      `yaml:"updater"`
	Notify       NotifyConfig       `yaml:"notify"`
	History      HistoryConfig      `yaml:"history"`
	Integrity    IntegrityConfig    `yaml:"integrity"`
	Systemd      SystemdConfig      `yaml:"systemd"`
	OS           OSConfig           `yaml:"os"`

	Plugins map[string]PluginConf `yaml:"plugins"`
}

// ServiceConfig covers process-level settings.
type ServiceConfig struct {
	PIDFile               string   `yaml:"pid_file"`
	ShutdownGrace         Duration `yaml:"shutdown_grace"`
	StopPluginsOnShutdown bool     `yaml:"stop_plugins_on_shutdown"`
}

// APIConfig covers the admin API server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey authenticates bearer requests. The CASTELLAN_API_KEY
	// environment variable overrides it so the secret can stay out of
	// the file.
	APIKey string `yaml:"api_key"`
	// IngestHMACSecret signs state-ingest requests. Overridden by
	// CASTELLAN_INGEST_HMAC_SECRET.
	IngestHMACSecret string `yaml:"ingest_hmac_secret"`
}

// RuntimeConfig selects the container engine mode.
type RuntimeConfig struct {
	// Mode is "external" (state fed through the ingest endpoint) or
	// "sim" (in-memory engine for development).
	Mode            string    `yaml:"mode"`
	ContainerPrefix string    `yaml:"container_prefix"`
	Sim             SimConfig `yaml:"sim"`
}

// SimConfig tunes the simulated engine.
type SimConfig struct {
	Preinstalled  bool `yaml:"preinstalled"`
	StartFailures int  `yaml:"start_failures"`
}

// WatchdogConfig covers remediation behavior.
type WatchdogConfig struct {
	Enabled       bool     `yaml:"enabled"`
	RetryDelay    Duration `yaml:"retry_delay"`
	SweepSchedule string   `yaml:"sweep_schedule"`
}

// JobsConfig covers the job guard.
type JobsConfig struct {
	// IgnoreConditions lists condition names to log instead of
	// enforce. Disabling protections is an operator decision.
	IgnoreConditions []string `yaml:"ignore_conditions"`
	FreeSpaceMinGB   float64  `yaml:"free_space_min_gb"`
}

// ConnectivityConfig covers the internet probes.
type ConnectivityConfig struct {
	DNSProbeHost    string   `yaml:"dns_probe_host"`
	DialProbeAddr   string   `yaml:"dial_probe_addr"`
	TTL             Duration `yaml:"ttl"`
	RefreshSchedule string   `yaml:"refresh_schedule"`
}

// UpdaterConfig covers the version manifest fetcher.
type UpdaterConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	MinInterval     Duration `yaml:"min_interval"`
	RefreshSchedule string   `yaml:"refresh_schedule"`
}

// NotifyConfig covers operator alerting.
type NotifyConfig struct {
	// WebhookURL receives alert JSON via POST. Empty keeps alerts in
	// the log only.
	WebhookURL string `yaml:"webhook_url"`
	// RatePerMinute caps delivered alerts. Zero selects the default.
	RatePerMinute int `yaml:"rate_per_minute"`
}

// HistoryConfig covers the sqlite history store.
type HistoryConfig struct {
	Retention     Duration `yaml:"retention"`
	PruneSchedule string   `yaml:"prune_schedule"`
}

// IntegrityConfig covers checksum verification of the config file.
type IntegrityConfig struct {
	// Enforce turns a checksum mismatch into a boot failure instead
	// of a warning.
	Enforce bool `yaml:"enforce"`
}

// SystemdConfig names the units the job conditions probe.
type SystemdConfig struct {
	AgentUnit string `yaml:"agent_unit"`
}

// OSConfig locates the appliance OS marker.
type OSConfig struct {
	MarkerFile string `yaml:"marker_file"`
}

// PluginConf is the per-plugin slice of configuration.
type PluginConf struct {
	Enabled  bool   `yaml:"enabled"`
	Watchdog bool   `yaml:"watchdog"`
	Version  string `yaml:"version,omitempty"`
}

// Defaults returns a Config with every knob at its shipped value.
func Defaults() *Config {
	plugins := make(map[string]PluginConf)
	for _, name := range []string{"dns", "audio", "cli", "multicast", "observer"} {
		plugins[name] = PluginConf{Enabled: true, Watchdog: true}
	}
	return &Config{
		LogLevel: "info",
		DataDir:  "/var/lib/castellan",
		Service: ServiceConfig{
			PIDFile:       "/run/castellan.pid",
			ShutdownGrace: Duration(10 * time.Second),
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8095",
		},
		Runtime: RuntimeConfig{
			Mode:            "external",
			ContainerPrefix: "castellan",
		},
		Watchdog: WatchdogConfig{
			Enabled:       true,
			RetryDelay:    Duration(10 * time.Second),
			SweepSchedule: "@every 5m",
		},
		Jobs: JobsConfig{
			FreeSpaceMinGB: 1.0,
		},
		Connectivity: ConnectivityConfig{
			DNSProbeHost:    "example.com",
			DialProbeAddr:   "1.1.1.1:443",
			TTL:             Duration(5 * time.Minute),
			RefreshSchedule: "@every 5m",
		},
		Updater: UpdaterConfig{
			Endpoint:        "https://version.castellan.dev/stable.json",
			MinInterval:     Duration(30 * time.Minute),
			RefreshSchedule: "@every 6h",
		},
		History: HistoryConfig{
			Retention:     Duration(30 * 24 * time.Hour),
			PruneSchedule: "@daily",
		},
		Systemd: SystemdConfig{
			AgentUnit: "os-agent.service",
		},
		OS: OSConfig{
			MarkerFile: "/etc/castellan-release",
		},
		Plugins: plugins,
	}
}

// HistoryDBPath derives the sqlite path from the data dir.
func (c *Config) HistoryDBPath() string {
	return c.DataDir + "/history.db"
}
