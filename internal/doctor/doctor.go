// Package doctor runs preflight checks for a castellan host: it
// validates the environment a loaded configuration points at, not the
// configuration's shape (the config loader already rejects malformed
// files).
package doctor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"

	"github.com/castellan-dev/castellan/internal/config"
	"github.com/castellan-dev/castellan/internal/history"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates the host environment against a loaded config.
type Doctor struct {
	cfg        *config.Config
	configPath string
}

// New creates a Doctor for a loaded config. configPath is the file the
// config came from; it anchors the integrity check.
func New(cfg *config.Config, configPath string) *Doctor {
	return &Doctor{cfg: cfg, configPath: configPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkDataDir(r)
	d.checkHistoryPath(r)
	d.checkAPI(r)
	d.checkSchedules(r)
	d.checkRuntime(r)
	d.checkIntegrity(r)
	d.warnSystemd(r)
	d.warnOSMarker(r)
	d.warnDisabledPlugins(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkDataDir verifies the data directory exists and is writable. A
// missing directory is only a warning; the service creates it on start.
func (d *Doctor) checkDataDir(r *Result) {
	dir := d.cfg.DataDir
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		parent := filepath.Dir(dir)
		if pi, perr := os.Stat(parent); perr != nil || !pi.IsDir() {
			d.addError(r, "storage", "data_dir",
				fmt.Sprintf("data_dir %q does not exist and neither does its parent", dir))
			return
		}
		d.addWarning(r, "storage", "data_dir",
			fmt.Sprintf("data_dir %q does not exist; it will be created on start", dir))
		return
	}
	if err != nil {
		d.addError(r, "storage", "data_dir", fmt.Sprintf("stat data_dir %q: %v", dir, err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "storage", "data_dir", fmt.Sprintf("data_dir %q is not a directory", dir))
		return
	}

	probe, err := os.CreateTemp(dir, ".castellan-check-*")
	if err != nil {
		d.addError(r, "storage", "data_dir", fmt.Sprintf("data_dir %q is not writable: %v", dir, err))
		return
	}
	probe.Close()
	os.Remove(probe.Name())
}

// checkHistoryPath rejects a history database on a network mount.
func (d *Doctor) checkHistoryPath(r *Result) {
	if err := history.ValidateLocalFilesystem(d.cfg.HistoryDBPath()); err != nil {
		d.addError(r, "storage", "data_dir", err.Error())
	}
}

func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if len(d.cfg.API.APIKey) > 0 && len(d.cfg.API.APIKey) < 16 {
		d.addWarning(r, "api", "api.api_key",
			"api_key is shorter than 16 characters; use a longer random secret")
	}
	if d.cfg.API.IngestHMACSecret == "" && d.cfg.Runtime.Mode == "external" {
		d.addWarning(r, "api", "api.ingest_hmac_secret",
			"external runtime without ingest_hmac_secret; the engine watcher must send the bearer token instead")
	}
}

// checkSchedules parses every cron expression the task runner will see.
func (d *Doctor) checkSchedules(r *Result) {
	schedules := []struct {
		field string
		spec  string
	}{
		{"watchdog.sweep_schedule", d.cfg.Watchdog.SweepSchedule},
		{"connectivity.refresh_schedule", d.cfg.Connectivity.RefreshSchedule},
		{"updater.refresh_schedule", d.cfg.Updater.RefreshSchedule},
		{"history.prune_schedule", d.cfg.History.PruneSchedule},
	}
	for _, s := range schedules {
		if s.spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(s.spec); err != nil {
			d.addError(r, "schedules", s.field,
				fmt.Sprintf("invalid cron expression %q: %v", s.spec, err))
		}
	}
}

func (d *Doctor) checkRuntime(r *Result) {
	switch d.cfg.Runtime.Mode {
	case "sim":
		d.addWarning(r, "runtime", "runtime.mode",
			"simulated engine selected; container state is not real")
	case "external":
		if !d.cfg.API.Enabled {
			d.addWarning(r, "runtime", "api.enabled",
				"external runtime with the API disabled; no engine watcher can ingest container state")
		}
	}
}

// checkIntegrity verifies the config checksum manifest. A missing
// manifest is a warning; a mismatch is an error when enforcement is on.
func (d *Doctor) checkIntegrity(r *Result) {
	if d.configPath == "" {
		return
	}
	err := config.VerifyChecksums(d.configPath)
	switch {
	case err == nil:
	case errors.Is(err, config.ErrNoManifest):
		d.addWarning(r, "integrity", "", "no checksum manifest; run 'castellan config hash-update' to create one")
	case d.cfg.Integrity.Enforce:
		d.addError(r, "integrity", "", err.Error())
	default:
		d.addWarning(r, "integrity", "", err.Error())
	}
}

func (d *Doctor) warnSystemd(r *Result) {
	if d.cfg.Systemd.AgentUnit == "" {
		d.addWarning(r, "systemd", "systemd.agent_unit",
			"agent_unit is empty; the os-agent job condition will always fail")
	}
}

func (d *Doctor) warnOSMarker(r *Result) {
	marker := d.cfg.OS.MarkerFile
	if marker == "" {
		return
	}
	if _, err := os.Stat(marker); errors.Is(err, os.ErrNotExist) {
		d.addWarning(r, "os", "os.marker_file",
			fmt.Sprintf("marker file %q not found; jobs guarded by the os condition will not run", marker))
	}
}

func (d *Doctor) warnDisabledPlugins(r *Result) {
	for name, pc := range d.cfg.Plugins {
		if !pc.Enabled {
			d.addWarning(r, "plugins", fmt.Sprintf("plugins.%s", name),
				fmt.Sprintf("plugin %q is disabled", name))
			continue
		}
		if !pc.Watchdog {
			d.addWarning(r, "plugins", fmt.Sprintf("plugins.%s.watchdog", name),
				fmt.Sprintf("watchdog disabled for %q; it will not be restarted on failure", name))
		}
	}
}
