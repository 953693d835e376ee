package api

import (
	"time"

	"github.com/castellan-dev/castellan/internal/plugins"
	"github.com/castellan-dev/castellan/internal/sysinfo"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Core            string `json:"core"`
	PluginsLoaded   int    `json:"plugins_loaded"`
	PluginsRunning  int    `json:"plugins_running"`
	WatchdogEnabled int    `json:"watchdog_enabled"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Core             string                    `json:"core"`
	Healthy          bool                      `json:"healthy"`
	HealthReason     string                    `json:"health_reason,omitempty"`
	Connectivity     sysinfo.ConnectivityState `json:"connectivity"`
	Version          string                    `json:"version"`
	LatestVersion    string                    `json:"latest_version,omitempty"`
	UpdateAvailable  bool                      `json:"update_available"`
	ChannelRefreshed *time.Time                `json:"channel_refreshed,omitempty"`
	Plugins          []plugins.Snapshot        `json:"plugins"`
}

// ActionResponse is returned when a plugin action was accepted.
type ActionResponse struct {
	Status string `json:"status"`
	Plugin string `json:"plugin"`
	Action string `json:"action"`
}

// IngestResponse is returned by POST /v1/ingest/state.
type IngestResponse struct {
	Status    string `json:"status"`
	Container string `json:"container"`
	State     string `json:"state"`
}

// ErrorResponse is returned on errors. Condition is set when a job
// precondition blocked the request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Condition string `json:"condition,omitempty"`
}
