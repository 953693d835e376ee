package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-dev/castellan/internal/api"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/plugins"
)

func TestPluginRows(t *testing.T) {
	status := api.StatusResponse{
		Plugins: []plugins.Snapshot{
			{Name: "dns", Container: "castellan_dns", State: container.StateRunning, Version: "1.2.0", Watchdog: true, Restarts: 2},
			{Name: "audio", Container: "castellan_audio"},
		},
	}

	rows := pluginRows(status)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"dns", "castellan_dns", "running", "1.2.0", "on", "2"}, []string(rows[0]))
	assert.Equal(t, []string{"audio", "castellan_audio", "unknown", "-", "off", "0"}, []string(rows[1]))
}

func TestSummarizeEvent(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name string
		ev   api.Event
		want string
	}{
		{
			"state change",
			api.Event{Type: "container_state_change", At: at, Data: []byte(`{"name":"castellan_dns","state":"failed"}`)},
			"castellan_dns -> failed",
		},
		{
			"watchdog action",
			api.Event{Type: "watchdog_action", At: at, Data: []byte(`{"plugin":"dns","action":"rebuild","outcome":"ok"}`)},
			"dns rebuild (ok)",
		},
		{
			"health drop",
			api.Event{Type: "health_change", At: at, Data: []byte(`{"healthy":false,"reason":"dns down"}`)},
			"unhealthy: dns down",
		},
		{
			"core state",
			api.Event{Type: "supervisor_state_change", At: at, Data: []byte(`"running"`)},
			"running",
		},
		{
			"update",
			api.Event{Type: "update_available", At: at, Data: []byte(`{"plugin":"cli","current":"1.0.0","latest":"1.1.0"}`)},
			"cli 1.0.0 -> 1.1.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, summarizeEvent(tt.ev))
		})
	}
}
