package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/castellan-dev/castellan/internal/api"
)

// renderEventStream shows the most recent bus events, newest first.
func renderEventStream(log []api.Event, theme Theme, width int) string {
	var b strings.Builder
	b.WriteString(theme.Header.Render("Events"))
	b.WriteString("\n")

	if len(log) == 0 {
		b.WriteString(theme.Dim.Render("  (waiting for events)"))
		return theme.Border.Render(b.String())
	}

	shown := log
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, e := range shown {
		line := fmt.Sprintf("  %s  %-24s %s",
			e.At.Local().Format("15:04:05"),
			e.Type,
			summarizeEvent(e))
		if width > 4 && len(line) > width-4 {
			line = line[:width-4]
		}
		b.WriteString(styleForEvent(e, theme).Render(line))
		b.WriteString("\n")
	}
	return theme.Border.Render(strings.TrimRight(b.String(), "\n"))
}

// summarizeEvent pulls the interesting field out of the JSON payload.
func summarizeEvent(e api.Event) string {
	if e.Type == "supervisor_state_change" {
		// Payload is a bare state string.
		var state string
		if json.Unmarshal(e.Data, &state) == nil {
			return state
		}
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return ""
	}

	switch e.Type {
	case "container_state_change":
		return fmt.Sprintf("%v -> %v", fields["name"], fields["state"])
	case "watchdog_action":
		return fmt.Sprintf("%v %v (%v)", fields["plugin"], fields["action"], fields["outcome"])
	case "health_change":
		if healthy, ok := fields["healthy"].(bool); ok && !healthy {
			return fmt.Sprintf("unhealthy: %v", fields["reason"])
		}
		return "healthy"
	case "update_available":
		return fmt.Sprintf("%v %v -> %v", fields["plugin"], fields["current"], fields["latest"])
	default:
		return ""
	}
}

func styleForEvent(e api.Event, theme Theme) lipgloss.Style {
	switch e.Type {
	case "watchdog_action":
		return theme.StateUnhealthy
	case "health_change":
		return theme.Bad
	default:
		return theme.Dim
	}
}
