// Package watch implements the live plugin dashboard (castellan watch).
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	// Container state colors
	StateRunning   lipgloss.Style
	StateStopped   lipgloss.Style
	StateFailed    lipgloss.Style
	StateUnhealthy lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Bad       lipgloss.Style
	Good      lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StateRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StateStopped:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StateUnhealthy: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Bad:       lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Good:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
	}
}

// StateStyle picks the color for a container state string.
func (t Theme) StateStyle(state string) lipgloss.Style {
	switch state {
	case "running", "healthy":
		return t.StateRunning
	case "failed":
		return t.StateFailed
	case "unhealthy", "restarting":
		return t.StateUnhealthy
	default:
		return t.StateStopped
	}
}
