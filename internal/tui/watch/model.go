package watch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/castellan-dev/castellan/internal/api"
)

const eventLogDepth = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	status    api.StatusResponse
	connected bool
	lastError string
	eventLog  []api.Event

	// UI
	table table.Model
	theme Theme

	// Communication
	hubEvents chan api.Event
}

// New creates a watch model pointed at a castellan API server.
func New(apiURL, apiKey string) *Model {
	columns := []table.Column{
		{Title: "PLUGIN", Width: 10},
		{Title: "CONTAINER", Width: 20},
		{Title: "STATE", Width: 10},
		{Title: "VERSION", Width: 10},
		{Title: "WATCHDOG", Width: 8},
		{Title: "RESTARTS", Width: 8},
	}

	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#E5C07B"))

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(7),
		table.WithStyles(styles),
	)

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		table:     t,
		theme:     NewDefaultTheme(),
		eventLog:  make([]api.Event, 0, eventLogDepth),
		hubEvents: make(chan api.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) }
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case statusMsg:
		m.status = api.StatusResponse(msg)
		m.connected = true
		m.lastError = ""
		m.table.SetRows(pluginRows(m.status))

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})

	case eventMsg:
		e := api.Event(msg)

		// Newest first.
		m.eventLog = append([]api.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogDepth {
			m.eventLog = m.eventLog[:eventLogDepth]
		}
		m.connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		// State transitions refresh the table right away instead of
		// waiting for the next poll.
		if e.Type == "container_state_change" || e.Type == "watchdog_action" {
			cmds = append(cmds, func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) })
		}
		return m, tea.Batch(cmds...)

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func pluginRows(s api.StatusResponse) []table.Row {
	rows := make([]table.Row, 0, len(s.Plugins))
	for _, p := range s.Plugins {
		wd := "off"
		if p.Watchdog {
			wd = "on"
		}
		version := p.Version
		if version == "" {
			version = "-"
		}
		state := string(p.State)
		if state == "" {
			state = "unknown"
		}
		rows = append(rows, table.Row{
			p.Name,
			p.Container,
			state,
			version,
			wd,
			strconv.FormatUint(p.Restarts, 10),
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to castellan..."
	}

	header := m.renderHeader()
	plugins := m.theme.Border.Render(m.table.View())
	events := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.Bad.Render(fmt.Sprintf(" ! %s", m.lastError))
	}

	help := m.theme.Dim.Render(" [q] Quit  [r] Refresh")

	parts := []string{header, plugins, events}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	title := m.theme.Title.Render("castellan watch")

	health := m.theme.Good.Render("healthy")
	if !m.status.Healthy {
		health = m.theme.Bad.Render("unhealthy")
	}

	net := m.theme.Bad.Render("offline")
	if m.status.Connectivity.System {
		net = m.theme.Good.Render("online")
	}

	link := m.theme.Bad.Render("disconnected")
	if m.connected {
		link = m.theme.Good.Render("live")
	}

	version := m.status.Version
	if m.status.UpdateAvailable && m.status.LatestVersion != "" {
		version += m.theme.Highlight.Render(fmt.Sprintf(" (update: %s)", m.status.LatestVersion))
	}

	info := fmt.Sprintf("core: %s  health: %s  net: %s  stream: %s  version: %s",
		m.status.Core, health, net, link, version)

	return lipgloss.JoinVertical(lipgloss.Left, title, m.theme.Dim.Render(info))
}
