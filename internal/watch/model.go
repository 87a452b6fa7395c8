package watch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/testhive/internal/api"
)

// Model is the bubbletea model behind `testhive watch`.
type Model struct {
	client *client

	width  int
	height int

	health    api.HealthzResponse
	connected bool
	lastCheck time.Time

	state    *runState
	workers  table.Model
	activity Activity
	theme    Theme

	events chan api.Event

	status    string
	lastError string
}

func New(apiURL, token string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		client:  newClient(apiURL, token),
		state:   newRunState(),
		workers: newWorkerTable(theme),
		theme:   theme,
		events:  make(chan api.Event, 100),
	}
}

func newWorkerTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Worker", Width: 8},
			{Title: "PID", Width: 8},
			{Title: "State", Width: 10},
			{Title: "Debug", Width: 6},
			{Title: "Parked", Width: 6},
			{Title: "Last test", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = theme.Highlight.Bold(true)
	t.SetStyles(s)
	return t
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) healthLater() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.client.fetchHealth() })
}

func (m *Model) workersLater() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return m.client.fetchWorkers() })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(m.events),
		receiveNextEvent(m.events),
		m.client.fetchHealth,
		m.client.fetchWorkers,
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if id := m.selectedWorker(); id != "" {
				m.status = "releasing " + id
				return m, m.client.workerAction(id, "release")
			}
			return m, nil
		case "x":
			if id := m.selectedWorker(); id != "" {
				m.status = "killing " + id
				return m, m.client.workerAction(id, "kill")
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.workers, cmd = m.workers.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.activity.Decay(time.Time(msg))
		return m, tick()

	case eventMsg:
		m.state.apply(api.Event(msg))
		m.activity.OnEvent(time.Now())
		m.workers.SetRows(workerRows(m.state))
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.events)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.connected = true
		m.lastCheck = time.Now()
		m.lastError = ""
		return m, m.healthLater()

	case workersMsg:
		m.state.syncWorkers(msg)
		m.workers.SetRows(workerRows(m.state))
		return m, m.workersLater()

	case actionMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
			m.status = ""
		} else {
			m.status = fmt.Sprintf("%s sent to %s", msg.action, msg.workerID)
		}

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading from m.events, so the
		// new subscription feeds the same loop.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.events)

	case errMsg:
		m.lastError = msg.err.Error()
		switch msg.source {
		case sourceHealth:
			m.connected = false
			return m, m.healthLater()
		case sourceWorkers:
			return m, m.workersLater()
		default:
			return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })
		}
	}

	return m, nil
}

func (m Model) selectedWorker() string {
	row := m.workers.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func workerRows(s *runState) []table.Row {
	ws := s.sortedWorkers()
	rows := make([]table.Row, 0, len(ws))
	for _, w := range ws {
		port, parked := "-", ""
		if w.DebugPort > 0 {
			port = strconv.Itoa(w.DebugPort)
		}
		if w.AwaitingRelease {
			parked = "yes"
		}
		rows = append(rows, table.Row{
			w.ID,
			strconv.Itoa(w.PID),
			string(w.State),
			port,
			parked,
			w.LastTest,
		})
	}
	return rows
}
