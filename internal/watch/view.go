package watch

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/testhive/internal/api"
	"github.com/mattjoyce/testhive/internal/worker"
)

const (
	recentShown = 8
	eventsShown = 6
)

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m, m.width),
		m.theme.Border.Render(m.workers.View()),
		renderRecent(m.state.recent, m.theme),
		renderEvents(m.state.events, m.theme),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	} else if m.status != "" {
		parts = append(parts, m.theme.Dim.Render(" "+m.status))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit • [↑/↓] select worker • [r] release • [x] kill"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func renderHeader(m Model, width int) string {
	conn := m.theme.StatusOK.Render("● connected")
	if !m.connected {
		conn = m.theme.StatusFailed.Render("○ disconnected")
	}
	t := m.state.tally
	left := fmt.Sprintf("%s  %s  up %s",
		m.theme.Title.Render("TESTHIVE"),
		conn,
		formatDuration(time.Duration(m.health.UptimeSeconds)*time.Second),
	)
	right := fmt.Sprintf("%s %s %s  attempts %d  files %d  %s",
		m.theme.StatusOK.Render(fmt.Sprintf("✓ %d", t.Passed)),
		m.theme.StatusFailed.Render(fmt.Sprintf("✗ %d", t.Failed)),
		m.theme.StatusCrash.Render(fmt.Sprintf("‼ %d", t.Crashed)),
		t.Attempts,
		t.FilesLive,
		m.activity.Render(m.theme),
	)
	gap := width - 4 - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 2 {
		gap = 2
	}
	return left + strings.Repeat(" ", gap) + right
}

func renderRecent(recent []api.TestEvent, theme Theme) string {
	var b strings.Builder
	b.WriteString(theme.Title.Render("Recent results"))
	if len(recent) == 0 {
		b.WriteString("\n" + theme.Dim.Render("  none yet"))
		return b.String()
	}
	for i, te := range recent {
		if i == recentShown {
			break
		}
		r := te.Result
		mark := theme.StatusOK.Render("PASS ")
		switch {
		case r.Status == worker.StatusSuccess:
		case r.Crashed:
			mark = theme.StatusCrash.Render("CRASH")
		default:
			mark = theme.StatusFailed.Render("FAIL ")
		}
		line := fmt.Sprintf("\n  %s %-32s x%d %s", mark, filepath.Base(te.Test), r.Attempts, formatDuration(r.Duration))
		if r.Error != "" {
			msg, _, _ := strings.Cut(r.Error, "\n")
			line += "  " + theme.Dim.Render(msg)
		}
		b.WriteString(line)
	}
	return b.String()
}

func renderEvents(events []api.Event, theme Theme) string {
	var b strings.Builder
	b.WriteString(theme.Title.Render("Events"))
	for i, e := range events {
		if i == eventsShown {
			break
		}
		fmt.Fprintf(&b, "\n  %s %s %s",
			theme.Dim.Render(fmt.Sprintf("#%d", e.ID)),
			theme.Highlight.Render(fmt.Sprintf("%-15s", e.Type)),
			theme.Dim.Render(e.At.Local().Format("15:04:05")),
		)
	}
	return b.String()
}
