package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/testhive/internal/report"
)

// Theme extends the report theme with the watch screen's chrome.
type Theme struct {
	report.Theme

	Border    lipgloss.Style
	Highlight lipgloss.Style

	ActivityOn  lipgloss.Style
	ActivityOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		Theme: report.NewDefaultTheme(),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")),
		Highlight:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		ActivityOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		ActivityOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}
