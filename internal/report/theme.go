package report

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles used by the run summary.
type Theme struct {
	StatusOK     lipgloss.Style
	StatusFailed lipgloss.Style
	StatusCrash  lipgloss.Style
	StatusQueued lipgloss.Style

	Title lipgloss.Style
	Dim   lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		StatusOK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusFailed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusCrash:  lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		StatusQueued: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

// PlainTheme renders without escape codes.
func PlainTheme() Theme {
	s := lipgloss.NewStyle()
	return Theme{StatusOK: s, StatusFailed: s, StatusCrash: s, StatusQueued: s, Title: s, Dim: s}
}
