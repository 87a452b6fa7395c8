// Package report renders the outcome of a run.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/mattjoyce/testhive/internal/queue"
)

// Entry is one test in the summary.
type Entry struct {
	Path     string
	Status   queue.Status
	Attempts int
	WorkerID string
	Duration time.Duration
	Error    string
}

// Summary is a finished (or aborted) run.
type Summary struct {
	RunID    string
	Status   string
	Duration time.Duration
	Entries  []Entry
}

// Counts returns passed and failed totals; anything not succeeded is a
// failure.
func (s Summary) Counts() (passed, failed int) {
	for _, e := range s.Entries {
		if e.Status == queue.StatusSucceeded {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// FromJobs builds a summary from a run's jobs.
func FromJobs(runID, status string, elapsed time.Duration, jobs []queue.Job) Summary {
	s := Summary{RunID: runID, Status: status, Duration: elapsed}
	for _, j := range jobs {
		e := Entry{Path: j.Path, Status: j.Status, Attempts: j.Attempts}
		if j.WorkerID != nil {
			e.WorkerID = *j.WorkerID
		}
		if j.LastError != nil {
			e.Error = *j.LastError
		}
		if j.StartedAt != nil && j.CompletedAt != nil {
			e.Duration = j.CompletedAt.Sub(*j.StartedAt)
		}
		s.Entries = append(s.Entries, e)
	}
	return s
}

// Render writes the summary table to w.
func Render(w io.Writer, s Summary, theme Theme) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(theme.Title.Render(fmt.Sprintf("Run %s (%s)", s.RunID, formatDuration(s.Duration))))

	t.AppendHeader(table.Row{"Test", "Status", "Attempts", "Worker", "Duration", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Test", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Attempts", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, e := range s.Entries {
		t.AppendRow(table.Row{
			e.Path,
			statusString(e.Status, theme),
			e.Attempts,
			e.WorkerID,
			formatDuration(e.Duration),
			firstLine(e.Error),
		})
	}

	passed, failed := s.Counts()
	t.AppendFooter(table.Row{
		"TOTAL",
		strings.ToUpper(s.Status),
		"",
		"",
		formatDuration(s.Duration),
		fmt.Sprintf("%d passed, %d failed", passed, failed),
	})
	t.SetStyle(table.StyleRounded)
	// Keep durations and counts as written; the rounded style upper-cases
	// footers.
	t.Style().Format.Footer = text.FormatDefault
	t.Render()
}

func statusString(st queue.Status, theme Theme) string {
	switch st {
	case queue.StatusSucceeded:
		return theme.StatusOK.Render("PASS")
	case queue.StatusFailed:
		return theme.StatusFailed.Render("FAIL")
	case queue.StatusCrashed:
		return theme.StatusCrash.Render("CRASH")
	default:
		return theme.StatusQueued.Render(strings.ToUpper(string(st)))
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
