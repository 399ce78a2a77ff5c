// Package watch is the terminal dashboard behind "shellbot watch". It follows
// the API event stream and shows running and recent invocations with their
// output.
package watch

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shellbot/internal/supervisor"
)

// Theme keeps every color of the dashboard in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusIdle    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Help      lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style

	Table table.Styles
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusWarn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8800")),
		StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),

		Table: ts,
	}
}

// StateStyle picks the color for an invocation state.
func (t Theme) StateStyle(s supervisor.State) lipgloss.Style {
	switch s {
	case supervisor.StateCompleted:
		return t.StatusOK
	case supervisor.StateStarting, supervisor.StateRunning, supervisor.StateDraining:
		return t.StatusRunning
	case supervisor.StateTimedOut, supervisor.StateOverflowed, supervisor.StateCancelled:
		return t.StatusWarn
	case supervisor.StateFailed, supervisor.StateSpawnFailed:
		return t.StatusFailed
	default:
		return t.StatusIdle
	}
}

// StateSymbol is the one-cell marker shown in the ST column.
func StateSymbol(s supervisor.State) string {
	switch s {
	case supervisor.StateStarting:
		return "○"
	case supervisor.StateRunning, supervisor.StateDraining:
		return "◉"
	case supervisor.StateCompleted:
		return "●"
	case supervisor.StateTimedOut:
		return "◑"
	case supervisor.StateOverflowed:
		return "◔"
	case supervisor.StateCancelled:
		return "⊘"
	case supervisor.StateFailed, supervisor.StateSpawnFailed:
		return "∅"
	default:
		return "·"
	}
}
