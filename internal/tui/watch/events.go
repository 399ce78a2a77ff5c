package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shellbot/internal/events"
)

const maxEventLog = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).MaxWidth(innerWidth).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.InvocationStarted:
		typeStyle = theme.StatusRunning
	case events.InvocationFinished:
		typeStyle = theme.StatusOK
	case events.InvocationRejected:
		typeStyle = theme.StatusFailed
	case events.InvocationState:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), eventDesc(e))
}

// eventDesc pulls a short description out of the event payload.
func eventDesc(e events.Event) string {
	var data struct {
		ID           string `json:"id"`
		InvocationID string `json:"invocation_id"`
		Command      string `json:"command"`
		Sender       string `json:"sender"`
		Requester    string `json:"requester"`
		State        string `json:"state"`
		To           string `json:"to"`
		Text         string `json:"text"`
		Reason       string `json:"reason"`
	}
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	id := data.InvocationID
	if id == "" {
		id = data.ID
	}
	if id != "" {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(id)))
	}
	for _, v := range []string{data.Requester, data.Sender, data.State, data.To, oneLine(data.Command), data.Text, data.Reason} {
		if v != "" {
			parts = append(parts, v)
		}
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
