package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/shellbot/internal/events"
	"github.com/mattjoyce/shellbot/internal/history"
	"github.com/mattjoyce/shellbot/internal/supervisor"
)

const (
	maxTracked     = 200
	maxOutputLines = 500
)

// InvocationState is one invocation as assembled from events and history.
type InvocationState struct {
	ID        string
	Command   string
	Requester string
	Channel   string
	State     supervisor.State
	StartedAt time.Time
	EndedAt   time.Time
	ExitCode  *int
	Status    string
	Output    []string
}

// Duration is wall time so far, or total once ended.
func (s *InvocationState) Duration(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.StartedAt)
}

// Tracker keeps the newest invocations ordered by start time.
type Tracker struct {
	byID  map[string]*InvocationState
	order []string // newest first
}

func NewTracker() *Tracker {
	return &Tracker{byID: make(map[string]*InvocationState)}
}

type outputEvent struct {
	InvocationID string `json:"invocation_id"`
	Seq          int    `json:"seq"`
	Text         string `json:"text"`
	Final        bool   `json:"final"`
}

type stateEvent struct {
	InvocationID string           `json:"invocation_id"`
	To           supervisor.State `json:"to"`
}

// Apply folds one hub event into the tracker. It reports whether the event
// touched an invocation.
func (t *Tracker) Apply(e events.Event) (string, bool) {
	switch e.Type {
	case events.InvocationStarted, events.InvocationFinished:
		var r supervisor.Report
		if err := json.Unmarshal(e.Data, &r); err != nil || r.ID == "" {
			return "", false
		}
		t.merge(r)
		return r.ID, true

	case events.InvocationState:
		var se stateEvent
		if err := json.Unmarshal(e.Data, &se); err != nil || se.InvocationID == "" {
			return "", false
		}
		inv := t.get(se.InvocationID, e.At)
		// A late transition never rewinds a terminal state.
		if !inv.State.Terminal() {
			inv.State = se.To
		}
		return se.InvocationID, true

	case events.InvocationOutput:
		var oe outputEvent
		if err := json.Unmarshal(e.Data, &oe); err != nil || oe.InvocationID == "" {
			return "", false
		}
		inv := t.get(oe.InvocationID, e.At)
		if oe.Final {
			inv.Status = oe.Text
		}
		inv.Output = append(inv.Output, oe.Text)
		if n := len(inv.Output) - maxOutputLines; n > 0 {
			inv.Output = inv.Output[n:]
		}
		return oe.InvocationID, true
	}
	return "", false
}

// Seed adds invocations loaded from history. Live data wins over history.
func (t *Tracker) Seed(records []history.Record) {
	for _, rec := range records {
		if _, ok := t.byID[rec.ID]; ok {
			continue
		}
		t.merge(rec.Report)
	}
}

func (t *Tracker) merge(r supervisor.Report) {
	inv := t.get(r.ID, r.StartedAt)
	inv.Command = r.Command
	inv.Requester = r.Requester
	inv.Channel = r.Channel
	if !r.StartedAt.IsZero() {
		inv.StartedAt = r.StartedAt
	}
	if !r.EndedAt.IsZero() {
		inv.EndedAt = r.EndedAt
	}
	if r.State != "" && (!inv.State.Terminal() || r.State.Terminal()) {
		inv.State = r.State
	}
	if r.ExitCode != nil {
		inv.ExitCode = r.ExitCode
	}
	if r.Status != "" {
		inv.Status = r.Status
	}
	t.sort()
}

// get returns the invocation, creating it as first seen at the given time.
func (t *Tracker) get(id string, seen time.Time) *InvocationState {
	inv, ok := t.byID[id]
	if !ok {
		inv = &InvocationState{ID: id, State: supervisor.StateStarting, StartedAt: seen}
		t.byID[id] = inv
		t.order = append([]string{id}, t.order...)
		t.evict()
	}
	return inv
}

func (t *Tracker) sort() {
	sort.SliceStable(t.order, func(i, j int) bool {
		return t.byID[t.order[i]].StartedAt.After(t.byID[t.order[j]].StartedAt)
	})
}

// evict drops the oldest finished invocations once over capacity.
func (t *Tracker) evict() {
	for i := len(t.order) - 1; i >= 0 && len(t.order) > maxTracked; i-- {
		id := t.order[i]
		if !t.byID[id].State.Terminal() {
			continue
		}
		delete(t.byID, id)
		t.order = append(t.order[:i], t.order[i+1:]...)
	}
}

// List returns invocations newest first.
func (t *Tracker) List() []*InvocationState {
	out := make([]*InvocationState, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

func (t *Tracker) Get(id string) (*InvocationState, bool) {
	inv, ok := t.byID[id]
	return inv, ok
}

// Running counts invocations that have not finished.
func (t *Tracker) Running() int {
	n := 0
	for _, inv := range t.byID {
		if !inv.State.Terminal() {
			n++
		}
	}
	return n
}

func invocationColumns(width int) []table.Column {
	cmdWidth := max(width-2-10-12-12-10-12, 10)
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "ID", Width: 10},
		{Title: "Requester", Width: 12},
		{Title: "Command", Width: cmdWidth},
		{Title: "State", Width: 12},
		{Title: "Duration", Width: 10},
	}
}

func invocationRows(list []*InvocationState, theme Theme, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(list))
	for _, inv := range list {
		duration := "-"
		if d := inv.Duration(now); d > 0 {
			duration = formatDuration(d)
		}
		rows = append(rows, table.Row{
			theme.StateStyle(inv.State).Render(StateSymbol(inv.State)),
			shortID(inv.ID),
			inv.Requester,
			oneLine(inv.Command),
			string(inv.State),
			duration,
		})
	}
	return rows
}

func renderOutputHeader(inv *InvocationState, theme Theme) string {
	if inv == nil {
		return theme.Title.Render("OUTPUT")
	}
	title := fmt.Sprintf("OUTPUT %s %s", shortID(inv.ID), theme.Dim.Render(oneLine(inv.Command)))
	if inv.ExitCode != nil {
		title += theme.Dim.Render(fmt.Sprintf(" exit %d", *inv.ExitCode))
	}
	return theme.Title.Render(title)
}

func renderOutput(inv *InvocationState, theme Theme) string {
	if inv == nil {
		return theme.Dim.Render("  No invocation selected")
	}
	if len(inv.Output) == 0 {
		if inv.Status != "" {
			return inv.Status
		}
		return theme.Dim.Render("  No output yet...")
	}
	return strings.Join(inv.Output, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
