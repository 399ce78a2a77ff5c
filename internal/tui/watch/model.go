package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shellbot/internal/events"
)

const (
	historyLimit = 50
	eventRows    = 6
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client client

	width  int
	height int

	health      HealthState
	tracker     *Tracker
	eventLog    []events.Event
	lastEventID int64
	selected    string

	ticker   Ticker
	activity Activity

	theme  Theme
	table  table.Model
	output viewport.Model

	hubEvents chan events.Event
	now       func() time.Time

	lastError string
	notice    string
}

// New creates a watch model for the API at apiURL.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	t := table.New(
		table.WithColumns(invocationColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithStyles(theme.Table),
	)
	return &Model{
		client:    newClient(apiURL, apiKey),
		tracker:   NewTracker(),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     theme,
		table:     t,
		output:    viewport.New(80, 8),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribeToEvents(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		func() tea.Msg { return m.client.fetchInvocations(historyLimit) },
		tick(),
		tea.EnterAltScreen,
	)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			if m.selected != "" {
				return m, m.client.cancelInvocation(m.selected)
			}
			return m, nil
		case "ctrl+d", "pgdown":
			m.output.HalfPageDown()
			return m, nil
		case "ctrl+u", "pgup":
			m.output.HalfPageUp()
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		m.syncSelection()
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.refresh()

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(m.now())
		m.refresh()
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.OnEvent(m.now())
		m.tracker.Apply(e)
		m.health.Connected = true
		m.lastError = ""
		m.refresh()
		return m, receiveNextEvent(m.hubEvents)

	case invocationsMsg:
		m.tracker.Seed(msg)
		m.refresh()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.ActiveInvocations = msg.ActiveInvocations
		m.health.EventSubscribers = msg.EventSubscribers
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case cancelledMsg:
		if msg.cancelled {
			m.notice = fmt.Sprintf("cancel requested for %s", shortID(msg.id))
		} else {
			m.notice = fmt.Sprintf("%s is not running", shortID(msg.id))
		}

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps reading the same channel, so
		// the new subscription feeds it directly.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribeToEvents(m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.client.fetchHealth() })
	}

	return m, nil
}

// resize splits the screen between the table, the output pane and the
// event stream.
func (m *Model) resize() {
	inner := max(m.width-6, 20)
	// header 5, event panel eventRows+3, help 1, margins and borders 10
	free := max(m.height-5-(eventRows+3)-1-10, 6)
	tableHeight := max(free/2, 3)

	m.table.SetColumns(invocationColumns(inner))
	m.table.SetWidth(inner)
	m.table.SetHeight(tableHeight)
	m.output.Width = inner
	m.output.Height = max(free-tableHeight, 3)
}

// refresh rebuilds table rows and the output pane, keeping the selected
// invocation under the cursor while new rows arrive on top.
func (m *Model) refresh() {
	list := m.tracker.List()
	m.table.SetRows(invocationRows(list, m.theme, m.now()))
	found := false
	for i, inv := range list {
		if inv.ID == m.selected {
			m.table.SetCursor(i)
			found = true
			break
		}
	}
	// SetRows leaves the cursor at -1 after the table was empty.
	if !found && m.table.Cursor() < 0 && len(list) > 0 {
		m.table.SetCursor(0)
	}
	m.syncSelection()
}

func (m *Model) syncSelection() {
	list := m.tracker.List()
	cursor := m.table.Cursor()
	if cursor < 0 || cursor >= len(list) {
		m.selected = ""
		m.output.SetContent(renderOutput(nil, m.theme))
		return
	}
	inv := list[cursor]
	follow := inv.ID != m.selected || m.output.AtBottom()
	m.selected = inv.ID
	m.output.SetContent(renderOutput(inv, m.theme))
	if follow {
		m.output.GotoBottom()
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to shellbot..."
	}
	innerWidth := m.width - 4

	var selected *InvocationState
	if inv, ok := m.tracker.Get(m.selected); ok {
		selected = inv
	}

	header := renderHeader(m.health, m.tracker.Running(), m.ticker, m.activity, m.theme, m.width, m.now())
	invocations := m.theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("INVOCATIONS"),
			m.table.View(),
		),
	)
	output := m.theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			renderOutputHeader(selected, m.theme),
			m.output.View(),
		),
	)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width, eventRows)

	parts := []string{header, invocations, output, eventStream}
	switch {
	case m.lastError != "":
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	case m.notice != "":
		parts = append(parts, m.theme.Highlight.Render(" "+m.notice))
	}
	parts = append(parts, m.theme.Help.Render(" [q] Quit • [↑/↓] Select • [c] Cancel • [PgUp/PgDn] Scroll output"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
