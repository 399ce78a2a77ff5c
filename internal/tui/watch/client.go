package watch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/shellbot/internal/events"
	"github.com/mattjoyce/shellbot/internal/history"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ActiveInvocations int    `json:"active_invocations"`
	EventSubscribers  int    `json:"event_subscribers"`
	LastEventID       int64  `json:"last_event_id"`
}

type invocationsMsg []history.Record

type cancelledMsg struct {
	id        string
	cancelled bool
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ err error }
type reconnectMsg struct{}

var errNotFound = errors.New("not found")

// client talks to the shellbot HTTP API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client // short requests only; the event stream has no timeout
}

func newClient(baseURL, apiKey string) client {
	return client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c client) newRequest(method, path string) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c client) getJSON(path string, out any) error {
	req, err := c.newRequest(http.MethodGet, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("GET %s: %w", path, errNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- Commands ---

// subscribeToEvents streams /events into ch, resuming after lastID. It
// returns sseDisconnectedMsg when the stream ends for any reason.
func (c client) subscribeToEvents(lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest(http.MethodGet, "/events?types="+url.QueryEscape("invocation."))
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := (&http.Client{}).Do(req)
		if err != nil {
			return sseDisconnectedMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{err: fmt.Errorf("events: %s", resp.Status)}
		}

		err = readSSE(resp.Body, func(e events.Event) { ch <- e })
		return sseDisconnectedMsg{err: err}
	}
}

// readSSE parses a text/event-stream body and calls emit once per event.
func readSSE(r io.Reader, emit func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var (
		cur  events.Event
		data []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				cur.Data = json.RawMessage(strings.Join(data, "\n"))
				cur.At = time.Now()
				emit(cur)
			}
			cur, data = events.Event{}, nil
		case strings.HasPrefix(line, ":"):
			// comment, used for keep-alives
		case strings.HasPrefix(line, "id:"):
			if id, err := strconv.ParseInt(fieldValue(line, "id:"), 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event:"):
			cur.Type = fieldValue(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = append(data, fieldValue(line, "data:"))
		}
	}
	return scanner.Err()
}

func fieldValue(line, field string) string {
	return strings.TrimPrefix(strings.TrimPrefix(line, field), " ")
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (c client) fetchHealth() tea.Msg {
	var h healthMsg
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg(err)
	}
	return h
}

// fetchInvocations seeds the table with recent history. A server without
// history answers 404, which leaves the table to fill from live events.
func (c client) fetchInvocations(limit int) tea.Msg {
	var body struct {
		Invocations []history.Record `json:"invocations"`
	}
	path := "/invocations?limit=" + strconv.Itoa(limit)
	if err := c.getJSON(path, &body); err != nil {
		if errors.Is(err, errNotFound) {
			return invocationsMsg(nil)
		}
		return errMsg(err)
	}
	return invocationsMsg(body.Invocations)
}

func (c client) cancelInvocation(id string) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest(http.MethodDelete, "/invocations/"+url.PathEscape(id))
		if err != nil {
			return errMsg(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusAccepted:
			return cancelledMsg{id: id, cancelled: true}
		case http.StatusNotFound:
			return cancelledMsg{id: id}
		default:
			return errMsg(fmt.Errorf("cancel %s: %s", shortID(id), resp.Status))
		}
	}
}
