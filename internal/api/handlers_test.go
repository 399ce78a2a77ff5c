package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/shellbot/internal/auth"
	"github.com/mattjoyce/shellbot/internal/bot"
	"github.com/mattjoyce/shellbot/internal/events"
	"github.com/mattjoyce/shellbot/internal/history"
	"github.com/mattjoyce/shellbot/internal/supervisor"
)

// mockBot implements Dispatcher for testing
type mockBot struct {
	mu       sync.Mutex
	messages []bot.Message

	handleFunc func(ctx context.Context, msg bot.Message) (bot.Result, error)
	active     []bot.ActiveInvocation
	cancelled  []string
}

func (m *mockBot) HandleMessage(ctx context.Context, msg bot.Message) (bot.Result, error) {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	if m.handleFunc != nil {
		return m.handleFunc(ctx, msg)
	}
	return bot.Result{Action: bot.ActionIgnored}, nil
}

func (m *mockBot) Active() []bot.ActiveInvocation { return m.active }

func (m *mockBot) Cancel(id string) bool {
	for _, a := range m.active {
		if a.ID == id {
			m.cancelled = append(m.cancelled, id)
			return true
		}
	}
	return false
}

// mockHistory implements HistoryReader for testing
type mockHistory struct {
	listFunc func(ctx context.Context, f history.Filter) ([]history.Record, error)
	getFunc  func(ctx context.Context, id string) (*history.Detail, error)
}

func (m *mockHistory) List(ctx context.Context, f history.Filter) ([]history.Record, error) {
	return m.listFunc(ctx, f)
}

func (m *mockHistory) Get(ctx context.Context, id string) (*history.Detail, error) {
	return m.getFunc(ctx, id)
}

func newTestServer(b *mockBot, h HistoryReader) *Server {
	config := Config{
		Listen:  "localhost:8080",
		APIKey:  "test-key-123",
		Version: "1.2.3",
		Tokens:  []auth.TokenConfig{
			{Token: "reader", Scopes: []string{auth.ScopeInvocationsRead}},
			{Token: "poster", Scopes: []string{auth.ScopeMessagesWrite}},
		},
	}
	return New(config, b, h, events.NewHub(16), slog.Default())
}

func do(t *testing.T, s *Server, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	b := &mockBot{active: []bot.ActiveInvocation{{ID: "a"}, {ID: "b"}}}
	server := newTestServer(b, nil)
	server.events.Publish(events.ChatLine, nil)

	rr := do(t, server, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp HealthzResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %q", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Fatalf("expected version 1.2.3, got %q", resp.Version)
	}
	if resp.ActiveInvocations != 2 {
		t.Fatalf("expected active_invocations 2, got %d", resp.ActiveInvocations)
	}
	if resp.LastEventID != 1 {
		t.Fatalf("expected last_event_id 1, got %d", resp.LastEventID)
	}
}

func TestAuth_RejectsMissingAndUnknownTokens(t *testing.T) {
	server := newTestServer(&mockBot{}, nil)

	if rr := do(t, server, http.MethodGet, "/active", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rr.Code)
	}
	rr := do(t, server, http.MethodGet, "/active", "wrong", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown token: expected 401, got %d", rr.Code)
	}
	var resp ErrorResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Error != "invalid API key" {
		t.Fatalf("unexpected error body %q", resp.Error)
	}
}

func TestAuth_ScopesAreEnforced(t *testing.T) {
	b := &mockBot{
		handleFunc: func(ctx context.Context, msg bot.Message) (bot.Result, error) {
			t.Fatalf("bot should not be called for a forbidden request")
			return bot.Result{}, nil
		},
	}
	server := newTestServer(b, nil)

	cases := []struct {
		method, target, token, body string
		want                        int
	}{
		{http.MethodPost, "/messages", "reader", `{"sender":"a","channel":"c","text":"!$ ls"}`, http.StatusForbidden},
		{http.MethodDelete, "/invocations/x", "reader", "", http.StatusForbidden},
		{http.MethodGet, "/events", "reader", "", http.StatusForbidden},
		{http.MethodGet, "/active", "poster", "", http.StatusForbidden},
		{http.MethodGet, "/active", "reader", "", http.StatusOK},
	}
	for _, tc := range cases {
		rr := do(t, server, tc.method, tc.target, tc.token, tc.body)
		if rr.Code != tc.want {
			t.Errorf("%s %s as %s: expected %d, got %d", tc.method, tc.target, tc.token, tc.want, rr.Code)
		}
	}
}

func TestHandlePostMessage_Started(t *testing.T) {
	b := &mockBot{
		handleFunc: func(ctx context.Context, msg bot.Message) (bot.Result, error) {
			return bot.Result{Action: bot.ActionStarted, InvocationID: "inv-1"}, nil
		},
	}
	server := newTestServer(b, nil)

	rr := do(t, server, http.MethodPost, "/messages", "poster", `{"sender":"alice","channel":"#ops","text":"!$ uptime"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["invocation_id"] != "inv-1" || resp["action"] != "started" || resp["events"] != "/events" {
		t.Fatalf("unexpected response %v", resp)
	}

	if len(b.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(b.messages))
	}
	got := b.messages[0]
	if got.Transport != Transport || got.Sender != "alice" || got.Channel != "#ops" || got.Text != "!$ uptime" {
		t.Fatalf("unexpected message %#v", got)
	}
}

func TestHandlePostMessage_Outcomes(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		result bot.Result
		err    error
		want   int
	}{
		{name: "ignored", body: `{"sender":"a","channel":"c","text":"hello"}`, result: bot.Result{Action: bot.ActionIgnored}, want: http.StatusOK},
		{name: "cancel", body: `{"sender":"a","channel":"c","text":"!cancel"}`, result: bot.Result{Action: bot.ActionCancel, Cancelled: 1}, want: http.StatusOK},
		{name: "rejected", body: `{"sender":"a","channel":"c","text":"!$ ls"}`, result: bot.Result{Action: bot.ActionRejected, Reason: "busy"}, want: http.StatusServiceUnavailable},
		{name: "bot error", body: `{"sender":"a","channel":"c","text":"!$ ls"}`, err: errors.New("boom"), want: http.StatusInternalServerError},
		{name: "bad json", body: `{"sender":`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"sender":"a","channel":"c","text":"x","cmd":"rm"}`, want: http.StatusBadRequest},
		{name: "no sender", body: `{"channel":"c","text":"!$ ls"}`, want: http.StatusBadRequest},
		{name: "no channel", body: `{"sender":"a","text":"!$ ls"}`, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &mockBot{
				handleFunc: func(ctx context.Context, msg bot.Message) (bot.Result, error) {
					return tc.result, tc.err
				},
			}
			rr := do(t, newTestServer(b, nil), http.MethodPost, "/messages", "test-key-123", tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestHandleListInvocations(t *testing.T) {
	var got history.Filter
	h := &mockHistory{
		listFunc: func(ctx context.Context, f history.Filter) ([]history.Record, error) {
			got = f
			return []history.Record{{Report: supervisor.Report{ID: "a", State: supervisor.StateCompleted}}}, nil
		},
	}
	server := newTestServer(&mockBot{}, h)

	rr := do(t, server, http.MethodGet, "/invocations?requester=alice&state=timed_out&limit=5&since=2026-01-02T03:04:05Z", "reader", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Requester != "alice" || got.State != supervisor.StateTimedOut || got.Limit != 5 {
		t.Fatalf("unexpected filter %#v", got)
	}
	if want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC); !got.Since.Equal(want) {
		t.Fatalf("since = %v, want %v", got.Since, want)
	}

	var resp InvocationListResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Invocations) != 1 || resp.Invocations[0].ID != "a" {
		t.Fatalf("unexpected response %#v", resp)
	}

	for _, bad := range []string{"/invocations?limit=0", "/invocations?limit=x", "/invocations?since=yesterday"} {
		if rr := do(t, server, http.MethodGet, bad, "reader", ""); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", bad, rr.Code)
		}
	}
}

func TestHandleInvocations_HistoryDisabled(t *testing.T) {
	server := newTestServer(&mockBot{}, nil)
	if rr := do(t, server, http.MethodGet, "/invocations", "reader", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := do(t, server, http.MethodGet, "/invocations/x", "reader", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleGetInvocation(t *testing.T) {
	h := &mockHistory{
		getFunc: func(ctx context.Context, id string) (*history.Detail, error) {
			switch id {
			case "known":
				return &history.Detail{Record: history.Record{Report: supervisor.Report{ID: id, Command: "uptime"}, Finished: true}}, nil
			case "broken":
				return nil, errors.New("disk on fire")
			}
			return nil, history.ErrNotFound
		},
	}
	server := newTestServer(&mockBot{}, h)

	rr := do(t, server, http.MethodGet, "/invocations/known", "reader", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var detail history.Detail
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.ID != "known" || detail.Command != "uptime" || !detail.Finished {
		t.Fatalf("unexpected detail %#v", detail)
	}

	if rr := do(t, server, http.MethodGet, "/invocations/missing", "reader", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = do(t, server, http.MethodGet, "/invocations/broken", "reader", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "disk on fire") {
		t.Fatal("internal error text leaked to the client")
	}
}

func TestHandleCancelInvocation(t *testing.T) {
	b := &mockBot{active: []bot.ActiveInvocation{{ID: "running"}}}
	server := newTestServer(b, nil)

	rr := do(t, server, http.MethodDelete, "/invocations/running", "test-key-123", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if len(b.cancelled) != 1 || b.cancelled[0] != "running" {
		t.Fatalf("unexpected cancels %v", b.cancelled)
	}
	if rr := do(t, server, http.MethodDelete, "/invocations/gone", "test-key-123", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleActive_EmptyIsArray(t *testing.T) {
	rr := do(t, newTestServer(&mockBot{}, nil), http.MethodGet, "/active", "reader", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"active":[]`) {
		t.Fatalf("expected empty array, got %s", rr.Body.String())
	}
}

func TestChannel_PublishesChatLines(t *testing.T) {
	server := newTestServer(&mockBot{}, nil)
	if err := server.Channel().SendLine(context.Background(), "#ops", "exit 0"); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	evs := server.events.SnapshotSince(0)
	if len(evs) != 1 || evs[0].Type != events.ChatLine {
		t.Fatalf("unexpected events %#v", evs)
	}
	var line ChatLine
	if err := json.Unmarshal(evs[0].Data, &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line != (ChatLine{Transport: Transport, Channel: "#ops", Text: "exit 0"}) {
		t.Fatalf("unexpected chat line %#v", line)
	}
}

func TestHandleOpenAPI(t *testing.T) {
	rr := do(t, newTestServer(&mockBot{}, nil), http.MethodGet, "/openapi.json", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var doc map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/messages", "/invocations", "/invocations/{id}", "/active", "/events"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("path %s missing from document", p)
		}
	}
}

func TestHandleEvents_ReplaysAndStreams(t *testing.T) {
	server := newTestServer(&mockBot{}, nil)
	server.events.Publish(events.InvocationStarted, map[string]string{"id": "1"})
	server.events.Publish(events.ChatLine, map[string]string{"text": "skip me"})
	server.events.Publish(events.InvocationFinished, map[string]string{"id": "1"})

	ts := httptest.NewServer(server.setupRoutes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?types=invocation.", nil)
	req.Header.Set("Authorization", "Bearer test-key-123")
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatal("stream closed early")
				}
				if strings.HasPrefix(l, "event: ") {
					return strings.TrimPrefix(l, "event: ")
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for event")
			}
		}
	}

	// Event 1 is before Last-Event-ID and event 2 is filtered out.
	if got := next(); got != events.InvocationFinished {
		t.Fatalf("first replayed event = %q", got)
	}

	server.events.Publish(events.ChatLine, map[string]string{"text": "filtered"})
	server.events.Publish(events.InvocationState, map[string]string{"to": "running"})
	if got := next(); got != events.InvocationState {
		t.Fatalf("live event = %q", got)
	}
}

func TestTypeMatcher(t *testing.T) {
	all := typeMatcher("")
	if !all("anything") {
		t.Fatal("empty spec should match everything")
	}
	m := typeMatcher(" chat.line , invocation.finished")
	if !m(events.ChatLine) || !m(events.InvocationFinished) || m(events.InvocationStarted) {
		t.Fatal("prefix matching is wrong")
	}
}
