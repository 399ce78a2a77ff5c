package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/shellbot/internal/bot"
	"github.com/mattjoyce/shellbot/internal/history"
	"github.com/mattjoyce/shellbot/internal/supervisor"
)

const maxMessageBytes = 64 << 10

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:            "ok",
		Version:           s.config.Version,
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		ActiveInvocations: len(s.bot.Active()),
		EventSubscribers:  s.events.Subscribers(),
		LastEventID:       s.events.LastID(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handlePostMessage handles POST /messages. The text goes through the same
// trigger parsing as any chat line; replies arrive as chat.line events.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Sender) == "" {
		s.writeError(w, http.StatusBadRequest, "sender is required")
		return
	}
	if strings.TrimSpace(req.Channel) == "" {
		s.writeError(w, http.StatusBadRequest, "channel is required")
		return
	}

	res, err := s.bot.HandleMessage(r.Context(), bot.Message{
		Transport: Transport,
		Sender:    req.Sender,
		Channel:   req.Channel,
		Text:      req.Text,
		Private:   req.Private,
	})
	if err != nil {
		s.logger.Error("failed to handle message", "channel", req.Channel, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to handle message")
		return
	}

	status := http.StatusOK
	resp := MessageResponse{Result: res}
	switch res.Action {
	case bot.ActionStarted:
		status = http.StatusAccepted
		resp.Events = "/events"
	case bot.ActionRejected:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleListInvocations handles GET /invocations.
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		Requester:   q.Get("requester"),
		Channel:     q.Get("channel"),
		State:       supervisor.State(q.Get("state")),
		Fingerprint: q.Get("fingerprint"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	records, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list invocations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}
	respondJSON(w, http.StatusOK, InvocationListResponse{Invocations: records})
}

// handleGetInvocation handles GET /invocations/{id}.
func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}
	id := chi.URLParam(r, "id")

	detail, err := s.history.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "invocation not found")
			return
		}
		s.logger.Error("failed to retrieve invocation", "invocation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve invocation")
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// handleCancelInvocation handles DELETE /invocations/{id}.
func (s *Server) handleCancelInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.bot.Cancel(id) {
		s.writeError(w, http.StatusNotFound, "invocation is not running")
		return
	}
	s.logger.Info("invocation cancelled via API", "invocation_id", id)
	respondJSON(w, http.StatusAccepted, CancelResponse{ID: id, Cancelled: true})
}

// handleActive handles GET /active.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	active := s.bot.Active()
	if active == nil {
		active = []bot.ActiveInvocation{}
	}
	respondJSON(w, http.StatusOK, ActiveResponse{Active: active})
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
