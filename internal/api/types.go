package api

import (
	"github.com/mattjoyce/shellbot/internal/bot"
	"github.com/mattjoyce/shellbot/internal/history"
)

// MessageRequest is the JSON body for POST /messages.
type MessageRequest struct {
	Sender  string `json:"sender"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Private bool   `json:"private,omitempty"`
}

// MessageResponse is returned by POST /messages.
type MessageResponse struct {
	bot.Result
	// Events is the path to follow for replies on this channel.
	Events string `json:"events,omitempty"`
}

// InvocationListResponse is returned by GET /invocations.
type InvocationListResponse struct {
	Invocations []history.Record `json:"invocations"`
}

// ActiveResponse is returned by GET /active.
type ActiveResponse struct {
	Active []bot.ActiveInvocation `json:"active"`
}

// CancelResponse is returned by DELETE /invocations/{id}.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// ChatLine is the payload of a chat.line event.
type ChatLine struct {
	Transport string `json:"transport"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version,omitempty"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ActiveInvocations int    `json:"active_invocations"`
	EventSubscribers  int    `json:"event_subscribers"`
	LastEventID       int64  `json:"last_event_id"`
}
