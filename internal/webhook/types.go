package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/shellbot/internal/bot"
)

// Transport is the bot transport name for webhook messages.
const Transport = "webhook"

// MessageHandler receives verified chat lines. *bot.Bot satisfies it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg bot.Message) (bot.Result, error)
}

// Config holds webhook bridge configuration.
type Config struct {
	Listen          string
	Path            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64

	ReplyURL     string
	ReplySecret  string
	ReplyTimeout time.Duration
	ReplyQueue   int
}

// InboundMessage is the JSON body of an inbound chat line.
type InboundMessage struct {
	Sender  string `json:"sender"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Private bool   `json:"private,omitempty"`
}

// AcceptedResponse is returned when a message started a command.
type AcceptedResponse struct {
	InvocationID string `json:"invocation_id"`
}

// HandledResponse is returned for every other message.
type HandledResponse struct {
	Action    bot.Action `json:"action"`
	Ignored   bool       `json:"ignored,omitempty"`
	Cancelled int        `json:"cancelled,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Reply is the JSON body posted to reply_url for each outbound line.
type Reply struct {
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
	SentAt  time.Time `json:"sent_at"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 64 * 1024
	DefaultSignatureHeader = "X-Shellbot-Signature"
	DefaultPath            = "/chat"
	DefaultReplyTimeout    = 10 * time.Second
	DefaultReplyQueue      = 256
)
