// Package bot turns chat messages into supervised shell invocations.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/shellbot/internal/events"
	"github.com/mattjoyce/shellbot/internal/log"
	"github.com/mattjoyce/shellbot/internal/output"
	"github.com/mattjoyce/shellbot/internal/supervisor"
)

//go:generate mockgen -destination=mocks/mock_bot.go -package=mocks github.com/mattjoyce/shellbot/internal/bot Channel,Executor

// Channel is the outbound side of a chat transport.
type Channel interface {
	SendLine(ctx context.Context, channel, text string) error
}

// Executor runs one invocation. *supervisor.Supervisor satisfies it.
type Executor interface {
	Run(ctx context.Context, req supervisor.Request, sink supervisor.Sink) supervisor.Report
}

// Publisher receives bot events. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Message is one inbound chat line.
type Message struct {
	Transport string `json:"transport"`
	Sender    string `json:"sender"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	Private   bool   `json:"private,omitempty"`
}

// Action is what the bot did with a message.
type Action string

const (
	ActionIgnored  Action = "ignored"
	ActionStarted  Action = "started"
	ActionCancel   Action = "cancel"
	ActionRejected Action = "rejected"
)

// Result describes how a message was handled.
type Result struct {
	Action       Action `json:"action"`
	InvocationID string `json:"invocation_id,omitempty"`
	Cancelled    int    `json:"cancelled,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrShuttingDown     = errors.New("bot is shutting down")
	ErrBusy             = errors.New("too many commands running")
)

// Config controls trigger parsing and access.
type Config struct {
	Prefix        string
	CancelCommand string
	AllowPrivate  bool
	Admins        []string
	RunAs         string
	MaxConcurrent int // zero is unlimited
}

const (
	DefaultPrefix        = "!$"
	DefaultCancelCommand = "!cancel"
)

// ActiveInvocation is a running invocation as seen from outside.
type ActiveInvocation struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Requester string    `json:"requester"`
	Channel   string    `json:"channel"`
	Transport string    `json:"transport"`
	StartedAt time.Time `json:"started_at"`
}

type activeEntry struct {
	info   ActiveInvocation
	cancel context.CancelFunc
}

// Bot dispatches each accepted message to its own goroutine so transports
// never wait on a command.
type Bot struct {
	cfg    Config
	exec   Executor
	events Publisher
	logger *slog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	closing  bool
	channels map[string]Channel
	active   map[string]*activeEntry
}

// Option configures a Bot.
type Option func(*Bot)

// WithEvents publishes rejected messages.
func WithEvents(p Publisher) Option {
	return func(b *Bot) { b.events = p }
}

// New creates a Bot that runs commands through exec.
func New(exec Executor, cfg Config, opts ...Option) *Bot {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.CancelCommand == "" {
		cfg.CancelCommand = DefaultCancelCommand
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		cfg:        cfg,
		exec:       exec,
		logger:     log.WithComponent("bot"),
		baseCtx:    ctx,
		cancelBase: cancel,
		channels:   make(map[string]Channel),
		active:     make(map[string]*activeEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register attaches the outbound side of a transport.
func (b *Bot) Register(transport string, ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[transport] = ch
}

// ParseTrigger returns the command text when text starts with prefix
// followed by a single space. Exactly that space is removed.
func ParseTrigger(prefix, text string) (string, bool) {
	rest, ok := strings.CutPrefix(text, prefix+" ")
	if !ok {
		return "", false
	}
	if strings.TrimSpace(rest) == "" {
		return "", false
	}
	return rest, true
}

// HandleMessage inspects msg and, if it is a command, starts it in the
// background. It returns as soon as the invocation is registered.
func (b *Bot) HandleMessage(ctx context.Context, msg Message) (Result, error) {
	b.mu.Lock()
	ch, ok := b.channels[msg.Transport]
	b.mu.Unlock()
	if !ok {
		return Result{Action: ActionIgnored}, fmt.Errorf("%w: %q", ErrUnknownTransport, msg.Transport)
	}
	if msg.Private && !b.cfg.AllowPrivate {
		return Result{Action: ActionIgnored, Reason: "private messages are disabled"}, nil
	}

	if arg, ok := b.parseCancel(msg.Text); ok {
		return b.handleCancel(ctx, ch, msg, arg), nil
	}

	command, ok := ParseTrigger(b.cfg.Prefix, msg.Text)
	if !ok {
		return Result{Action: ActionIgnored}, nil
	}
	b.logger.Info("command received", "transport", msg.Transport, "channel", msg.Channel, "sender", msg.Sender, "command", command)

	id, err := b.start(ch, msg, command)
	if err != nil {
		reason := err.Error()
		b.publish(events.InvocationRejected, map[string]any{
			"sender":  msg.Sender,
			"channel": msg.Channel,
			"command": command,
			"reason":  reason,
		})
		if errors.Is(err, ErrBusy) {
			b.reply(ctx, ch, msg.Channel, "Too many commands running, try again later.")
		}
		return Result{Action: ActionRejected, Reason: reason}, nil
	}
	return Result{Action: ActionStarted, InvocationID: id}, nil
}

func (b *Bot) start(ch Channel, msg Message, command string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return "", ErrShuttingDown
	}
	if b.cfg.MaxConcurrent > 0 && len(b.active) >= b.cfg.MaxConcurrent {
		return "", fmt.Errorf("%w: %d active", ErrBusy, len(b.active))
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(b.baseCtx)
	b.active[id] = &activeEntry{
		info: ActiveInvocation{
			ID:        id,
			Command:   command,
			Requester: msg.Sender,
			Channel:   msg.Channel,
			Transport: msg.Transport,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}

	req := supervisor.Request{
		ID:        id,
		Command:   command,
		Requester: msg.Sender,
		Channel:   msg.Channel,
		Transport: msg.Transport,
		RunAs:     b.cfg.RunAs,
	}
	sink := supervisor.SinkFunc(func(ctx context.Context, c output.Chunk) error {
		return ch.SendLine(ctx, msg.Channel, c.Text)
	})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.remove(id)
		defer cancel()
		b.exec.Run(ctx, req, sink)
	}()
	return id, nil
}

func (b *Bot) remove(id string) {
	b.mu.Lock()
	delete(b.active, id)
	b.mu.Unlock()
}

// Active returns running invocations, oldest first.
func (b *Bot) Active() []ActiveInvocation {
	b.mu.Lock()
	out := make([]ActiveInvocation, 0, len(b.active))
	for _, e := range b.active {
		out = append(out, e.info)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Cancel stops one invocation by exact ID.
func (b *Bot) Cancel(id string) bool {
	b.mu.Lock()
	e, ok := b.active[id]
	b.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// CancelMatching cancels the invocations selected by a cancel command arg:
// empty selects the sender's own in channel, "all" selects everything in
// channel (admins only), anything else is an ID prefix.
func (b *Bot) CancelMatching(sender, channel, arg string) int {
	admin := b.isAdmin(sender)

	b.mu.Lock()
	var targets []*activeEntry
	for id, e := range b.active {
		switch {
		case arg == "":
			if e.info.Requester == sender && e.info.Channel == channel {
				targets = append(targets, e)
			}
		case arg == "all":
			if admin && e.info.Channel == channel {
				targets = append(targets, e)
			}
		case strings.HasPrefix(id, arg):
			if admin || e.info.Requester == sender {
				targets = append(targets, e)
			}
		}
	}
	b.mu.Unlock()

	for _, e := range targets {
		e.cancel()
	}
	return len(targets)
}

func (b *Bot) parseCancel(text string) (string, bool) {
	cmd := b.cfg.CancelCommand
	if text == cmd {
		return "", true
	}
	arg, ok := strings.CutPrefix(text, cmd+" ")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(arg), true
}

func (b *Bot) handleCancel(ctx context.Context, ch Channel, msg Message, arg string) Result {
	if arg == "all" && !b.isAdmin(msg.Sender) {
		b.reply(ctx, ch, msg.Channel, "Only admins can cancel all commands.")
		return Result{Action: ActionCancel, Reason: "not an admin"}
	}
	n := b.CancelMatching(msg.Sender, msg.Channel, arg)
	b.logger.Info("cancel requested", "sender", msg.Sender, "channel", msg.Channel, "arg", arg, "cancelled", n)

	switch n {
	case 0:
		b.reply(ctx, ch, msg.Channel, "No matching commands running.")
	case 1:
		b.reply(ctx, ch, msg.Channel, "Cancelling 1 command.")
	default:
		b.reply(ctx, ch, msg.Channel, fmt.Sprintf("Cancelling %d commands.", n))
	}
	return Result{Action: ActionCancel, Cancelled: n}
}

func (b *Bot) isAdmin(sender string) bool {
	return slices.Contains(b.cfg.Admins, sender)
}

func (b *Bot) reply(ctx context.Context, ch Channel, channel, text string) {
	if err := ch.SendLine(context.WithoutCancel(ctx), channel, text); err != nil {
		b.logger.Warn("reply failed", "channel", channel, "error", err)
	}
}

func (b *Bot) publish(eventType string, data any) {
	if b.events != nil {
		b.events.Publish(eventType, data)
	}
}

// Shutdown stops accepting commands, cancels running ones and waits for
// their reports until ctx is done.
func (b *Bot) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()
	b.cancelBase()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
