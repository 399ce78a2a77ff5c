// Package console is a chat transport over a terminal: each stdin line is a
// chat message and replies are printed as "[channel] text".
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/shellbot/internal/bot"
)

// Transport is the bot transport name for the console.
const Transport = "console"

// maxLineBytes bounds one input line.
const maxLineBytes = 64 * 1024

// ErrClosed is returned by SendLine after the console stopped.
var ErrClosed = errors.New("console closed")

// MessageHandler receives typed lines. *bot.Bot satisfies it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg bot.Message) (bot.Result, error)
}

// Config names the chat identity of the terminal user.
type Config struct {
	Channel string
	Sender  string
}

// Console reads lines from in and writes replies to out. Writes go through
// one goroutine so lines from concurrent invocations never interleave.
type Console struct {
	cfg     Config
	in      io.Reader
	out     io.Writer
	handler MessageHandler
	logger  *slog.Logger

	lines chan string
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func New(cfg Config, in io.Reader, out io.Writer, handler MessageHandler, logger *slog.Logger) *Console {
	if cfg.Channel == "" {
		cfg.Channel = "console"
	}
	if cfg.Sender == "" {
		cfg.Sender = "console"
	}
	c := &Console{
		cfg:     cfg,
		in:      in,
		out:     out,
		handler: handler,
		logger:  logger,
		lines:   make(chan string, 64),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// SendLine implements bot.Channel.
func (c *Console) SendLine(ctx context.Context, channel, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.lines <- fmt.Sprintf("[%s] %s\n", channel, text):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run reads input until EOF or ctx is done. It returns nil on EOF so the
// caller can shut down once stdin closes.
func (c *Console) Run(ctx context.Context) error {
	scanErr := make(chan error, 1)
	input := make(chan string)
	go func() {
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 4096), maxLineBytes)
		for sc.Scan() {
			select {
			case input <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("read console input: %w", err)
			}
			return nil
		case line := <-input:
			c.handle(ctx, line)
		}
	}
}

func (c *Console) handle(ctx context.Context, line string) {
	res, err := c.handler.HandleMessage(ctx, bot.Message{
		Transport: Transport,
		Sender:    c.cfg.Sender,
		Channel:   c.cfg.Channel,
		Text:      line,
	})
	if err != nil {
		c.logger.Error("console message failed", "error", err)
		return
	}
	if res.Action == bot.ActionStarted {
		c.logger.Debug("console command started", "invocation_id", res.InvocationID)
	}
}

func (c *Console) writeLoop() {
	defer close(c.done)
	for line := range c.lines {
		if _, err := io.WriteString(c.out, line); err != nil {
			c.logger.Warn("console write failed", "error", err)
		}
	}
}

// Close stops accepting replies and waits until queued ones are written.
// Call it after the bot has shut down.
func (c *Console) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.lines)
	}
	c.mu.Unlock()
	<-c.done
}
