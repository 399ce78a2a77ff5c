package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrReplyQueueFull is returned by SendLine when the sender is behind.
	ErrReplyQueueFull = errors.New("reply queue full")
	// ErrReplierClosed is returned by SendLine after Close.
	ErrReplierClosed = errors.New("replier closed")
)

// Replier posts reply lines to the chat system. It implements bot.Channel.
// One goroutine sends, so lines arrive in the order they were queued.
type Replier struct {
	url     string
	secret  string
	header  string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
	queue   chan Reply
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	started bool
}

// NewReplier creates a Replier for config.ReplyURL. Start must be called to
// begin sending.
func NewReplier(config Config, logger *slog.Logger) *Replier {
	timeout := config.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	size := config.ReplyQueue
	if size <= 0 {
		size = DefaultReplyQueue
	}
	header := config.SignatureHeader
	if header == "" {
		header = DefaultSignatureHeader
	}
	return &Replier{
		url:    config.ReplyURL,
		secret: config.ReplySecret,
		header: header,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
		queue:  make(chan Reply, size),
		done:   make(chan struct{}),
	}
}

// SendLine queues one line. It never blocks on the network.
func (r *Replier) SendLine(_ context.Context, channel, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrReplierClosed
	}
	select {
	case r.queue <- Reply{Channel: channel, Text: text, SentAt: r.now().UTC()}:
		return nil
	default:
		return ErrReplyQueueFull
	}
}

// Start launches the sender. It sends queued lines until Close has been
// called and the queue is empty, or ctx is done. Calls after the first do
// nothing.
func (r *Replier) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.run(ctx)
}

func (r *Replier) run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			if n := len(r.queue); n > 0 {
				r.logger.Warn("dropping unsent replies", "count", n)
			}
			return
		case reply, ok := <-r.queue:
			if !ok {
				return
			}
			if err := r.post(ctx, reply); err != nil {
				r.logger.Warn("reply delivery failed", "channel", reply.Channel, "error", err)
			}
		}
	}
}

// Close stops accepting lines and waits for the queue to drain or ctx to
// end.
func (r *Replier) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replier) post(ctx context.Context, reply Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		req.Header.Set(r.header, Sign(body, r.secret))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("reply endpoint returned %s", resp.Status)
	}
	return nil
}
