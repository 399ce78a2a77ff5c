package throttle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/shellbot/internal/output"
)

// ErrOverflow is returned by Admit when the outbox already holds
// MaxPending undelivered chunks.
var ErrOverflow = errors.New("throttle: outbox overflow")

// DefaultMaxPending bounds undelivered chunks per invocation.
const DefaultMaxPending = 64

// DeliverFunc sends one chunk to its destination.
type DeliverFunc func(ctx context.Context, c output.Chunk) error

// Stats summarizes an outbox's deliveries.
type Stats struct {
	Chunks     int
	Bytes      int
	Delay      time.Duration // total time spent waiting on the limiter
	SinkErrors int
	Dropped    int // admitted but never delivered because ctx ended
}

// Outbox is a per-invocation FIFO between the supervisor and the chat
// sink. Admit never blocks; a single goroutine delivers in order, pacing
// itself on the shared Limiter.
type Outbox struct {
	ctx     context.Context
	limiter *Limiter
	deliver DeliverFunc
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	final  *output.Chunk
	queue  chan output.Chunk

	stats Stats
	done  chan struct{}
}

// NewOutbox starts the delivery goroutine. A nil limiter delivers as fast
// as the sink accepts.
func NewOutbox(ctx context.Context, limiter *Limiter, maxPending int, deliver DeliverFunc, logger *slog.Logger) *Outbox {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Outbox{
		ctx:     ctx,
		limiter: limiter,
		deliver: deliver,
		logger:  logger,
		queue:   make(chan output.Chunk, maxPending),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// Admit queues c for delivery. It returns ErrOverflow when the queue is
// full and ErrClosed after Close.
func (o *Outbox) Admit(c output.Chunk) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.queue <- c:
		return nil
	default:
		return ErrOverflow
	}
}

// Pending reports how many chunks wait for delivery.
func (o *Outbox) Pending() int {
	return len(o.queue)
}

// Close stops admission. Already admitted chunks are still delivered.
func (o *Outbox) Close() {
	o.closeWith(nil)
}

// CloseWith stops admission and delivers final after every admitted chunk,
// regardless of the queue bound.
func (o *Outbox) CloseWith(final output.Chunk) {
	o.closeWith(&final)
}

func (o *Outbox) closeWith(final *output.Chunk) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.final = final
	close(o.queue)
}

// Wait blocks until the delivery goroutine has finished. It must follow
// Close or CloseWith.
func (o *Outbox) Wait() Stats {
	<-o.done
	return o.stats
}

func (o *Outbox) run() {
	defer close(o.done)
	for c := range o.queue {
		o.send(c)
	}
	o.mu.Lock()
	final := o.final
	o.mu.Unlock()
	if final != nil {
		o.send(*final)
	}
}

func (o *Outbox) send(c output.Chunk) {
	if o.ctx.Err() != nil {
		o.stats.Dropped++
		return
	}
	if o.limiter != nil {
		d, err := o.limiter.Wait(o.ctx)
		if err != nil {
			o.stats.Dropped++
			o.logger.Debug("chunk dropped", "seq", c.Seq, "error", err)
			return
		}
		o.stats.Delay += d
	}
	if err := o.deliver(o.ctx, c); err != nil {
		o.stats.SinkErrors++
		o.logger.Warn("deliver chunk failed", "seq", c.Seq, "error", err)
		return
	}
	o.stats.Chunks++
	o.stats.Bytes += len(c.Text)
}
