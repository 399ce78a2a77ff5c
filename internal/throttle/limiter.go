// Package throttle bounds how fast and how much command output reaches a
// chat channel.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Wait after the Limiter has been closed.
var ErrClosed = errors.New("throttle: closed")

// Limiter grants at most Rate sends per sliding Interval across every
// invocation. One goroutine owns the window; callers only exchange
// messages with it, so there is no lock to contend on.
type Limiter struct {
	rate     int
	interval time.Duration

	reqs      chan *grantRequest
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type grantRequest struct {
	ctx      context.Context
	enqueued time.Time
	grant    chan time.Duration // buffered; the owner never blocks on it
}

// NewLimiter starts a Limiter. A non-positive rate or interval disables
// limiting.
func NewLimiter(rate int, interval time.Duration) *Limiter {
	l := &Limiter{
		rate:     rate,
		interval: interval,
		reqs:     make(chan *grantRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Limiter) unlimited() bool {
	return l.rate <= 0 || l.interval <= 0
}

// Wait blocks until a send slot is granted and returns how long the caller
// was held back. Waiters are served in arrival order. A waiter whose ctx is
// done gives up without using a slot.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if l.unlimited() {
		select {
		case <-l.done:
			return 0, ErrClosed
		default:
			return 0, nil
		}
	}

	req := &grantRequest{ctx: ctx, enqueued: time.Now(), grant: make(chan time.Duration, 1)}
	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-l.done:
		return 0, ErrClosed
	}

	select {
	case d := <-req.grant:
		return d, nil
	case <-ctx.Done():
		// A grant may have landed at the same instant.
		select {
		case d := <-req.grant:
			return d, nil
		default:
		}
		return 0, ctx.Err()
	case <-l.done:
		return 0, ErrClosed
	}
}

// Close stops the owner goroutine. Pending and future waiters get ErrClosed.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.quit) })
	<-l.done
}

func (l *Limiter) run() {
	defer close(l.done)

	var (
		queue  []*grantRequest
		grants []time.Time
	)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		var wake <-chan time.Time
		for len(queue) > 0 {
			head := queue[0]
			if head.ctx.Err() != nil {
				queue = queue[1:]
				continue
			}
			now := time.Now()
			grants = prune(grants, now.Add(-l.interval))
			if len(grants) < l.rate {
				grants = append(grants, now)
				head.grant <- now.Sub(head.enqueued)
				queue = queue[1:]
				continue
			}
			timer.Reset(grants[0].Add(l.interval).Sub(now))
			wake = timer.C
			break
		}

		select {
		case req := <-l.reqs:
			queue = append(queue, req)
		case <-wake:
		case <-l.quit:
			timer.Stop()
			return
		}
		if wake != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// prune drops grant times at or before cutoff. grants is ordered oldest first.
func prune(grants []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(grants) && !grants[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return grants
	}
	return append(grants[:0], grants[i:]...)
}
