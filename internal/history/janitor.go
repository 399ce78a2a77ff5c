package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/shellbot/internal/events"
)

// Janitor prunes finished invocations older than the retention window on a
// fixed interval.
type Janitor struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	events    *events.Hub
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJanitor returns a Janitor. hub may be nil.
func NewJanitor(store *Store, retention, interval time.Duration, hub *events.Hub, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		events:    hub,
		logger:    logger.With("component", "history_janitor"),
		stopCh:    make(chan struct{}),
	}
}

// Start prunes once and then keeps pruning every interval until Stop is
// called or ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	if j.retention <= 0 {
		j.logger.Info("history retention disabled, janitor not started")
		return
	}
	j.wg.Add(1)
	go j.loop(ctx)
}

// Stop ends the loop and waits for an in-flight prune.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	j.tick(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.tick(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	n, err := j.store.Prune(ctx, j.retention)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Warn("history prune failed", "error", err)
		}
		return
	}
	if n == 0 {
		return
	}
	j.logger.Info("pruned history", "deleted", n, "retention", j.retention)
	if j.events != nil {
		j.events.Publish(events.HistoryPruned, map[string]any{
			"deleted":   n,
			"retention": j.retention.String(),
		})
	}
}
