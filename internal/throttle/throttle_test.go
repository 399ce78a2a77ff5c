package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shellbot/internal/log"
	"github.com/mattjoyce/shellbot/internal/output"
)

func TestLimiter_BurstThenPaces(t *testing.T) {
	l := NewLimiter(3, 200*time.Millisecond)
	defer l.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		d, err := l.Wait(ctx)
		require.NoError(t, err)
		assert.Less(t, d, 50*time.Millisecond)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	d, err := l.Wait(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
	assert.Greater(t, d, 100*time.Millisecond)
}

func TestLimiter_SlidingWindowAcrossCallers(t *testing.T) {
	const rate = 4
	window := 150 * time.Millisecond
	l := NewLimiter(rate, window)
	defer l.Close()

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Wait(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, times, 12)
	for i := range times {
		inWindow := 0
		for j := range times {
			if !times[j].Before(times[i]) && times[j].Sub(times[i]) < window-20*time.Millisecond {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, rate)
	}
}

func TestLimiter_CancelledWaiterDoesNotUseSlot(t *testing.T) {
	l := NewLimiter(1, 300*time.Millisecond)
	defer l.Close()

	_, err := l.Wait(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The next waiter gets the slot freed by the first grant.
	start := time.Now()
	_, err = l.Wait(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		d, err := l.Wait(context.Background())
		require.NoError(t, err)
		assert.Zero(t, d)
	}
	l.Close()
	_, err := l.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLimiter_CloseReleasesWaiters(t *testing.T) {
	l := NewLimiter(1, time.Hour)
	_, err := l.Wait(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := l.Wait(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	l.Close()
	l.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

type recorder struct {
	mu     sync.Mutex
	chunks []output.Chunk
	fail   func(output.Chunk) bool
	block  chan struct{}
}

func (r *recorder) deliver(_ context.Context, c output.Chunk) error {
	if r.block != nil {
		<-r.block
	}
	if r.fail != nil && r.fail(c) {
		return errors.New("sink down")
	}
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.chunks))
	for _, c := range r.chunks {
		out = append(out, c.Text)
	}
	return out
}

func TestOutbox_DeliversInOrderWithFinal(t *testing.T) {
	rec := &recorder{}
	o := NewOutbox(context.Background(), nil, 8, rec.deliver, log.NewNop())

	for i, s := range []string{"a", "bb", "ccc"} {
		require.NoError(t, o.Admit(output.Chunk{Seq: i + 1, Text: s}))
	}
	o.CloseWith(output.Chunk{Seq: 4, Text: "exit 0", Final: true})
	st := o.Wait()

	assert.Equal(t, []string{"a", "bb", "ccc", "exit 0"}, rec.texts())
	assert.Equal(t, 4, st.Chunks)
	assert.Equal(t, 12, st.Bytes)
	assert.ErrorIs(t, o.Admit(output.Chunk{Text: "late"}), ErrClosed)
}

func TestOutbox_OverflowWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	o := NewOutbox(context.Background(), nil, 2, rec.deliver, log.NewNop())

	// The delivery goroutine may already hold one chunk, so up to three fit.
	var overflowed bool
	for i := 0; i < 5; i++ {
		if err := o.Admit(output.Chunk{Seq: i + 1, Text: "x"}); err != nil {
			assert.ErrorIs(t, err, ErrOverflow)
			overflowed = true
		}
	}
	assert.True(t, overflowed)

	o.CloseWith(output.Chunk{Text: "...output truncated", Final: true})
	close(rec.block)
	o.Wait()

	got := rec.texts()
	require.NotEmpty(t, got)
	assert.Equal(t, "...output truncated", got[len(got)-1])
	assert.LessOrEqual(t, len(got), 4)
}

func TestOutbox_SinkErrorsDoNotStopDelivery(t *testing.T) {
	rec := &recorder{fail: func(c output.Chunk) bool { return c.Seq == 2 }}
	o := NewOutbox(context.Background(), nil, 8, rec.deliver, log.NewNop())
	for i := 1; i <= 3; i++ {
		require.NoError(t, o.Admit(output.Chunk{Seq: i, Text: "l"}))
	}
	o.Close()
	st := o.Wait()

	assert.Equal(t, 2, st.Chunks)
	assert.Equal(t, 1, st.SinkErrors)
}

func TestOutbox_PacedByLimiter(t *testing.T) {
	l := NewLimiter(2, 100*time.Millisecond)
	defer l.Close()

	rec := &recorder{}
	o := NewOutbox(context.Background(), l, 8, rec.deliver, log.NewNop())
	start := time.Now()
	for i := 1; i <= 5; i++ {
		require.NoError(t, o.Admit(output.Chunk{Seq: i, Text: "x"}))
	}
	o.Close()
	st := o.Wait()

	assert.Equal(t, 5, st.Chunks)
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
	assert.Greater(t, st.Delay, time.Duration(0))
}

func TestOutbox_DropsAfterContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	o := NewOutbox(ctx, nil, 8, rec.deliver, log.NewNop())
	cancel()
	require.NoError(t, o.Admit(output.Chunk{Seq: 1, Text: "x"}))
	o.Close()
	st := o.Wait()

	assert.Equal(t, 0, st.Chunks)
	assert.Equal(t, 1, st.Dropped)
}

func TestBudget(t *testing.T) {
	b := NewBudget(10)
	require.NoError(t, b.Admit(6))
	err := b.Admit(5)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, 6, b.Used())
	require.NoError(t, b.Admit(4))
	assert.ErrorIs(t, b.Admit(1), ErrLimitExceeded)

	unlimited := NewBudget(0)
	assert.NoError(t, unlimited.Admit(1<<30))
}
