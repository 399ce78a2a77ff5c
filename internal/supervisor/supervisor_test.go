package supervisor

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shellbot/internal/events"
	"github.com/mattjoyce/shellbot/internal/log"
	"github.com/mattjoyce/shellbot/internal/output"
	"github.com/mattjoyce/shellbot/internal/runner"
	"github.com/mattjoyce/shellbot/internal/throttle"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type collector struct {
	mu     sync.Mutex
	chunks []output.Chunk
	err    error
}

func (c *collector) Send(_ context.Context, ch output.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.chunks = append(c.chunks, ch)
	return nil
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.chunks))
	for _, ch := range c.chunks {
		out = append(out, ch.Text)
	}
	return out
}

func (c *collector) all() []output.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]output.Chunk(nil), c.chunks...)
}

func testLimits() Limits {
	l := DefaultLimits()
	l.Timeout = 3 * time.Second
	l.Grace = 500 * time.Millisecond
	l.MaxLines = 0
	return l
}

func newTestSupervisor(opts ...Option) *Supervisor {
	r := &runner.Runner{PollInterval: 10 * time.Millisecond}
	return New(r, nil, append([]Option{WithLimits(testLimits())}, opts...)...)
}

func run(t *testing.T, s *Supervisor, cmd string, limits *Limits) (Report, *collector) {
	t.Helper()
	sink := &collector{}
	rep := s.Run(context.Background(), Request{Command: cmd, Requester: "alice", Channel: "#ops", Limits: limits}, sink)
	return rep, sink
}

func alive(pid int) bool {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	st, err := proc.Stat()
	return err == nil && st.State != "Z"
}

func assertSingleFinal(t *testing.T, chunks []output.Chunk) {
	t.Helper()
	finals := 0
	for i, c := range chunks {
		assert.Equal(t, i+1, c.Seq, "sequence numbers are contiguous")
		if c.Final {
			finals++
			assert.Equal(t, len(chunks)-1, i, "status line is last")
		}
	}
	assert.Equal(t, 1, finals)
}

func TestRun_EchoCompletes(t *testing.T) {
	rep, sink := run(t, newTestSupervisor(), "echo hello", nil)

	assert.Equal(t, StateCompleted, rep.State)
	require.NotNil(t, rep.ExitCode)
	assert.Equal(t, 0, *rep.ExitCode)
	assert.Equal(t, []string{"hello", "exit 0"}, sink.texts())
	assertSingleFinal(t, sink.all())
	assert.Equal(t, 2, rep.ChunksDelivered)
	assert.Equal(t, int64(6), rep.BytesRead)
	assert.Equal(t, "alice", rep.Requester)
	assert.NotEmpty(t, rep.ID)
	assert.False(t, rep.EndedAt.Before(rep.StartedAt))
}

func TestRun_ExitCodeReported(t *testing.T) {
	rep, sink := run(t, newTestSupervisor(), "echo oops 1>&2; exit 3", nil)

	assert.Equal(t, StateCompleted, rep.State)
	require.NotNil(t, rep.ExitCode)
	assert.Equal(t, 3, *rep.ExitCode)
	assert.Equal(t, []string{"oops", "exit 3"}, sink.texts())
}

func TestRun_NoOutput(t *testing.T) {
	rep, sink := run(t, newTestSupervisor(), "true", nil)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, []string{"Command produced no output. (exit 0)"}, sink.texts())
}

func TestRun_CommandNotFoundIsCompleted(t *testing.T) {
	rep, sink := run(t, newTestSupervisor(), "definitely-not-a-command-xyz", nil)

	assert.Equal(t, StateCompleted, rep.State)
	require.NotNil(t, rep.ExitCode)
	assert.Equal(t, 127, *rep.ExitCode)
	texts := sink.texts()
	assert.Equal(t, "exit 127", texts[len(texts)-1])
}

func TestRun_Timeout(t *testing.T) {
	l := testLimits()
	l.Timeout = 300 * time.Millisecond
	l.Grace = 200 * time.Millisecond

	start := time.Now()
	rep, sink := run(t, newTestSupervisor(), "echo before; sleep 999", &l)

	assert.Equal(t, StateTimedOut, rep.State)
	assert.Nil(t, rep.ExitCode)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, []string{"before", "Command timed out after 300ms."}, sink.texts())
	assertSingleFinal(t, sink.all())
}

func TestRun_TimeoutEscalatesToKill(t *testing.T) {
	l := testLimits()
	l.Timeout = 200 * time.Millisecond
	l.Grace = 200 * time.Millisecond

	rep, sink := run(t, newTestSupervisor(), "trap '' TERM; echo $$; while :; do sleep 0.05; done", &l)

	assert.Equal(t, StateTimedOut, rep.State)
	texts := sink.texts()
	require.NotEmpty(t, texts)
	pid, err := strconv.Atoi(texts[0])
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !alive(pid) }, 2*time.Second, 20*time.Millisecond)
}

func TestRun_InfiniteOutputOverflows(t *testing.T) {
	l := testLimits()
	l.MaxOutputBytes = 1024

	// Lines long enough that the byte budget trips before the outbox fills.
	rep, sink := run(t, newTestSupervisor(), "yes 0123456789012345678901234567890123456789", &l)

	assert.Equal(t, StateOverflowed, rep.State)
	assert.True(t, rep.Truncated)
	assert.Contains(t, rep.TruncateReason, throttle.ErrLimitExceeded.Error())

	chunks := sink.all()
	assertSingleFinal(t, chunks)
	delivered := 0
	for _, c := range chunks[:len(chunks)-1] {
		delivered += len(c.Text)
	}
	assert.LessOrEqual(t, delivered, 1024)
	assert.True(t, strings.HasPrefix(chunks[len(chunks)-1].Text, "...output truncated:"))
}

func TestRun_LongLineIsSplit(t *testing.T) {
	rep, sink := run(t, newTestSupervisor(), `printf '%600s\n' '' | tr ' ' x`, nil)

	assert.Equal(t, StateCompleted, rep.State)
	texts := sink.texts()
	require.Len(t, texts, 3)
	assert.Len(t, texts[0], 400)
	assert.Len(t, texts[1], 200)
	assert.Equal(t, strings.Repeat("x", 600), texts[0]+texts[1])
}

func TestRun_MaxLinesTrimsButCompletes(t *testing.T) {
	l := testLimits()
	l.MaxLines = 3

	rep, sink := run(t, newTestSupervisor(), "for i in 1 2 3 4 5 6 7; do echo line$i; done", &l)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, []string{"line1", "line2", "line3", "...output trimmed to 3 lines (exit 0)"}, sink.texts())
	assert.Equal(t, 4, rep.LinesTrimmed)
	assert.True(t, rep.Truncated)
	assertSingleFinal(t, sink.all())
}

func TestRun_DefaultLimitsEndlessOutputOverflows(t *testing.T) {
	l := DefaultLimits()
	l.Timeout = 10 * time.Second
	s := New(&runner.Runner{PollInterval: 10 * time.Millisecond}, nil, WithLimits(l))

	start := time.Now()
	rep, sink := run(t, s, "yes 0123456789012345678901234567890123456789", nil)

	assert.Equal(t, StateOverflowed, rep.State)
	assert.Less(t, time.Since(start), l.Timeout, "the byte limit ends the run, not the timeout")
	assert.Contains(t, rep.TruncateReason, throttle.ErrLimitExceeded.Error())
	assert.Positive(t, rep.LinesTrimmed)

	chunks := sink.all()
	assertSingleFinal(t, chunks)
	require.Len(t, chunks, DefaultMaxLines+1)
	assert.True(t, strings.HasPrefix(chunks[len(chunks)-1].Text, "...output truncated:"))
}

func TestRun_SequenceHasNoGapsAfterTrim(t *testing.T) {
	s := New(&runner.Runner{PollInterval: 10 * time.Millisecond}, nil)

	rep, sink := run(t, s, "seq 1 15", nil)

	assert.Equal(t, StateCompleted, rep.State)
	chunks := sink.all()
	assertSingleFinal(t, chunks)
	require.Len(t, chunks, 11)
	last := chunks[len(chunks)-1]
	assert.Equal(t, 11, last.Seq)
	assert.Equal(t, "...output trimmed to 10 lines (exit 0)", last.Text)
}

func TestRun_QuietSuccess(t *testing.T) {
	l := testLimits()
	l.QuietSuccess = true

	_, sink := run(t, newTestSupervisor(), "echo hi", &l)
	assert.Equal(t, []string{"hi"}, sink.texts())

	_, sink = run(t, newTestSupervisor(), "echo hi; exit 1", &l)
	assert.Equal(t, []string{"hi", "exit 1"}, sink.texts())
}

func TestRun_StripsANSIAndDropsBlankLines(t *testing.T) {
	_, sink := run(t, newTestSupervisor(), `printf '\033[32mgreen\033[0m\n\n\nplain\n'`, nil)
	assert.Equal(t, []string{"green", "plain", "exit 0"}, sink.texts())
}

func TestRun_Cancel(t *testing.T) {
	s := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)

	sink := &collector{}
	start := time.Now()
	rep := s.Run(ctx, Request{Command: "echo started; sleep 999"}, sink)

	assert.Equal(t, StateCancelled, rep.State)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"started", "Command cancelled."}, sink.texts())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := newTestSupervisor().Run(ctx, Request{Command: "echo never"}, &collector{})
	assert.Equal(t, StateCancelled, rep.State)
	assert.Equal(t, "Command cancelled.", rep.Status)
}

func TestRun_SpawnFailure(t *testing.T) {
	r := &runner.Runner{Shell: "/nonexistent/shell"}
	s := New(r, nil, WithLimits(testLimits()))

	rep, sink := run(t, s, "echo hi", nil)

	assert.Equal(t, StateSpawnFailed, rep.State)
	assert.Nil(t, rep.ExitCode)
	texts := sink.texts()
	require.Len(t, texts, 1)
	assert.True(t, strings.HasPrefix(texts[0], "Command failed to start: "))
	assert.NotContains(t, texts[0], `"echo hi"`)
}

func TestRun_EmptyCommandIsSpawnFailure(t *testing.T) {
	rep, _ := run(t, newTestSupervisor(), "  ", nil)
	assert.Equal(t, StateSpawnFailed, rep.State)
	assert.Contains(t, rep.Error, runner.ErrEmptyCommand.Error())
}

func TestRun_ReapsBackgroundJobs(t *testing.T) {
	rep, sink := run(t, newTestSupervisor(), "sleep 300 >/dev/null 2>&1 & echo $!", nil)

	assert.Equal(t, StateCompleted, rep.State)
	pid, err := strconv.Atoi(sink.texts()[0])
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !alive(pid) }, 2*time.Second, 20*time.Millisecond)
}

func TestRun_SinkErrorsDoNotAbort(t *testing.T) {
	sink := &collector{err: errors.New("channel gone")}
	rep := newTestSupervisor().Run(context.Background(), Request{Command: "echo a; echo b"}, sink)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, 3, rep.SinkErrors)
	assert.Equal(t, 0, rep.ChunksDelivered)
}

func TestRun_RateLimited(t *testing.T) {
	limiter := throttle.NewLimiter(2, 150*time.Millisecond)
	defer limiter.Close()
	s := New(&runner.Runner{PollInterval: 10 * time.Millisecond}, limiter, WithLimits(testLimits()))

	start := time.Now()
	rep, sink := run(t, s, "echo 1; echo 2; echo 3; echo 4", nil)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Len(t, sink.texts(), 5)
	assert.GreaterOrEqual(t, time.Since(start), 280*time.Millisecond)
}

type fakeRecorder struct {
	mu       sync.Mutex
	calls    []string
	finished Report
}

func (f *fakeRecorder) Start(_ context.Context, r Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+string(r.State))
	return nil
}

func (f *fakeRecorder) AppendOutput(_ context.Context, _ string, c output.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "output:"+c.Text)
	return errors.New("disk full")
}

func (f *fakeRecorder) Finish(_ context.Context, r Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "finish:"+string(r.State))
	f.finished = r
	return nil
}

func TestRun_RecorderAndEvents(t *testing.T) {
	rec := &fakeRecorder{}
	hub := events.NewHub(64)
	s := newTestSupervisor(WithRecorder(rec), WithEvents(hub))

	rep, _ := run(t, s, "echo hi", nil)

	assert.Equal(t, []string{"start:starting", "output:hi", "output:exit 0", "finish:completed"}, rec.calls)
	assert.Equal(t, rep.ID, rec.finished.ID)

	var types []string
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type != events.InvocationState {
			types = append(types, ev.Type)
		}
	}
	assert.Equal(t, []string{
		events.InvocationStarted,
		events.InvocationOutput,
		events.InvocationOutput,
		events.InvocationFinished,
	}, types)
}

func TestLimits_Normalized(t *testing.T) {
	l := Limits{Timeout: 10 * time.Second}.normalized()
	assert.Equal(t, 5*time.Second, l.Grace)
	assert.Equal(t, DefaultDrainWindow, l.DrainWindow)
	assert.Equal(t, DefaultMaxLineLen, l.MaxLineLen)
	assert.Equal(t, 0, l.MaxLines)

	l = Limits{}.normalized()
	assert.Equal(t, DefaultTimeout, l.Timeout)
	assert.Equal(t, DefaultTimeout/2, l.Grace)
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StateRunning.Terminal())
	assert.False(t, StateDraining.Terminal())
	assert.True(t, StateTimedOut.Terminal())
	assert.True(t, StateSpawnFailed.Terminal())
}
