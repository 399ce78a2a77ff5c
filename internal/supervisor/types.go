package supervisor

import (
	"context"
	"time"

	"github.com/mattjoyce/shellbot/internal/output"
)

// State is the lifecycle position of an invocation.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateDraining    State = "draining"
	StateCompleted   State = "completed"
	StateTimedOut    State = "timed_out"
	StateCancelled   State = "cancelled"
	StateOverflowed  State = "overflowed"
	StateSpawnFailed State = "spawn_failed"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateCancelled, StateOverflowed, StateSpawnFailed, StateFailed:
		return true
	}
	return false
}

// Limits bound a single invocation. They are fixed when it starts.
type Limits struct {
	Timeout     time.Duration
	Grace       time.Duration // between SIGTERM and SIGKILL; Timeout/2 when zero
	DrainWindow time.Duration // how long to collect output after exit

	MaxOutputBytes int // text bytes produced, sent or trimmed; zero is unlimited
	MaxLineLen     int // characters per chunk
	MaxLines       int // zero is unlimited
	MaxPending     int

	StripANSI       bool
	KeepBlank       bool
	QuietSuccess    bool
	ReapDescendants bool
}

// Default limit values.
const (
	DefaultTimeout        = 4 * time.Second
	DefaultDrainWindow    = 250 * time.Millisecond
	DefaultMaxLines       = 10
	DefaultMaxLineLen     = output.DefaultMaxLen
	DefaultMaxOutputBytes = 16 << 10
	DefaultMaxPending     = 64
)

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		Timeout:         DefaultTimeout,
		Grace:           DefaultTimeout / 2,
		DrainWindow:     DefaultDrainWindow,
		MaxOutputBytes:  DefaultMaxOutputBytes,
		MaxLineLen:      DefaultMaxLineLen,
		MaxLines:        DefaultMaxLines,
		MaxPending:      DefaultMaxPending,
		StripANSI:       true,
		ReapDescendants: true,
	}
}

func (l Limits) normalized() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.Grace <= 0 {
		l.Grace = l.Timeout / 2
	}
	if l.DrainWindow <= 0 {
		l.DrainWindow = DefaultDrainWindow
	}
	if l.MaxLineLen <= 0 {
		l.MaxLineLen = DefaultMaxLineLen
	}
	if l.MaxPending <= 0 {
		l.MaxPending = DefaultMaxPending
	}
	return l
}

// Request is one command to run on behalf of a chat user.
type Request struct {
	ID        string // generated when empty
	Command   string
	Requester string
	Channel   string
	Transport string
	RunAs     string
	Limits    *Limits // nil uses the Supervisor's limits
}

// Report is the final, immutable account of an invocation.
type Report struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Requester string    `json:"requester"`
	Channel   string    `json:"channel"`
	Transport string    `json:"transport,omitempty"`
	State     State     `json:"state"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	DurationMS      int64 `json:"duration_ms"`
	BytesRead       int64 `json:"bytes_read"`
	ChunksDelivered int   `json:"chunks_delivered"` // includes the status line
	BytesDelivered  int   `json:"bytes_delivered"`
	LinesTrimmed    int   `json:"lines_trimmed,omitempty"`
	SinkErrors      int   `json:"sink_errors,omitempty"`

	Truncated      bool   `json:"truncated,omitempty"`
	TruncateReason string `json:"truncate_reason,omitempty"`
	Status         string `json:"status_line,omitempty"`
}

// Sink receives each chunk ready for the chat channel, in order.
type Sink interface {
	Send(ctx context.Context, c output.Chunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, c output.Chunk) error

func (f SinkFunc) Send(ctx context.Context, c output.Chunk) error { return f(ctx, c) }

// Recorder persists invocations. Errors are logged, never surfaced.
type Recorder interface {
	Start(ctx context.Context, r Report) error
	AppendOutput(ctx context.Context, invocationID string, c output.Chunk) error
	Finish(ctx context.Context, r Report) error
}

// Publisher receives lifecycle events. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}
