package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/shellbot/internal/events"
	"github.com/mattjoyce/shellbot/internal/log"
	"github.com/mattjoyce/shellbot/internal/output"
	"github.com/mattjoyce/shellbot/internal/runner"
	"github.com/mattjoyce/shellbot/internal/throttle"
)

// Supervisor runs invocations. It is safe for concurrent use; each Run
// call owns its own invocation state.
type Supervisor struct {
	runner   *runner.Runner
	limiter  *throttle.Limiter
	limits   Limits
	recorder Recorder
	events   Publisher
	logger   *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLimits sets the default limits for requests that carry none.
func WithLimits(l Limits) Option {
	return func(s *Supervisor) { s.limits = l }
}

// WithRecorder persists every invocation.
func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithEvents publishes lifecycle events.
func WithEvents(p Publisher) Option {
	return func(s *Supervisor) { s.events = p }
}

// New creates a Supervisor. limiter is shared by every invocation and may
// be nil to disable rate limiting.
func New(r *runner.Runner, limiter *throttle.Limiter, opts ...Option) *Supervisor {
	if r == nil {
		r = &runner.Runner{}
	}
	s := &Supervisor{
		runner:  r,
		limiter: limiter,
		limits:  DefaultLimits(),
		logger:  log.WithComponent("supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// invocation is the mutable state of one Run call.
type invocation struct {
	s      *Supervisor
	req    Request
	limits Limits
	logger *slog.Logger

	report  Report
	chunker *output.Chunker
	budget  *throttle.Budget
	outbox  *throttle.Outbox

	proc     *runner.Process
	seq      int // last sequence number handed to the outbox
	lines    int
	trimmed  bool
	overflow string
}

// Run executes req and blocks until its status line has been handed to
// sink. Cancelling ctx terminates the command; already produced output and
// the status line are still delivered.
func (s *Supervisor) Run(ctx context.Context, req Request, sink Sink) Report {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	limits := s.limits
	if req.Limits != nil {
		limits = *req.Limits
	}
	limits = limits.normalized()

	inv := &invocation{
		s:      s,
		req:    req,
		limits: limits,
		logger: log.WithInvocation(req.ID).With(
			"requester", req.Requester,
			"channel", req.Channel,
		),
		report: Report{
			ID:        req.ID,
			Command:   req.Command,
			Requester: req.Requester,
			Channel:   req.Channel,
			Transport: req.Transport,
			State:     StateIdle,
		},
		chunker: output.New(limits.MaxLineLen,
			output.StripANSI(limits.StripANSI),
			output.KeepBlank(limits.KeepBlank),
		),
		budget: throttle.NewBudget(limits.MaxOutputBytes),
	}

	// Delivery outlives cancellation so the status line always arrives.
	deliverCtx := context.WithoutCancel(ctx)
	inv.outbox = throttle.NewOutbox(deliverCtx, s.limiter, limits.MaxPending, inv.deliverFunc(sink), inv.logger)

	inv.run(ctx)
	return inv.finish(deliverCtx)
}

func (inv *invocation) deliverFunc(sink Sink) throttle.DeliverFunc {
	return func(ctx context.Context, c output.Chunk) error {
		if err := sink.Send(ctx, c); err != nil {
			return err
		}
		if rec := inv.s.recorder; rec != nil {
			if err := rec.AppendOutput(ctx, inv.req.ID, c); err != nil {
				inv.logger.Warn("record output failed", "seq", c.Seq, "error", err)
			}
		}
		inv.publish(events.InvocationOutput, map[string]any{
			"invocation_id": inv.req.ID,
			"channel":       inv.req.Channel,
			"seq":           c.Seq,
			"text":          c.Text,
			"final":         c.Final,
		})
		return nil
	}
}

func (inv *invocation) setState(st State) {
	prev := inv.report.State
	inv.report.State = st
	inv.logger.Debug("state transition", "from", prev, "to", st)
	inv.publish(events.InvocationState, map[string]any{
		"invocation_id": inv.req.ID,
		"from":          prev,
		"to":            st,
	})
}

func (inv *invocation) publish(eventType string, data any) {
	if p := inv.s.events; p != nil {
		p.Publish(eventType, data)
	}
}

func (inv *invocation) run(ctx context.Context) {
	inv.report.StartedAt = time.Now().UTC()
	inv.setState(StateStarting)

	if rec := inv.s.recorder; rec != nil {
		if err := rec.Start(context.WithoutCancel(ctx), inv.report); err != nil {
			inv.logger.Warn("record start failed", "error", err)
		}
	}
	inv.publish(events.InvocationStarted, inv.report)
	inv.logger.Info("invocation started", "command", inv.req.Command, "timeout", inv.limits.Timeout)

	// The timeout is fixed here, before the spawn.
	timeout := time.NewTimer(inv.limits.Timeout)
	defer timeout.Stop()
	deadline := time.Now().Add(inv.limits.Timeout)

	if err := ctx.Err(); err != nil {
		inv.setState(StateCancelled)
		return
	}

	proc, err := inv.s.runner.Start(ctx, runner.Spec{
		ID:      inv.req.ID,
		Command: inv.req.Command,
		RunAs:   inv.req.RunAs,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			inv.setState(StateCancelled)
			return
		}
		inv.report.Error = err.Error()
		inv.setState(StateSpawnFailed)
		inv.logger.Error("spawn failed", "error", err)
		return
	}
	inv.proc = proc
	defer proc.Close()
	inv.setState(StateRunning)

	terminal := inv.pump(ctx, timeout.C)
	switch terminal {
	case StateDraining:
		inv.drain(deadline)
		inv.complete()
	case StateCompleted:
		inv.complete()
	default:
		inv.terminate(terminal)
	}

	if inv.limits.ReapDescendants {
		inv.reap()
	}
}

// pump moves output from the process to the outbox until the process
// exits or something forces termination. It returns StateDraining when the
// process exited with the pipe still open, StateCompleted when the pipe
// closed and the process exited, or the termination reason.
func (inv *invocation) pump(ctx context.Context, timeout <-chan time.Time) State {
	eof := false
	for {
		select {
		case <-ctx.Done():
			return StateCancelled
		case <-timeout:
			return StateTimedOut
		default:
		}

		if eof {
			// Every writer closed the pipe; only the exit is left to see.
			select {
			case <-inv.proc.Done():
				return StateCompleted
			case <-ctx.Done():
				return StateCancelled
			case <-timeout:
				return StateTimedOut
			}
		}

		if inv.proc.Exited() {
			return StateDraining
		}

		b, err := inv.proc.Read(0)
		if len(b) > 0 && !inv.consume(b) {
			return StateOverflowed
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				eof = true
				continue
			}
			inv.report.Error = err.Error()
			inv.logger.Error("read output failed", "error", err)
			return StateFailed
		}
	}
}

// drain collects output left in the pipe after the shell exited, bounded
// by the drain window and the invocation deadline.
func (inv *invocation) drain(deadline time.Time) {
	inv.setState(StateDraining)
	until := time.Now().Add(inv.limits.DrainWindow)
	if deadline.Before(until) {
		until = deadline
	}
	for time.Now().Before(until) {
		b, err := inv.proc.Read(0)
		if len(b) > 0 && !inv.consume(b) {
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				inv.logger.Warn("read output during drain failed", "error", err)
			}
			return
		}
	}
}

// consume feeds raw bytes through the chunker and queues the resulting
// lines. It returns false once the invocation has overflowed.
func (inv *invocation) consume(b []byte) bool {
	inv.report.BytesRead += int64(len(b))
	if inv.overflow != "" {
		return false
	}
	return inv.queue(inv.chunker.Feed(b))
}

func (inv *invocation) queue(chunks []output.Chunk) bool {
	for _, c := range chunks {
		// Lines past the line cap are charged too, so endless output still
		// ends in overflow once the byte limit is reached.
		if err := inv.budget.Admit(len(c.Text)); err != nil {
			inv.overflow = err.Error()
			return false
		}
		if inv.limits.MaxLines > 0 && inv.lines >= inv.limits.MaxLines {
			// Keep reading so the command is not blocked on a full pipe.
			inv.trimmed = true
			inv.report.LinesTrimmed++
			continue
		}
		c.Seq = inv.seq + 1
		if err := inv.outbox.Admit(c); err != nil {
			if errors.Is(err, throttle.ErrOverflow) {
				inv.overflow = fmt.Sprintf("delivery backlog exceeded %d lines", inv.limits.MaxPending)
			} else {
				inv.overflow = err.Error()
			}
			return false
		}
		inv.seq = c.Seq
		inv.lines++
	}
	return true
}

func (inv *invocation) complete() {
	if inv.overflow != "" {
		inv.setState(StateOverflowed)
		inv.stop()
		return
	}
	inv.queue(inv.chunker.Flush())
	if inv.overflow != "" {
		inv.setState(StateOverflowed)
		return
	}

	st, _ := inv.proc.Wait(context.Background())
	if st.Signaled {
		inv.report.Signal = st.Signal
	} else {
		code := st.Code
		inv.report.ExitCode = &code
	}
	inv.setState(StateCompleted)
}

// terminate runs the SIGTERM, grace, SIGKILL sequence for reason and then
// salvages output that was already in the pipe.
func (inv *invocation) terminate(reason State) {
	inv.setState(reason)
	inv.logger.Warn("terminating command", "reason", reason)
	inv.stop()

	if reason == StateOverflowed {
		return
	}
	inv.salvage()
}

// stop terminates the process tree and waits for the shell to be reaped.
func (inv *invocation) stop() {
	if inv.proc.Exited() {
		if err := inv.proc.Kill(); err != nil {
			inv.logger.Warn("kill leftovers failed", "error", err)
		}
		return
	}
	if err := inv.proc.Terminate(); err != nil {
		inv.logger.Warn("SIGTERM failed", "error", err)
	}

	grace := time.NewTimer(inv.limits.Grace)
	defer grace.Stop()
	select {
	case <-inv.proc.Done():
		inv.logger.Debug("command exited after SIGTERM")
		return
	case <-grace.C:
	}

	inv.logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
	if err := inv.proc.Kill(); err != nil {
		inv.logger.Error("SIGKILL failed", "error", err)
	}
	select {
	case <-inv.proc.Done():
	case <-time.After(inv.limits.Grace):
		inv.logger.Error("command still running after SIGKILL", "pid", inv.proc.Pid())
	}
}

// salvage reads what the process wrote before it was stopped.
func (inv *invocation) salvage() {
	until := time.Now().Add(inv.limits.DrainWindow)
	for time.Now().Before(until) {
		b, err := inv.proc.Read(0)
		if len(b) > 0 && !inv.consume(b) {
			return
		}
		if err != nil {
			break
		}
	}
	inv.queue(inv.chunker.Flush())
}

// reap kills descendants that outlived the shell.
func (inv *invocation) reap() {
	if inv.proc == nil {
		return
	}
	left := inv.proc.Descendants()
	if len(left) == 0 {
		return
	}
	inv.logger.Info("killing leftover processes", "pids", left)
	if err := inv.proc.Kill(); err != nil {
		inv.logger.Warn("kill leftover processes failed", "error", err)
	}
}

func (inv *invocation) finish(ctx context.Context) Report {
	if inv.report.State == StateOverflowed {
		inv.report.Truncated = true
		inv.report.TruncateReason = inv.overflow
	}
	if inv.trimmed {
		inv.report.Truncated = true
	}

	status, ok := inv.statusLine()
	if ok {
		inv.report.Status = status
		inv.outbox.CloseWith(output.Chunk{Seq: inv.seq + 1, Text: status, Final: true})
	} else {
		inv.outbox.Close()
	}
	stats := inv.outbox.Wait()

	inv.report.EndedAt = time.Now().UTC()
	inv.report.DurationMS = inv.report.EndedAt.Sub(inv.report.StartedAt).Milliseconds()
	inv.report.ChunksDelivered = stats.Chunks
	inv.report.BytesDelivered = stats.Bytes
	inv.report.SinkErrors = stats.SinkErrors

	if rec := inv.s.recorder; rec != nil {
		if err := rec.Finish(ctx, inv.report); err != nil {
			inv.logger.Warn("record finish failed", "error", err)
		}
	}
	inv.publish(events.InvocationFinished, inv.report)

	attrs := []any{
		"state", inv.report.State,
		"duration_ms", inv.report.DurationMS,
		"chunks", stats.Chunks,
		"bytes", stats.Bytes,
	}
	if inv.report.ExitCode != nil {
		attrs = append(attrs, "exit_code", *inv.report.ExitCode)
	}
	if inv.report.State == StateCompleted {
		inv.logger.Info("invocation finished", attrs...)
	} else {
		inv.logger.Warn("invocation finished", attrs...)
	}
	return inv.report
}
