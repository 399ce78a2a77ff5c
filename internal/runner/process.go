package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ExitStatus is how a process ended.
type ExitStatus struct {
	Code     int // -1 when killed by a signal or unknown
	Signaled bool
	Signal   string
}

// Process is a running shell command. Read is meant for a single consumer
// goroutine; Terminate, Kill, Wait and Done are safe for concurrent use.
type Process struct {
	id   string
	cmd  *exec.Cmd
	pgid int
	out  *os.File
	poll time.Duration

	chunks  chan []byte
	readErr error // written by readLoop before chunks is closed

	pending []byte
	eof     bool

	closed    chan struct{}
	closeOnce sync.Once

	done    chan struct{}
	state   *os.ProcessState
	waitErr error

	sigMu sync.Mutex
}

func newProcess(id string, cmd *exec.Cmd, out *os.File, poll time.Duration, bufSize int) *Process {
	p := &Process{
		id:     id,
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		out:    out,
		poll:   poll,
		chunks: make(chan []byte, 8),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.readLoop(bufSize)
	go func() {
		p.waitErr = cmd.Wait()
		p.state = cmd.ProcessState
		close(p.done)
	}()
	return p
}

// ID returns the marker value shared by the process tree.
func (p *Process) ID() string { return p.id }

// Pid returns the PID of the shell (also the process group ID).
func (p *Process) Pid() int { return p.pgid }

func (p *Process) readLoop(bufSize int) {
	defer close(p.chunks)
	buf := make([]byte, bufSize)
	for {
		n, err := p.out.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case p.chunks <- b:
			case <-p.closed:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.readErr = err
			}
			return
		}
	}
}

// Read returns up to maxBytes of output. It returns (nil, nil) when nothing
// arrived within the poll interval, io.EOF once every writer has closed the
// stream, or a *ReadError.
func (p *Process) Read(maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultReadBufferSize
	}
	if len(p.pending) > 0 {
		return p.take(maxBytes), nil
	}
	if p.eof {
		return nil, p.endErr()
	}

	timer := time.NewTimer(p.poll)
	defer timer.Stop()

	select {
	case b, ok := <-p.chunks:
		if !ok {
			p.eof = true
			return nil, p.endErr()
		}
		p.pending = b
		return p.take(maxBytes), nil
	case <-timer.C:
		return nil, nil
	}
}

func (p *Process) take(n int) []byte {
	if n > len(p.pending) {
		n = len(p.pending)
	}
	b := p.pending[:n]
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return b
}

func (p *Process) endErr() error {
	if p.readErr != nil {
		return &ReadError{Err: p.readErr}
	}
	return io.EOF
}

// Done is closed once the shell process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the shell process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the shell exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return p.exitStatus(), nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (p *Process) exitStatus() ExitStatus {
	if p.state == nil {
		return ExitStatus{Code: -1}
	}
	return exitStatusOf(p.state)
}

// Terminate sends SIGTERM to the process group and every recorded
// descendant. Calling it again, or after exit, is harmless.
func (p *Process) Terminate() error {
	return p.signalTree(sigTerm)
}

// Kill is Terminate with SIGKILL.
func (p *Process) Kill() error {
	return p.signalTree(sigKill)
}

// groupSignal is replaced in tests.
var groupSignal = signalGroup

func (p *Process) signalTree(sig signal) error {
	p.sigMu.Lock()
	defer p.sigMu.Unlock()

	pids, scanErr := p.descendants()

	var errs []error
	// Until the leader is reaped its PID cannot be reused, so the group
	// signal is safe. Afterwards the group ID may belong to someone else
	// and only scanned members are targeted.
	if !p.Exited() {
		if err := groupSignal(p.pgid, sig); err != nil {
			errs = append(errs, err)
		}
	} else if scanErr != nil {
		errs = append(errs, fmt.Errorf("scan process tree: %w", scanErr))
	}
	for _, pid := range pids {
		if err := signalPID(pid, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Descendants lists live processes that belong to this command: members of
// its process group, processes carrying its marker, and children of either.
func (p *Process) Descendants() []int {
	pids, _ := p.descendants()
	return pids
}

// Close stops the output reader and releases the pipe.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.out.Close()
	})
	return err
}
