// Package runner spawns shell commands as child processes, exposes their
// merged stdout/stderr as a poll-bounded byte stream, and terminates them
// together with every process they spawned.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MarkerEnv is inherited by every descendant of a spawned command and
	// lets Terminate find processes that left the process group.
	MarkerEnv = "SHELLBOT_INVOCATION"

	readyEnv = "SHELLBOT_READY"

	DefaultShell          = "/bin/sh"
	DefaultPollInterval   = 50 * time.Millisecond
	DefaultReadBufferSize = 4096
	DefaultReadyTimeout   = 5 * time.Second
)

// DefaultEscalator runs the shell as another user. "{user}" is replaced
// with the target account.
var DefaultEscalator = []string{"sudo", "-n", "-u", "{user}", "--"}

// Runner starts commands through the host shell.
// The zero value is usable and runs commands as the current user.
type Runner struct {
	Shell string
	Dir   string
	Env   []string // extra KEY=value pairs appended to the inherited environment

	// RunAs, when set, re-executes the shell through Escalator.
	RunAs     string
	Escalator []string

	PollInterval   time.Duration
	ReadBufferSize int
	ReadyTimeout   time.Duration
}

// Spec describes one command to start.
type Spec struct {
	// ID tags the process tree; a random one is generated when empty.
	ID      string
	Command string
	// RunAs overrides Runner.RunAs for this command.
	RunAs string
}

// Start launches spec.Command through the shell and returns a handle to the
// running process. Failures are returned as *SpawnError.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Process, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, &SpawnError{Command: spec.Command, Err: ErrEmptyCommand}
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	runAs := spec.RunAs
	if runAs == "" {
		runAs = r.RunAs
	}

	var token string
	argv := []string{r.shell(), "-c", spec.Command}
	if runAs != "" {
		token = uuid.NewString()
		argv = r.escalatedArgv(runAs, spec, token)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("create output pipe: %w", err)}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Env = append(append(os.Environ(), r.Env...), MarkerEnv+"="+spec.ID)
	cmd.SysProcAttr = newSysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	// The child holds its own copy of the write end; EOF arrives once every
	// process sharing it has exited.
	_ = pw.Close()

	p := newProcess(spec.ID, cmd, pr, r.pollInterval(), r.readBufferSize())

	if token != "" {
		if err := p.awaitReady(ctx, token, r.readyTimeout()); err != nil {
			_ = p.Kill()
			<-p.Done()
			_ = p.Close()
			var se *SpawnError
			if errors.As(err, &se) {
				se.Command = spec.Command
				return nil, se
			}
			return nil, &SpawnError{Command: spec.Command, Err: err}
		}
	}
	return p, nil
}

// escalatedArgv builds: <escalator...> env MARKER=id READY=token <shell> -c <script> <command>.
// The script prints the ready token and then execs the user command, so the
// first output line proves the escalator handed control to our shell.
func (r *Runner) escalatedArgv(user string, spec Spec, token string) []string {
	esc := r.Escalator
	if len(esc) == 0 {
		esc = DefaultEscalator
	}
	shell := r.shell()
	script := fmt.Sprintf(`printf '%%s\n' "$%s"; exec %s -c "$0"`, readyEnv, shellQuote(shell))

	argv := make([]string, 0, len(esc)+7)
	for _, a := range esc {
		argv = append(argv, strings.ReplaceAll(a, "{user}", user))
	}
	return append(argv,
		"env", MarkerEnv+"="+spec.ID, readyEnv+"="+token,
		shell, "-c", script, spec.Command,
	)
}

func (r *Runner) shell() string {
	if r.Shell != "" {
		return r.Shell
	}
	return DefaultShell
}

func (r *Runner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return DefaultPollInterval
}

func (r *Runner) readBufferSize() int {
	if r.ReadBufferSize > 0 {
		return r.ReadBufferSize
	}
	return DefaultReadBufferSize
}

func (r *Runner) readyTimeout() time.Duration {
	if r.ReadyTimeout > 0 {
		return r.ReadyTimeout
	}
	return DefaultReadyTimeout
}

// awaitReady consumes the first output line and checks it against token.
// Bytes after the token line stay buffered for the caller.
func (p *Process) awaitReady(ctx context.Context, token string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var buf []byte
	for {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			if string(buf[:i]) == token {
				p.pending = append(p.pending, buf[i+1:]...)
				return nil
			}
			return &SpawnError{Err: ErrPrivilegeTransition, Output: strings.TrimSpace(string(buf))}
		}
		if len(buf) > 4096 {
			return &SpawnError{Err: ErrPrivilegeTransition, Output: strings.TrimSpace(string(buf[:256]))}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &SpawnError{Err: fmt.Errorf("%w: no handshake within %s", ErrPrivilegeTransition, timeout), Output: strings.TrimSpace(string(buf))}
		default:
		}

		data, err := p.Read(4096)
		buf = append(buf, data...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &SpawnError{Err: ErrPrivilegeTransition, Output: strings.TrimSpace(string(buf))}
			}
			return err
		}
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
