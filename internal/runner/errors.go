package runner

import (
	"errors"
	"fmt"
)

// ErrEmptyCommand is returned by Start for blank command text.
var ErrEmptyCommand = errors.New("command is empty")

// ErrPrivilegeTransition means the run-as-user escalator did not hand over
// to the target shell.
var ErrPrivilegeTransition = errors.New("privilege transition failed")

// SpawnError reports that the child process could not be started. It is
// terminal for an invocation and never retried.
type SpawnError struct {
	Command string
	Err     error
	// Output holds whatever the escalator printed before failing, if any.
	Output string
}

func (e *SpawnError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("spawn %q: %v: %s", e.Command, e.Err, e.Output)
	}
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ReadError reports an I/O failure while draining the child's output.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "read output: " + e.Err.Error() }

func (e *ReadError) Unwrap() error { return e.Err }
