package supervisor

import (
	"fmt"
	"strings"
)

// statusLine returns the final message for the invocation, or false when
// QuietSuccess suppresses it.
func (inv *invocation) statusLine() (string, bool) {
	r := &inv.report
	switch r.State {
	case StateCompleted:
		exit := "exit " + exitText(r)
		switch {
		case inv.trimmed:
			return fmt.Sprintf("...output trimmed to %d lines (%s)", inv.limits.MaxLines, exit), true
		case inv.lines == 0:
			return fmt.Sprintf("Command produced no output. (%s)", exit), true
		case inv.limits.QuietSuccess && r.ExitCode != nil && *r.ExitCode == 0:
			return "", false
		default:
			return exit, true
		}
	case StateTimedOut:
		return fmt.Sprintf("Command timed out after %s.", inv.limits.Timeout), true
	case StateCancelled:
		return "Command cancelled.", true
	case StateOverflowed:
		return fmt.Sprintf("...output truncated: %s.", sentence(inv.overflow)), true
	case StateSpawnFailed:
		return "Command failed to start: " + spawnReason(r.Error, inv.report.Command), true
	case StateFailed:
		return "Error reading command output: " + r.Error, true
	default:
		return fmt.Sprintf("Command ended in state %s.", r.State), true
	}
}

func exitText(r *Report) string {
	if r.ExitCode != nil {
		return fmt.Sprint(*r.ExitCode)
	}
	if r.Signal != "" {
		return r.Signal
	}
	return "unknown"
}

func sentence(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".")
}

// spawnReason drops the quoted command from a spawn error; the user just
// typed it.
func spawnReason(msg, command string) string {
	prefix := fmt.Sprintf("spawn %q: ", command)
	return strings.TrimPrefix(msg, prefix)
}
