//go:build !unix

package runner

import (
	"errors"
	"os"
	"syscall"
)

type signal = syscall.Signal

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

var errUnsupported = errors.New("process groups are not supported on this platform")

func newSysProcAttr() *syscall.SysProcAttr { return nil }

func signalGroup(pgid int, sig signal) error {
	p, err := os.FindProcess(pgid)
	if err != nil {
		return errUnsupported
	}
	return p.Kill()
}

func signalPID(pid int, sig signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func exitStatusOf(ps *os.ProcessState) ExitStatus {
	return ExitStatus{Code: ps.ExitCode()}
}
