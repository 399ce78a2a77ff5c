package runner

import (
	"os"
	"slices"

	"github.com/prometheus/procfs"
)

// maxAncestry bounds the parent walk in case /proc changes under us.
const maxAncestry = 64

// allProcs is replaced in tests.
var allProcs = procfs.AllProcs

// descendants scans /proc for processes that belong to this command.
// A process belongs if it carries the invocation marker, is in the
// shell's process group while the shell is unreaped, or descends from
// either. The marker survives setsid and double forks, which is what
// makes detached jobs reachable.
func (p *Process) descendants() ([]int, error) {
	procs, err := allProcs()
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	leaderAlive := !p.Exited()
	marker := MarkerEnv + "=" + p.id

	parent := make(map[int]int, len(procs))
	zombie := make(map[int]bool)
	direct := make(map[int]bool)

	for _, proc := range procs {
		st, err := proc.Stat()
		if err != nil {
			continue
		}
		parent[proc.PID] = st.PPID
		if st.State == "Z" {
			zombie[proc.PID] = true
		}
		if proc.PID == self {
			continue
		}
		if leaderAlive && (st.PGRP == p.pgid || proc.PID == p.pgid) {
			direct[proc.PID] = true
			continue
		}
		if env, err := proc.Environ(); err == nil && slices.Contains(env, marker) {
			direct[proc.PID] = true
		}
	}

	var out []int
	for pid := range parent {
		if pid == self || zombie[pid] {
			continue
		}
		if direct[pid] || descendsFrom(pid, parent, direct, self) {
			out = append(out, pid)
		}
	}
	slices.Sort(out)
	return out, nil
}

func descendsFrom(pid int, parent map[int]int, direct map[int]bool, self int) bool {
	cur := pid
	for range maxAncestry {
		ppid, ok := parent[cur]
		if !ok || ppid <= 1 || ppid == self {
			return false
		}
		if direct[ppid] {
			return true
		}
		cur = ppid
	}
	return false
}
