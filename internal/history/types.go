package history

import (
	"errors"
	"time"

	"github.com/mattjoyce/shellbot/internal/output"
	"github.com/mattjoyce/shellbot/internal/supervisor"
)

// ErrNotFound is returned by Get for an unknown invocation ID.
var ErrNotFound = errors.New("invocation not found")

// Record is a stored invocation.
type Record struct {
	supervisor.Report
	Fingerprint string `json:"fingerprint"`
	// Finished is false while the invocation is still running.
	Finished bool `json:"finished"`
}

// Detail is a Record with its delivered output.
type Detail struct {
	Record
	Output []output.Chunk `json:"output"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Requester   string
	Channel     string
	State       supervisor.State
	Fingerprint string
	Since       time.Time
	Limit       int
}

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 50

// orphanError is recorded on rows closed by RecoverOrphans.
const orphanError = "shellbot stopped before the command finished"
