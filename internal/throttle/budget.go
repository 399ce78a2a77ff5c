package throttle

import (
	"errors"
	"fmt"
)

// ErrLimitExceeded is returned by Budget.Admit once the byte cap is hit.
var ErrLimitExceeded = errors.New("output limit exceeded")

// DefaultMaxBytes is the per-invocation output cap.
const DefaultMaxBytes = 16 << 10

// Budget caps the bytes of text one invocation may deliver. Only the
// supervisor loop touches it.
type Budget struct {
	max  int
	used int
}

// NewBudget returns a Budget of max bytes. Zero or less means unlimited.
func NewBudget(max int) *Budget {
	return &Budget{max: max}
}

// Admit reserves n bytes. A rejected reservation is not counted.
func (b *Budget) Admit(n int) error {
	if b.max > 0 && b.used+n > b.max {
		return fmt.Errorf("%w: %d bytes", ErrLimitExceeded, b.max)
	}
	b.used += n
	return nil
}

// Used returns the bytes reserved so far.
func (b *Budget) Used() int { return b.used }

// Max returns the cap, or zero when unlimited.
func (b *Budget) Max() int { return b.max }
