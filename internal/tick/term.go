// SPDX-License-Identifier: MIT

// Package tick supplies the kernel's notion of time: terms expressed in
// scheduler cycles, the clock that maps wall time onto cycles, and the
// ticker that drives registered subsystems.
package tick

import (
	"fmt"

	"github.com/crucible-testbed/crucible/internal/errs"
)

// Term is a half-open cycle interval [Start, End). NewStart marks the
// boundary of the most recent extension; zero means the term was never
// extended.
type Term struct {
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	NewStart int64 `json:"new_start,omitempty"`
}

// NewTerm builds a term covering [start, end).
func NewTerm(start, end int64) (Term, error) {
	if end <= start {
		return Term{}, errs.New(errs.InvalidArgument, "term end %d must exceed start %d", end, start)
	}
	return Term{Start: start, End: end}, nil
}

func (t Term) String() string {
	if t.NewStart != 0 {
		return fmt.Sprintf("[%d,%d) new_start=%d", t.Start, t.End, t.NewStart)
	}
	return fmt.Sprintf("[%d,%d)", t.Start, t.End)
}

// Contains reports whether cycle falls within the term.
func (t Term) Contains(cycle int64) bool {
	return cycle >= t.Start && cycle < t.End
}

// Expired reports whether the term has elapsed at the given cycle.
func (t Term) Expired(cycle int64) bool {
	return cycle >= t.End
}

// Extend produces the term extended by delta cycles. The extension keeps the
// original start, records the old end as the new-start boundary, and pushes
// the end out by delta.
func (t Term) Extend(delta int64) (Term, error) {
	if delta <= 0 {
		return Term{}, errs.New(errs.InvalidArgument, "extension delta %d must be positive", delta)
	}
	return Term{Start: t.Start, NewStart: t.End, End: t.End + delta}, nil
}

// ExtendsTerm reports whether next is a valid extension of t: same start and
// a strictly later end.
func (t Term) ExtendsTerm(next Term) error {
	if next.Start != t.Start {
		return errs.New(errs.InvalidArgument, "extended term must keep start %d, got %d", t.Start, next.Start)
	}
	if next.End <= t.End {
		return errs.New(errs.InvalidArgument, "extended term end %d does not exceed current end %d", next.End, t.End)
	}
	return nil
}
