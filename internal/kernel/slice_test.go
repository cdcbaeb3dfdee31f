// SPDX-License-Identifier: MIT

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crucible-testbed/crucible/internal/ids"
)

func testSlice() *Slice {
	return NewSlice(ids.NewID(), "s", SliceTypeClient, ids.AuthToken{Name: "a", GUID: ids.NewID()})
}

func childIn(state State, pending Pending) *Reservation {
	return &Reservation{RID: ids.NewID(), State: state, Pending: pending}
}

func TestReevaluateEmptyKeepsState(t *testing.T) {
	s := testSlice()
	assert.Equal(t, SliceConfiguring, s.Reevaluate(nil))
}

func TestReevaluateAllTerminalIsDead(t *testing.T) {
	s := testSlice()
	got := s.Reevaluate([]*Reservation{
		childIn(StateClosed, PendingNone),
		childIn(StateFailed, PendingNone),
		childIn(StateCloseFail, PendingNone),
	})
	assert.Equal(t, SliceDead, got)
}

func TestReevaluateClosingWins(t *testing.T) {
	s := testSlice()
	got := s.Reevaluate([]*Reservation{
		childIn(StateActive, PendingNone),
		childIn(StateActive, PendingClosing),
	})
	assert.Equal(t, SliceClosing, got)
}

func TestReevaluateAllActiveIsStableOK(t *testing.T) {
	s := testSlice()
	got := s.Reevaluate([]*Reservation{
		childIn(StateActive, PendingNone),
		childIn(StateActive, PendingNone),
	})
	assert.Equal(t, SliceStableOK, got)
}

func TestReevaluateSettledWithFailureIsStableError(t *testing.T) {
	s := testSlice()
	got := s.Reevaluate([]*Reservation{
		childIn(StateActive, PendingNone),
		childIn(StateFailed, PendingNone),
	})
	assert.Equal(t, SliceStableError, got)
}

func TestReevaluateNascentIsConfiguring(t *testing.T) {
	s := testSlice()
	got := s.Reevaluate([]*Reservation{
		childIn(StateNascent, PendingNone),
		childIn(StateActive, PendingNone),
	})
	assert.Equal(t, SliceConfiguring, got)
}

func TestReevaluateModifyingFlagSteersState(t *testing.T) {
	s := testSlice()
	s.MarkModifying()
	got := s.Reevaluate([]*Reservation{
		childIn(StateActive, PendingExtendingLease),
	})
	assert.Equal(t, SliceModifying, got)

	// Convergence clears the modify flag.
	got = s.Reevaluate([]*Reservation{childIn(StateActive, PendingNone)})
	assert.Equal(t, SliceStableOK, got)
	got = s.Reevaluate([]*Reservation{childIn(StateNascent, PendingNone)})
	assert.Equal(t, SliceConfiguring, got)
}

func TestReevaluateNoRuleKeepsPriorState(t *testing.T) {
	s := testSlice()
	s.State = SliceStableOK
	// A lone settled Ticketed child matches no rule and retains the prior
	// state.
	got := s.Reevaluate([]*Reservation{childIn(StateTicketed, PendingNone)})
	assert.Equal(t, SliceStableOK, got)
}
