// SPDX-License-Identifier: MIT

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-testbed/crucible/internal/ids"
)

func TestDemandSendsTicket(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)

	require.NoError(t, tk.Demand(r.RID))
	assert.Equal(t, StateNascent, r.State)
	assert.Equal(t, PendingTicketing, r.Pending)
	assert.True(t, r.HasOutstandingRPC())
	assert.Equal(t, int64(1), r.SequenceOut)
	assert.Equal(t, []string{"ticket"}, tk.outbound.ops())
}

func TestDemandDeferredByPolicy(t *testing.T) {
	tk := newTestKernel(t)
	tk.policy.bind = func(*Reservation) (bool, error) { return false, nil }
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)

	require.NoError(t, tk.Demand(r.RID))
	assert.Equal(t, StateNascent, r.State)
	assert.Equal(t, PendingNone, r.Pending)
	assert.Empty(t, tk.outbound.calls)
}

func TestUpdateTicketPromotesToTicketed(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	require.NoError(t, tk.Demand(r.RID))

	authority := ids.NewID()
	approved, err := NewResourceSet(1, "vm")
	require.NoError(t, err)
	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID:         r.RID,
		Resources:   approved,
		Term:        mustTerm(t, 5, 10),
		Sequence:    1,
		AuthorityID: authority,
	}))

	assert.Equal(t, StateTicketed, r.State)
	assert.Equal(t, PendingNone, r.Pending)
	assert.False(t, r.HasOutstandingRPC())
	assert.Equal(t, approved, r.Approved)
	assert.Equal(t, authority, r.AuthorityID)
}

func TestUpdateTicketFailureRunsTicketReview(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r1 := tk.addClient(t, s, 5, 10)
	r2 := tk.addClient(t, s, 5, 10)
	require.NoError(t, tk.Demand(r1.RID))

	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID:      r1.RID,
		Sequence: 1,
		Update:   UpdateData{Failed: true, Message: "no capacity"},
	}))

	assert.Equal(t, StateFailed, r1.State)
	assert.Equal(t, "no capacity", r1.UpdateData.Message)

	// The surviving sibling is withdrawn with the review notice.
	assert.Equal(t, StateClosed, r2.State)
	assert.Equal(t, TicketReviewNotice, r2.UpdateData.Message)
	assert.Equal(t, SliceDead, s.State)
}

func TestServicePassRedeemsOneCycleAhead(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	require.NoError(t, tk.Demand(r.RID))
	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID: r.RID, Sequence: 1, AuthorityID: ids.NewID(),
	}))

	// Too early: cycle 3 + 1 < start 5.
	require.NoError(t, tk.Tick(3))
	assert.Equal(t, PendingNone, r.Pending)

	require.NoError(t, tk.Tick(4))
	assert.Equal(t, StateTicketed, r.State)
	assert.Equal(t, PendingRedeeming, r.Pending)
	assert.Equal(t, "redeem", tk.outbound.last(t).op)
}

func TestNascentSiblingGatesRedeem(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	sibling := tk.addClient(t, s, 5, 10)
	require.NoError(t, tk.Demand(r.RID))
	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID: r.RID, Sequence: 1, AuthorityID: ids.NewID(),
	}))

	// The sibling still negotiates its ticket; redemption waits. The
	// service pass also demands the nascent sibling.
	require.NoError(t, tk.Demand(sibling.RID))
	require.NoError(t, tk.Tick(4))
	assert.Equal(t, PendingNone, r.Pending)

	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID: sibling.RID, Sequence: 1, AuthorityID: ids.NewID(),
	}))
	require.NoError(t, tk.Tick(5))
	assert.Equal(t, PendingRedeeming, r.Pending)
	assert.Equal(t, PendingRedeeming, sibling.Pending)
}

func TestUpdateLeaseActivates(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	require.NoError(t, tk.Demand(r.RID))
	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID: r.RID, Sequence: 1, AuthorityID: ids.NewID(),
	}))
	require.NoError(t, tk.Tick(4))

	allocated, err := NewResourceSet(1, "vm")
	require.NoError(t, err)
	require.NoError(t, tk.HandleUpdateLease(ReservationUpdate{
		RID: r.RID, Sequence: 2, Resources: allocated,
	}))

	assert.Equal(t, StateActive, r.State)
	assert.Equal(t, PendingNone, r.Pending)
	assert.Equal(t, allocated, r.Allocated)
	assert.Equal(t, SliceStableOK, s.State)
}

func TestExtendReservationDrivesTicketThenLease(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	require.NoError(t, tk.Demand(r.RID))
	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID: r.RID, Sequence: 1, AuthorityID: ids.NewID(),
	}))
	require.NoError(t, tk.Tick(4))
	require.NoError(t, tk.HandleUpdateLease(ReservationUpdate{RID: r.RID, Sequence: 2}))

	require.NoError(t, tk.ExtendReservation(r.RID, nil, mustTerm(t, 5, 20)))
	assert.Equal(t, PendingExtendingTicket, r.Pending)
	assert.Equal(t, "extend-ticket", tk.outbound.last(t).op)

	// The extended ticket immediately drives the lease extension.
	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID: r.RID, Sequence: 3, Term: mustTerm(t, 5, 20),
	}))
	assert.Equal(t, StateActiveTicketed, r.State)
	assert.Equal(t, PendingExtendingLease, r.Pending)
	assert.Equal(t, "extend-lease", tk.outbound.last(t).op)

	require.NoError(t, tk.HandleUpdateLease(ReservationUpdate{
		RID: r.RID, Sequence: 4, Term: mustTerm(t, 5, 20),
	}))
	assert.Equal(t, StateActive, r.State)
	assert.Equal(t, int64(20), r.Term.End)
}

func TestExtendRejectsNonExtension(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	r.State = StateActive

	err := tk.ExtendReservation(r.RID, nil, mustTerm(t, 5, 8))
	assert.Error(t, err)
	assert.Equal(t, PendingNone, r.Pending)
}

func TestCloseNascentIsLocal(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)

	require.NoError(t, tk.Close(r.RID))
	assert.Equal(t, StateClosed, r.State)
	assert.Empty(t, tk.outbound.calls)
	assert.Equal(t, SliceDead, s.State)
}

func TestCloseActiveGoesThroughAuthority(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	approved, err := NewResourceSet(1, "vm")
	require.NoError(t, err)
	require.NoError(t, tk.Demand(r.RID))
	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID: r.RID, Sequence: 1, Resources: approved, AuthorityID: ids.NewID(),
	}))
	require.NoError(t, tk.Tick(4))
	require.NoError(t, tk.HandleUpdateLease(ReservationUpdate{RID: r.RID, Sequence: 2}))

	require.NoError(t, tk.Close(r.RID))
	assert.Equal(t, PendingClosing, r.Pending)
	assert.Equal(t, "close", tk.outbound.last(t).op)

	require.NoError(t, tk.HandleUpdateLease(ReservationUpdate{
		RID: r.RID, Sequence: 3, Closed: true,
	}))
	assert.Equal(t, StateClosed, r.State)
	// The ticketed capacity goes back to the broker.
	assert.Equal(t, "relinquish", tk.outbound.last(t).op)
}

func TestCloseDuringTicketingIsDeferred(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	require.NoError(t, tk.Demand(r.RID))

	// Close arrives while the ticket is still pending; it must wait.
	require.NoError(t, tk.Close(r.RID))
	assert.Equal(t, PendingTicketing, r.Pending)
	assert.False(t, r.Terminal())

	// Ticket granted with no authority involved yet: the deferred close
	// completes locally and relinquishes the ticket.
	approved, err := NewResourceSet(1, "vm")
	require.NoError(t, err)
	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{
		RID: r.RID, Sequence: 1, Resources: approved,
	}))
	assert.Equal(t, StateClosed, r.State)
	assert.Contains(t, tk.outbound.ops(), "relinquish")
}

func TestServicePassClosesExpiredLease(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	r.State = StateActive
	r.AuthorityID = ids.NewID()

	require.NoError(t, tk.Tick(10))
	assert.Equal(t, PendingClosing, r.Pending)
	assert.Equal(t, "close", tk.outbound.last(t).op)
}

func TestStaleUpdateDropped(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	require.NoError(t, tk.Demand(r.RID))
	r.SequenceIn = 5

	require.NoError(t, tk.HandleUpdateTicket(ReservationUpdate{RID: r.RID, Sequence: 3}))
	assert.Equal(t, StateNascent, r.State)
	assert.Equal(t, PendingTicketing, r.Pending)
}

func TestSecondRPCWhileOutstandingRejected(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)
	require.NoError(t, tk.Demand(r.RID))

	err := tk.sendRPC(r, tk.outbound.Ticket)
	assert.Error(t, err)
	assert.Equal(t, []string{"ticket"}, tk.outbound.ops())
}
