// SPDX-License-Identifier: MIT

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
)

func ticketRequest(t *testing.T) ReservationRequest {
	t.Helper()
	rs, err := NewResourceSet(1, "vm")
	require.NoError(t, err)
	return ReservationRequest{
		Caller:    ids.AuthToken{Name: "alice", GUID: ids.NewID()},
		Peer:      ids.NewID(),
		RID:       ids.NewID(),
		SliceID:   ids.NewID(),
		SliceName: "exp",
		Resources: rs,
		Term:      mustTerm(t, 5, 10),
		Sequence:  1,
	}
}

func TestHandleTicketCreatesShadowAndAllocates(t *testing.T) {
	tk := newTestKernel(t)
	req := ticketRequest(t)

	require.NoError(t, tk.HandleTicket(req))

	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	assert.Equal(t, CategoryBroker, r.Category)
	assert.Equal(t, StateTicketed, r.State)
	assert.Equal(t, req.Peer, r.PeerID)

	s, err := tk.GetSlice(req.SliceID)
	require.NoError(t, err)
	assert.Equal(t, SliceTypeBrokerClient, s.Type)

	last := tk.outbound.last(t)
	assert.Equal(t, "update-ticket", last.op)
	assert.False(t, last.update.Failed)
}

func TestHandleTicketDuplicateDropped(t *testing.T) {
	tk := newTestKernel(t)
	req := ticketRequest(t)
	require.NoError(t, tk.HandleTicket(req))

	// The same sequence arrives again after the response was sent; the
	// broker must not allocate or answer twice.
	require.NoError(t, tk.HandleTicket(req))
	assert.Equal(t, []string{"update-ticket"}, tk.outbound.ops())
}

func TestHandleTicketDeferredUntilTick(t *testing.T) {
	tk := newTestKernel(t)
	deferred := true
	tk.policy.bind = func(r *Reservation) (bool, error) {
		if deferred {
			return false, nil
		}
		r.Approved = r.Requested.Clone()
		return true, nil
	}
	req := ticketRequest(t)
	require.NoError(t, tk.HandleTicket(req))

	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	assert.Equal(t, StateNascent, r.State)
	assert.Empty(t, tk.outbound.calls)

	// Capacity shows up; the next service pass retries the bind.
	deferred = false
	require.NoError(t, tk.Tick(0))
	assert.Equal(t, StateTicketed, r.State)
	assert.Equal(t, "update-ticket", tk.outbound.last(t).op)
}

func TestHandleTicketPolicyErrorFails(t *testing.T) {
	tk := newTestKernel(t)
	tk.policy.bind = func(*Reservation) (bool, error) {
		return false, errs.New(errs.PolicyReject, "insufficient resources")
	}
	req := ticketRequest(t)
	require.NoError(t, tk.HandleTicket(req))

	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, r.State)

	last := tk.outbound.last(t)
	assert.Equal(t, "update-ticket", last.op)
	assert.True(t, last.update.Failed)
	assert.Contains(t, last.update.Message, "insufficient resources")
}

func TestHandleExtendTicketCommitsNewTerm(t *testing.T) {
	tk := newTestKernel(t)
	req := ticketRequest(t)
	require.NoError(t, tk.HandleTicket(req))

	ext := req
	ext.Term = mustTerm(t, 5, 20)
	ext.Sequence = 2
	require.NoError(t, tk.HandleExtendTicket(ext))

	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	assert.Equal(t, StateTicketed, r.State)
	assert.Equal(t, PendingNone, r.Pending)
	assert.Equal(t, int64(5), r.Term.Start)
	assert.Equal(t, int64(10), r.Term.NewStart)
	assert.Equal(t, int64(20), r.Term.End)
	assert.Equal(t, "update-ticket", tk.outbound.last(t).op)
}

func TestHandleExtendTicketRejectsShrink(t *testing.T) {
	tk := newTestKernel(t)
	req := ticketRequest(t)
	require.NoError(t, tk.HandleTicket(req))

	ext := req
	ext.Term = mustTerm(t, 5, 8)
	ext.Sequence = 2
	require.NoError(t, tk.HandleExtendTicket(ext))

	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Term.End)
	last := tk.outbound.last(t)
	assert.Equal(t, "update-ticket", last.op)
	assert.True(t, last.update.Failed)
}

func TestHandleRelinquishClosesAndReleases(t *testing.T) {
	tk := newTestKernel(t)
	req := ticketRequest(t)
	require.NoError(t, tk.HandleTicket(req))

	rel := req
	rel.Sequence = 2
	require.NoError(t, tk.HandleRelinquish(rel))

	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, r.State)
	assert.Contains(t, tk.policy.closed, r.RID)

	s, err := tk.GetSlice(req.SliceID)
	require.NoError(t, err)
	assert.Equal(t, SliceDead, s.State)
}

func TestHandleRelinquishUnknownReservationIgnored(t *testing.T) {
	tk := newTestKernel(t)
	require.NoError(t, tk.HandleRelinquish(ReservationRequest{RID: ids.NewID(), Sequence: 1}))
	assert.Empty(t, tk.outbound.calls)
}

// --- delegations ---

func (tk *testKernel) addDelegation(t *testing.T) *Delegation {
	t.Helper()
	s := tk.addSlice(t, SliceTypeInventory)
	d := NewDelegation(ids.NewID(), s.SliceID, tk.ActorGUID(), 10, "vm", "{}")
	require.NoError(t, tk.RegisterDelegation(d))
	return d
}

func TestDelegateAdvertisesToHolder(t *testing.T) {
	tk := newTestKernel(t)
	d := tk.addDelegation(t)
	holder := ids.NewID()

	require.NoError(t, tk.Delegate(d.DID, holder))
	assert.Equal(t, DelegationDelegated, d.State)
	assert.Equal(t, holder, d.Holder)
	assert.Equal(t, "update-delegation", tk.outbound.last(t).op)
}

func TestHandleClaimDelegation(t *testing.T) {
	tk := newTestKernel(t)
	d := tk.addDelegation(t)
	broker := ids.NewID()

	require.NoError(t, tk.HandleClaimDelegation(DelegationRequest{
		DID: d.DID, Peer: broker, Sequence: 1,
	}))
	assert.Equal(t, DelegationDelegated, d.State)
	assert.Equal(t, broker, d.Holder)

	// A re-claim after recovery is answered again without a state change.
	require.NoError(t, tk.HandleClaimDelegation(DelegationRequest{
		DID: d.DID, Peer: broker, Sequence: 2,
	}))
	assert.Equal(t, DelegationDelegated, d.State)
	assert.Equal(t, []string{"update-delegation", "update-delegation"}, tk.outbound.ops())
}

func TestHandleReclaimDelegation(t *testing.T) {
	tk := newTestKernel(t)
	d := tk.addDelegation(t)
	require.NoError(t, tk.HandleClaimDelegation(DelegationRequest{
		DID: d.DID, Peer: ids.NewID(), Sequence: 1,
	}))

	require.NoError(t, tk.HandleReclaimDelegation(DelegationRequest{
		DID: d.DID, Peer: d.Holder, Sequence: 2,
	}))
	assert.Equal(t, DelegationReclaimed, d.State)
}

func TestClaimDelegationGuardsOutstandingRPC(t *testing.T) {
	tk := newTestKernel(t)
	d := tk.addDelegation(t)

	require.NoError(t, tk.ClaimDelegation(d.DID))
	err := tk.ClaimDelegation(d.DID)
	assert.True(t, errs.IsKind(err, errs.InvalidState))
	assert.Equal(t, []string{"claim-delegation"}, tk.outbound.ops())
}

func TestHandleUpdateDelegationDonatesPool(t *testing.T) {
	tk := newTestKernel(t)
	d := tk.addDelegation(t)
	require.NoError(t, tk.ClaimDelegation(d.DID))

	require.NoError(t, tk.HandleUpdateDelegation(DelegationUpdate{
		DID:          d.DID,
		Graph:        `{"nodes":{}}`,
		Units:        10,
		ResourceType: "vm",
		Sequence:     1,
	}))
	assert.Equal(t, DelegationDelegated, d.State)
	assert.Equal(t, 10, d.Units)
	assert.False(t, d.HasOutstandingRPC())
	assert.Contains(t, tk.policy.donated, d.DID)
}

func TestHandleUpdateDelegationFailure(t *testing.T) {
	tk := newTestKernel(t)
	d := tk.addDelegation(t)
	require.NoError(t, tk.ClaimDelegation(d.DID))

	require.NoError(t, tk.HandleUpdateDelegation(DelegationUpdate{
		DID:      d.DID,
		Sequence: 1,
		Update:   UpdateData{Failed: true, Message: "unknown delegation"},
	}))
	assert.Equal(t, DelegationFailed, d.State)
	assert.Equal(t, "unknown delegation", d.UpdateData.Message)
	assert.Empty(t, tk.policy.donated)
}
