// SPDX-License-Identifier: MIT

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/substrate"
)

// bindWithUnit installs an authority-style bind that assigns one unit of the
// requested type to the reservation.
func (tk *testKernel) bindWithUnit(t *testing.T) {
	t.Helper()
	tk.policy.bind = func(r *Reservation) (bool, error) {
		u := substrate.NewUnit(r.RID, r.SliceID, tk.ActorGUID(), "vm")
		r.Approved = r.Requested.Clone()
		if err := tk.AssignUnits(r, []*substrate.Unit{u}); err != nil {
			return false, err
		}
		return true, nil
	}
}

func redeemRequest(t *testing.T) ReservationRequest {
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

func completionFor(u *substrate.Unit, action substrate.Action) substrate.Completion {
	return substrate.Completion{
		Action:     action,
		Unit:       u,
		Sequence:   u.Sequence,
		Properties: map[string]string{},
	}
}

// redeemToActive drives a fresh redeem through priming to Active.
func redeemToActive(t *testing.T, tk *testKernel) *Reservation {
	t.Helper()
	tk.bindWithUnit(t)
	req := redeemRequest(t)
	require.NoError(t, tk.HandleRedeem(req))
	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	require.NoError(t, tk.ConfigurationComplete(completionFor(r.Units[0], substrate.ActionCreate)))
	require.Equal(t, StateActive, r.State)
	return r
}

func TestHandleRedeemPrimesUnits(t *testing.T) {
	tk := newTestKernel(t)
	tk.bindWithUnit(t)
	req := redeemRequest(t)

	require.NoError(t, tk.HandleRedeem(req))

	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	assert.Equal(t, CategoryAuthority, r.Category)
	assert.Equal(t, StateNascent, r.State)
	assert.Equal(t, PendingPriming, r.Pending)
	require.Len(t, r.Units, 1)
	assert.Equal(t, substrate.UnitPriming, r.Units[0].State)

	require.Len(t, tk.handler.calls, 1)
	assert.Equal(t, substrate.ActionCreate, tk.handler.calls[0].action)

	// No answer yet: the lease update waits for the handler completion.
	assert.Empty(t, tk.outbound.calls)
}

func TestCompletionActivatesLease(t *testing.T) {
	tk := newTestKernel(t)
	r := redeemToActive(t, tk)

	assert.Equal(t, PendingNone, r.Pending)
	assert.Equal(t, substrate.UnitActive, r.Units[0].State)
	assert.Equal(t, r.Approved, r.Allocated)

	last := tk.outbound.last(t)
	assert.Equal(t, "update-lease", last.op)
	assert.False(t, last.update.Failed)
	assert.False(t, last.closed)
}

func TestStaleCompletionDropped(t *testing.T) {
	tk := newTestKernel(t)
	tk.bindWithUnit(t)
	req := redeemRequest(t)
	require.NoError(t, tk.HandleRedeem(req))
	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)

	c := completionFor(r.Units[0], substrate.ActionCreate)
	c.Sequence = r.Units[0].Sequence - 1
	require.NoError(t, tk.ConfigurationComplete(c))
	assert.Equal(t, PendingPriming, r.Pending)
	assert.Empty(t, tk.outbound.calls)
}

func TestFailedCompletionFailsReservation(t *testing.T) {
	tk := newTestKernel(t)
	tk.bindWithUnit(t)
	req := redeemRequest(t)
	require.NoError(t, tk.HandleRedeem(req))
	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)

	c := completionFor(r.Units[0], substrate.ActionCreate)
	c.ResultCode = 1
	c.Message = "no such image"
	require.NoError(t, tk.ConfigurationComplete(c))

	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, substrate.UnitFailed, r.Units[0].State)
	assert.Equal(t, "no such image", r.Units[0].Notice)

	last := tk.outbound.last(t)
	assert.Equal(t, "update-lease", last.op)
	assert.True(t, last.update.Failed)
	assert.Equal(t, "no such image", last.update.Message)
}

// bindWithUnits installs a bind assigning n units of the requested type.
func (tk *testKernel) bindWithUnits(t *testing.T, n int) {
	t.Helper()
	tk.policy.bind = func(r *Reservation) (bool, error) {
		units := make([]*substrate.Unit, n)
		for i := range units {
			units[i] = substrate.NewUnit(r.RID, r.SliceID, tk.ActorGUID(), "vm")
		}
		r.Approved = r.Requested.Clone()
		if err := tk.AssignUnits(r, units); err != nil {
			return false, err
		}
		return true, nil
	}
}

func TestPartialUnitFailureFailsReservation(t *testing.T) {
	tk := newTestKernel(t)
	tk.bindWithUnits(t, 2)
	req := redeemRequest(t)
	require.NoError(t, tk.HandleRedeem(req))
	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	require.Len(t, r.Units, 2)

	// The first unit comes up; the reservation keeps priming on the second.
	require.NoError(t, tk.ConfigurationComplete(completionFor(r.Units[0], substrate.ActionCreate)))
	assert.Equal(t, PendingPriming, r.Pending)
	assert.Empty(t, tk.outbound.calls)

	c := completionFor(r.Units[1], substrate.ActionCreate)
	c.ResultCode = 1
	c.Message = "host unreachable"
	require.NoError(t, tk.ConfigurationComplete(c))

	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, substrate.UnitActive, r.Units[0].State)
	assert.Equal(t, substrate.UnitFailed, r.Units[1].State)

	last := tk.outbound.last(t)
	assert.Equal(t, "update-lease", last.op)
	assert.True(t, last.update.Failed)
	assert.Equal(t, "host unreachable", last.update.Message)
}

func TestUnitFailureWaitsForRemainingCompletions(t *testing.T) {
	tk := newTestKernel(t)
	tk.bindWithUnits(t, 2)
	req := redeemRequest(t)
	require.NoError(t, tk.HandleRedeem(req))
	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)

	// The failure arrives first: the reservation stays priming until the
	// other unit reports, then fails with the recorded notice.
	c := completionFor(r.Units[0], substrate.ActionCreate)
	c.ResultCode = 1
	c.Message = "disk allocation failed"
	require.NoError(t, tk.ConfigurationComplete(c))
	assert.Equal(t, PendingPriming, r.Pending)
	assert.Empty(t, tk.outbound.calls)

	require.NoError(t, tk.ConfigurationComplete(completionFor(r.Units[1], substrate.ActionCreate)))

	assert.Equal(t, StateFailed, r.State)
	last := tk.outbound.last(t)
	assert.Equal(t, "update-lease", last.op)
	assert.True(t, last.update.Failed)
	assert.Equal(t, "disk allocation failed", last.update.Message)
}

func TestHandleExtendLeaseTermOnly(t *testing.T) {
	tk := newTestKernel(t)
	r := redeemToActive(t, tk)

	require.NoError(t, tk.HandleExtendLease(ReservationRequest{
		RID:      r.RID,
		Term:     mustTerm(t, 5, 20),
		Sequence: 2,
	}))

	// A term-only extension completes without touching the substrate.
	assert.Equal(t, StateActive, r.State)
	assert.Equal(t, PendingNone, r.Pending)
	assert.Equal(t, int64(10), r.Term.NewStart)
	assert.Equal(t, int64(20), r.Term.End)
	assert.Len(t, tk.handler.calls, 1)
	assert.Equal(t, "update-lease", tk.outbound.last(t).op)
}

func TestHandleExtendLeaseSliverChangeModifies(t *testing.T) {
	tk := newTestKernel(t)
	r := redeemToActive(t, tk)

	rs, err := NewResourceSet(1, "vm")
	require.NoError(t, err)
	rs.Sliver = `{"cores":4}`
	require.NoError(t, tk.HandleExtendLease(ReservationRequest{
		RID:       r.RID,
		Resources: rs,
		Term:      mustTerm(t, 5, 20),
		Sequence:  2,
	}))

	assert.Equal(t, PendingExtendingLease, r.Pending)
	require.Len(t, tk.handler.calls, 2)
	assert.Equal(t, substrate.ActionModify, tk.handler.calls[1].action)

	require.NoError(t, tk.ConfigurationComplete(completionFor(r.Units[0], substrate.ActionModify)))
	assert.Equal(t, StateActive, r.State)
	assert.Equal(t, PendingNone, r.Pending)
}

func TestHandleCloseDeletesUnits(t *testing.T) {
	tk := newTestKernel(t)
	r := redeemToActive(t, tk)

	require.NoError(t, tk.HandleClose(ReservationRequest{RID: r.RID, Sequence: 2}))
	assert.Equal(t, PendingClosing, r.Pending)
	assert.Equal(t, substrate.UnitClosing, r.Units[0].State)

	require.NoError(t, tk.ConfigurationComplete(completionFor(r.Units[0], substrate.ActionDelete)))
	assert.Equal(t, StateClosed, r.State)
	assert.Equal(t, substrate.UnitDeleted, r.Units[0].State)

	last := tk.outbound.last(t)
	assert.Equal(t, "update-lease", last.op)
	assert.True(t, last.closed)
	assert.Contains(t, tk.policy.closed, r.RID)
}

func TestHandleCloseNascentAnswersImmediately(t *testing.T) {
	tk := newTestKernel(t)
	tk.policy.bind = func(*Reservation) (bool, error) { return false, nil }
	req := redeemRequest(t)
	require.NoError(t, tk.HandleRedeem(req))
	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	require.Equal(t, StateNascent, r.State)

	require.NoError(t, tk.HandleClose(ReservationRequest{RID: req.RID, Sequence: 2}))
	assert.Equal(t, StateClosed, r.State)

	last := tk.outbound.last(t)
	assert.Equal(t, "update-lease", last.op)
	assert.True(t, last.closed)
}

func TestServicePassGraceClosesExpiredLease(t *testing.T) {
	tk := newTestKernel(t)
	r := redeemToActive(t, tk)

	// At the term end the client still has a chance to close; one cycle
	// later the authority tears the lease down itself.
	require.NoError(t, tk.Tick(10))
	assert.Equal(t, PendingNone, r.Pending)

	require.NoError(t, tk.Tick(11))
	assert.Equal(t, PendingClosing, r.Pending)
	assert.Equal(t, substrate.UnitClosing, r.Units[0].State)
}

func TestHandleRedeemMissingHandlerFails(t *testing.T) {
	tk := newTestKernel(t)
	tk.policy.bind = func(r *Reservation) (bool, error) {
		u := substrate.NewUnit(r.RID, r.SliceID, tk.ActorGUID(), "gpu")
		r.Approved = r.Requested.Clone()
		if err := tk.AssignUnits(r, []*substrate.Unit{u}); err != nil {
			return false, err
		}
		return true, nil
	}
	req := redeemRequest(t)
	require.NoError(t, tk.HandleRedeem(req))

	r, err := tk.GetReservation(req.RID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, r.State)

	last := tk.outbound.last(t)
	assert.Equal(t, "update-lease", last.op)
	assert.True(t, last.update.Failed)
	assert.Contains(t, last.update.Message, "no handler")
}
