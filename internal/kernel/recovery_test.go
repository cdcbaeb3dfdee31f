// SPDX-License-Identifier: MIT

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/substrate"
	"github.com/crucible-testbed/crucible/internal/tick"
)

// persistedSlice fakes a slice that survived a restart: the store knows it
// but the kernel index does not.
func persistedSlice(tk *testKernel) *Slice {
	s := NewSlice(ids.NewID(), "s", SliceTypeClient, ids.AuthToken{Name: "a", GUID: ids.NewID()})
	tk.store.hasSlice[s.SliceID] = true
	return s
}

func recoveredReservation(sliceID ids.ID, cat Category, state State, pending Pending) *Reservation {
	rs := &ResourceSet{Units: 1, Type: "vm"}
	term := tick.Term{Start: 5, End: 10}
	r := NewReservation(ids.NewID(), sliceID, cat, rs, term)
	r.State = state
	r.Pending = pending
	r.Approved = rs.Clone()
	return r
}

func TestRecoverSliceRequiresPersistedRecord(t *testing.T) {
	tk := newTestKernel(t)
	s := NewSlice(ids.NewID(), "ghost", SliceTypeClient, ids.AuthToken{Name: "a", GUID: ids.NewID()})
	assert.Error(t, tk.RecoverSlice(s))

	s2 := persistedSlice(tk)
	require.NoError(t, tk.RecoverSlice(s2))
	got, err := tk.GetSlice(s2.SliceID)
	require.NoError(t, err)
	assert.Equal(t, s2, got)
}

func TestRecoverReservationResendsPendingRequest(t *testing.T) {
	cases := []struct {
		pending Pending
		op      string
	}{
		{PendingTicketing, "ticket"},
		{PendingExtendingTicket, "extend-ticket"},
		{PendingRedeeming, "redeem"},
		{PendingExtendingLease, "extend-lease"},
		{PendingClosing, "close"},
	}
	for _, c := range cases {
		tk := newTestKernel(t)
		s := persistedSlice(tk)
		require.NoError(t, tk.RecoverSlice(s))

		state := StateNascent
		switch c.pending {
		case PendingRedeeming, PendingClosing:
			state = StateTicketed
		case PendingExtendingTicket:
			state = StateActive
		case PendingExtendingLease:
			state = StateActiveTicketed
		}
		r := recoveredReservation(s.SliceID, CategoryClient, state, c.pending)
		require.NoError(t, tk.RecoverReservation(r))

		assert.Equal(t, []string{c.op}, tk.outbound.ops(), "pending %s", c.pending)
		assert.True(t, r.HasOutstandingRPC())
	}
}

func TestRecoverTerminalReservationIsInert(t *testing.T) {
	tk := newTestKernel(t)
	s := persistedSlice(tk)
	require.NoError(t, tk.RecoverSlice(s))

	r := recoveredReservation(s.SliceID, CategoryClient, StateClosed, PendingNone)
	require.NoError(t, tk.RecoverReservation(r))
	assert.Empty(t, tk.outbound.calls)
}

func TestRecoverBrokerNascentRebindsOnTick(t *testing.T) {
	tk := newTestKernel(t)
	s := persistedSlice(tk)
	require.NoError(t, tk.RecoverSlice(s))

	r := recoveredReservation(s.SliceID, CategoryBroker, StateNascent, PendingNone)
	r.Approved = nil
	require.NoError(t, tk.RecoverReservation(r))
	assert.Empty(t, tk.outbound.calls)

	// The interrupted bind is retried by the next service pass.
	require.NoError(t, tk.Tick(0))
	assert.Equal(t, StateTicketed, r.State)
	assert.Equal(t, "update-ticket", tk.outbound.last(t).op)
}

func TestRecoverAuthorityRedrivesUnits(t *testing.T) {
	tk := newTestKernel(t)
	s := persistedSlice(tk)
	require.NoError(t, tk.RecoverSlice(s))

	r := recoveredReservation(s.SliceID, CategoryAuthority, StateNascent, PendingPriming)
	u := substrate.NewUnit(r.RID, r.SliceID, tk.ActorGUID(), "vm")
	r.Units = []*substrate.Unit{u}
	require.NoError(t, tk.RecoverReservation(r))

	require.Len(t, tk.handler.calls, 1)
	assert.Equal(t, substrate.ActionCreate, tk.handler.calls[0].action)
	assert.Equal(t, substrate.UnitPriming, u.State)

	// The re-driven create completes and activates the lease as usual.
	require.NoError(t, tk.ConfigurationComplete(completionFor(u, substrate.ActionCreate)))
	assert.Equal(t, StateActive, r.State)
}

func TestRecoverDelegationRevisitsPolicy(t *testing.T) {
	tk := newTestKernel(t)
	revisited := false
	d := NewDelegation(ids.NewID(), ids.NewID(), ids.NewID(), 4, "vm", "{}")
	d.State = DelegationDelegated

	tk.Kernel.policy = revisitSpy{fakePolicy: tk.policy, hit: &revisited}

	require.NoError(t, tk.RecoverDelegation(d))
	assert.True(t, revisited)
	got, err := tk.GetDelegation(d.DID)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

type revisitSpy struct {
	*fakePolicy
	hit *bool
}

func (s revisitSpy) RevisitDelegation(d *Delegation) error {
	*s.hit = true
	return nil
}
