// SPDX-License-Identifier: MIT

package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/substrate"
	"github.com/crucible-testbed/crucible/internal/tick"
)

// fakeStore satisfies Store with an optional single-shot write failure.
type fakeStore struct {
	failNext error
	hasSlice map[ids.ID]bool
}

func newFakeStore() *fakeStore { return &fakeStore{hasSlice: make(map[ids.ID]bool)} }

func (s *fakeStore) step() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *fakeStore) AddSlice(sl *Slice) error {
	if err := s.step(); err != nil {
		return err
	}
	s.hasSlice[sl.SliceID] = true
	return nil
}
func (s *fakeStore) UpdateSlice(*Slice) error { return s.step() }
func (s *fakeStore) RemoveSlice(id ids.ID) error {
	if err := s.step(); err != nil {
		return err
	}
	delete(s.hasSlice, id)
	return nil
}
func (s *fakeStore) HasSlice(id ids.ID) (bool, error)    { return s.hasSlice[id], nil }
func (s *fakeStore) AddReservation(*Reservation) error   { return s.step() }
func (s *fakeStore) UpdateReservation(*Reservation) error { return s.step() }
func (s *fakeStore) RemoveReservation(ids.ID) error      { return s.step() }
func (s *fakeStore) AddDelegation(*Delegation) error     { return s.step() }
func (s *fakeStore) UpdateDelegation(*Delegation) error  { return s.step() }
func (s *fakeStore) RemoveDelegation(ids.ID) error       { return s.step() }
func (s *fakeStore) AddUnit(*substrate.Unit) error       { return s.step() }
func (s *fakeStore) UpdateUnit(*substrate.Unit) error    { return s.step() }

// fakePolicy approves everything unless a hook overrides it.
type fakePolicy struct {
	bind    func(r *Reservation) (bool, error)
	extend  func(r *Reservation) (bool, error)
	closed  []ids.ID
	donated []ids.ID
}

func (p *fakePolicy) Prepare(int64) error { return nil }
func (p *fakePolicy) Finish(int64) error  { return nil }

func (p *fakePolicy) Bind(r *Reservation) (bool, error) {
	if p.bind != nil {
		return p.bind(r)
	}
	if r.Approved == nil {
		r.Approved = r.Requested.Clone()
	}
	return true, nil
}

func (p *fakePolicy) Extend(r *Reservation) (bool, error) {
	if p.extend != nil {
		return p.extend(r)
	}
	return true, nil
}

func (p *fakePolicy) Close(r *Reservation) error {
	p.closed = append(p.closed, r.RID)
	return nil
}

func (p *fakePolicy) Donate(d *Delegation) error {
	p.donated = append(p.donated, d.DID)
	return nil
}

func (p *fakePolicy) Revisit(*Reservation) error                          { return nil }
func (p *fakePolicy) RevisitDelegation(*Delegation) error                 { return nil }
func (p *fakePolicy) ConfigurationComplete(substrate.Completion) error    { return nil }
func (p *fakePolicy) Query(map[string]string) map[string]string           { return nil }

// fakeOutbound records every outbound call in order.
type outboundCall struct {
	op     string
	rid    ids.ID
	did    ids.ID
	update UpdateData
	closed bool
}

type fakeOutbound struct {
	calls []outboundCall
	fail  map[string]error
}

func (o *fakeOutbound) send(c outboundCall) error {
	if err := o.fail[c.op]; err != nil {
		return err
	}
	o.calls = append(o.calls, c)
	return nil
}

func (o *fakeOutbound) Ticket(r *Reservation) error       { return o.send(outboundCall{op: "ticket", rid: r.RID}) }
func (o *fakeOutbound) ExtendTicket(r *Reservation) error { return o.send(outboundCall{op: "extend-ticket", rid: r.RID}) }
func (o *fakeOutbound) Relinquish(r *Reservation) error   { return o.send(outboundCall{op: "relinquish", rid: r.RID}) }
func (o *fakeOutbound) Redeem(r *Reservation) error       { return o.send(outboundCall{op: "redeem", rid: r.RID}) }
func (o *fakeOutbound) ExtendLease(r *Reservation) error  { return o.send(outboundCall{op: "extend-lease", rid: r.RID}) }
func (o *fakeOutbound) ModifyLease(r *Reservation) error  { return o.send(outboundCall{op: "modify-lease", rid: r.RID}) }
func (o *fakeOutbound) Close(r *Reservation) error        { return o.send(outboundCall{op: "close", rid: r.RID}) }

func (o *fakeOutbound) UpdateTicket(r *Reservation, ud UpdateData) error {
	return o.send(outboundCall{op: "update-ticket", rid: r.RID, update: ud})
}

func (o *fakeOutbound) UpdateLease(r *Reservation, ud UpdateData, closed bool) error {
	return o.send(outboundCall{op: "update-lease", rid: r.RID, update: ud, closed: closed})
}

func (o *fakeOutbound) UpdateDelegation(d *Delegation, ud UpdateData) error {
	return o.send(outboundCall{op: "update-delegation", did: d.DID, update: ud})
}

func (o *fakeOutbound) ClaimDelegation(d *Delegation) error {
	return o.send(outboundCall{op: "claim-delegation", did: d.DID})
}

func (o *fakeOutbound) ReclaimDelegation(d *Delegation) error {
	return o.send(outboundCall{op: "reclaim-delegation", did: d.DID})
}

func (o *fakeOutbound) ops() []string {
	out := make([]string, 0, len(o.calls))
	for _, c := range o.calls {
		out = append(out, c.op)
	}
	return out
}

func (o *fakeOutbound) last(t *testing.T) outboundCall {
	t.Helper()
	require.NotEmpty(t, o.calls)
	return o.calls[len(o.calls)-1]
}

// fakeHandler records substrate operations for manual completion delivery.
type handlerCall struct {
	action substrate.Action
	unit   *substrate.Unit
	seq    int64
}

type fakeHandler struct {
	calls []handlerCall
	fail  error
}

func (h *fakeHandler) op(a substrate.Action, u *substrate.Unit, seq int64) error {
	if h.fail != nil {
		return h.fail
	}
	h.calls = append(h.calls, handlerCall{action: a, unit: u, seq: seq})
	return nil
}

func (h *fakeHandler) Create(u *substrate.Unit, seq int64) error { return h.op(substrate.ActionCreate, u, seq) }
func (h *fakeHandler) Modify(u *substrate.Unit, seq int64) error { return h.op(substrate.ActionModify, u, seq) }
func (h *fakeHandler) Delete(u *substrate.Unit, seq int64) error { return h.op(substrate.ActionDelete, u, seq) }

// testKernel bundles a kernel with its fake collaborators.
type testKernel struct {
	*Kernel
	store    *fakeStore
	policy   *fakePolicy
	outbound *fakeOutbound
	handler  *fakeHandler
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	clock, err := tick.NewClock(0, 1000)
	require.NoError(t, err)
	tk := &testKernel{
		store:    newFakeStore(),
		policy:   &fakePolicy{},
		outbound: &fakeOutbound{fail: make(map[string]error)},
		handler:  &fakeHandler{},
	}
	tk.Kernel = New(Config{
		ActorName: "test-actor",
		ActorGUID: ids.NewID(),
		Store:     tk.store,
		Policy:    tk.policy,
		Outbound:  tk.outbound,
		Clock:     clock,
		Handlers:  map[string]substrate.Handler{"vm": tk.handler},
	})
	return tk
}

func (tk *testKernel) addSlice(t *testing.T, typ SliceType) *Slice {
	t.Helper()
	s := NewSlice(ids.NewID(), "s", typ, ids.AuthToken{Name: "alice", GUID: ids.NewID()})
	require.NoError(t, tk.RegisterSlice(s))
	return s
}

func (tk *testKernel) addClient(t *testing.T, s *Slice, start, end int64) *Reservation {
	t.Helper()
	term, err := tick.NewTerm(start, end)
	require.NoError(t, err)
	rs, err := NewResourceSet(1, "vm")
	require.NoError(t, err)
	r := NewReservation(ids.NewID(), s.SliceID, CategoryClient, rs, term)
	require.NoError(t, tk.RegisterReservation(r))
	return r
}

func mustTerm(t *testing.T, start, end int64) tick.Term {
	t.Helper()
	term, err := tick.NewTerm(start, end)
	require.NoError(t, err)
	return term
}

// --- table invariants ---

func TestRegisterSliceDuplicate(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	err := tk.RegisterSlice(s)
	assert.True(t, errs.IsKind(err, errs.InvalidArgument))
}

func TestRegisterReservationRequiresSlice(t *testing.T) {
	tk := newTestKernel(t)
	rs, err := NewResourceSet(1, "vm")
	require.NoError(t, err)
	r := NewReservation(ids.NewID(), ids.NewID(), CategoryClient, rs, mustTerm(t, 5, 10))
	err = tk.RegisterReservation(r)
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestRegisterReservationStoreFailureNotIndexed(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	rs, err := NewResourceSet(1, "vm")
	require.NoError(t, err)
	r := NewReservation(ids.NewID(), s.SliceID, CategoryClient, rs, mustTerm(t, 5, 10))

	tk.store.failNext = errors.New("disk full")
	err = tk.RegisterReservation(r)
	require.True(t, errs.IsKind(err, errs.StorageFailure))

	_, err = tk.GetReservation(r.RID)
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestRemoveReservationRequiresTerminal(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)

	err := tk.RemoveReservation(r.RID)
	assert.True(t, errs.IsKind(err, errs.InvalidState))

	require.NoError(t, tk.Fail(r.RID, "boom"))
	require.NoError(t, tk.RemoveReservation(r.RID))
	_, err = tk.GetReservation(r.RID)
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestRemoveSliceRequiresEmpty(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)

	err := tk.RemoveSlice(s.SliceID)
	assert.True(t, errs.IsKind(err, errs.InvalidState))

	require.NoError(t, tk.Fail(r.RID, "boom"))
	require.NoError(t, tk.RemoveReservation(r.RID))
	require.NoError(t, tk.RemoveSlice(s.SliceID))
	_, err = tk.GetSlice(s.SliceID)
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestRemoveSliceBlockedByDelegation(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeInventory)
	d := NewDelegation(ids.NewID(), s.SliceID, tk.ActorGUID(), 4, "vm", "{}")
	require.NoError(t, tk.RegisterDelegation(d))

	err := tk.RemoveSlice(s.SliceID)
	assert.True(t, errs.IsKind(err, errs.InvalidState))
}

func TestReRegisterSliceRequiresPersistedRecord(t *testing.T) {
	tk := newTestKernel(t)
	s := NewSlice(ids.NewID(), "ghost", SliceTypeClient, ids.AuthToken{Name: "a", GUID: ids.NewID()})
	err := tk.ReRegisterSlice(s)
	assert.True(t, errs.IsKind(err, errs.InvalidState))
}

func TestTransitionRollbackOnStoreFailure(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)

	tk.store.failNext = errors.New("disk full")
	err := tk.Demand(r.RID)
	require.True(t, errs.IsKind(err, errs.StorageFailure))

	// The in-memory reservation reverted and nothing went out.
	assert.Equal(t, StateNascent, r.State)
	assert.Equal(t, PendingNone, r.Pending)
	assert.Empty(t, tk.outbound.calls)
}

func TestFailRecordsNoticeAndIsIdempotent(t *testing.T) {
	tk := newTestKernel(t)
	s := tk.addSlice(t, SliceTypeClient)
	r := tk.addClient(t, s, 5, 10)

	require.NoError(t, tk.Fail(r.RID, "transport gone"))
	assert.Equal(t, StateFailed, r.State)
	assert.True(t, r.UpdateData.Failed)
	assert.Equal(t, "transport gone", r.UpdateData.Message)

	// Failing a terminal reservation is a no-op.
	require.NoError(t, tk.Fail(r.RID, "again"))
	assert.Equal(t, "transport gone", r.UpdateData.Message)
}

func TestTickDropsStaleCycles(t *testing.T) {
	tk := newTestKernel(t)
	require.NoError(t, tk.Tick(5))
	assert.Equal(t, int64(5), tk.CurrentCycle())
	require.NoError(t, tk.Tick(5))
	require.NoError(t, tk.Tick(3))
	assert.Equal(t, int64(5), tk.CurrentCycle())
}
