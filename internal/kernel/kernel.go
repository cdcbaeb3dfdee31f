// SPDX-License-Identifier: MIT

package kernel

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/substrate"
	"github.com/crucible-testbed/crucible/internal/tick"
)

// Kernel owns the slice, reservation and delegation tables of one actor and
// applies all state transitions. It must only be driven from the actor's
// event loop.
type Kernel struct {
	actorName string
	actorGUID ids.ID

	store    Store
	policy   Policy
	outbound Outbound
	clock    *tick.Clock
	handlers map[string]substrate.Handler

	slices       map[ids.ID]*Slice
	reservations map[ids.ID]*Reservation
	delegations  map[ids.ID]*Delegation
	bySlice      map[ids.ID]map[ids.ID]*Reservation

	currentCycle int64
	seq          int64 // creation counter for deterministic ordering
	logger       zerolog.Logger

	// observer, when set, is notified after every reservation transition.
	observer func(r *Reservation)
}

// Config assembles a kernel.
type Config struct {
	ActorName string
	ActorGUID ids.ID
	Store     Store
	Policy    Policy
	Outbound  Outbound
	Clock     *tick.Clock
	// Handlers maps resource type to the substrate handler (authority only).
	Handlers map[string]substrate.Handler
}

// New builds an empty kernel.
func New(cfg Config) *Kernel {
	return &Kernel{
		actorName:    cfg.ActorName,
		actorGUID:    cfg.ActorGUID,
		store:        cfg.Store,
		policy:       cfg.Policy,
		outbound:     cfg.Outbound,
		clock:        cfg.Clock,
		handlers:     cfg.Handlers,
		slices:       make(map[ids.ID]*Slice),
		reservations: make(map[ids.ID]*Reservation),
		delegations:  make(map[ids.ID]*Delegation),
		bySlice:      make(map[ids.ID]map[ids.ID]*Reservation),
		currentCycle: -1,
		logger:       log.WithActor("kernel", cfg.ActorName),
	}
}

// SetObserver installs a hook notified after every reservation transition.
func (k *Kernel) SetObserver(fn func(r *Reservation)) { k.observer = fn }

// CurrentCycle returns the last cycle delivered to the kernel.
func (k *Kernel) CurrentCycle() int64 { return k.currentCycle }

// Query answers an introspection query through the policy.
func (k *Kernel) Query(properties map[string]string) map[string]string {
	return k.policy.Query(properties)
}

// ActorGUID returns the owning actor's identifier.
func (k *Kernel) ActorGUID() ids.ID { return k.actorGUID }

// --- slice table ---

// RegisterSlice adds a new slice to the index and persists it.
func (k *Kernel) RegisterSlice(s *Slice) error {
	if s == nil || s.SliceID.Empty() {
		return errs.New(errs.InvalidArgument, "slice id is required")
	}
	if _, ok := k.slices[s.SliceID]; ok {
		return errs.New(errs.InvalidArgument, "slice %s already registered", s.SliceID)
	}
	k.seq++
	s.CreatedAt = k.seq
	if err := k.store.AddSlice(s); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "persist slice %s", s.SliceID)
	}
	k.slices[s.SliceID] = s
	k.bySlice[s.SliceID] = make(map[ids.ID]*Reservation)
	k.logger.Info().Str(log.FieldSliceID, s.SliceID.String()).Str("name", s.Name).Msg("slice registered")
	return nil
}

// ReRegisterSlice re-indexes an already-persisted slice during recovery. It
// fails if the slice was never persisted.
func (k *Kernel) ReRegisterSlice(s *Slice) error {
	if _, ok := k.slices[s.SliceID]; ok {
		return errs.New(errs.InvalidArgument, "slice %s already registered", s.SliceID)
	}
	persisted, err := k.store.HasSlice(s.SliceID)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "check slice %s", s.SliceID)
	}
	if !persisted {
		return errs.New(errs.InvalidState, "slice %s is not persisted, cannot re-register", s.SliceID)
	}
	k.seq++
	s.CreatedAt = k.seq
	k.slices[s.SliceID] = s
	if _, ok := k.bySlice[s.SliceID]; !ok {
		k.bySlice[s.SliceID] = make(map[ids.ID]*Reservation)
	}
	return nil
}

// UnregisterSlice removes a slice from the index, leaving the persisted
// record intact.
func (k *Kernel) UnregisterSlice(id ids.ID) error {
	if _, ok := k.slices[id]; !ok {
		return errs.New(errs.NotFound, "slice %s", id)
	}
	if len(k.bySlice[id]) > 0 {
		return errs.New(errs.InvalidState, "slice %s still has reservations", id)
	}
	delete(k.slices, id)
	delete(k.bySlice, id)
	return nil
}

// RemoveSlice removes a slice from the index and from storage. All children
// must be terminal and already removed.
func (k *Kernel) RemoveSlice(id ids.ID) error {
	if _, ok := k.slices[id]; !ok {
		return errs.New(errs.NotFound, "slice %s", id)
	}
	if len(k.bySlice[id]) > 0 {
		return errs.New(errs.InvalidState, "slice %s still has reservations", id)
	}
	for _, d := range k.delegations {
		if d.SliceID == id {
			return errs.New(errs.InvalidState, "slice %s still has delegations", id)
		}
	}
	if err := k.store.RemoveSlice(id); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "remove slice %s", id)
	}
	delete(k.slices, id)
	delete(k.bySlice, id)
	return nil
}

// GetSlice looks a slice up by id.
func (k *Kernel) GetSlice(id ids.ID) (*Slice, error) {
	s, ok := k.slices[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "slice %s", id)
	}
	return s, nil
}

// Slices returns all slices ordered by creation.
func (k *Kernel) Slices() []*Slice {
	out := make([]*Slice, 0, len(k.slices))
	for _, s := range k.slices {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// InventorySlices returns the inventory slices ordered by creation.
func (k *Kernel) InventorySlices() []*Slice {
	var out []*Slice
	for _, s := range k.Slices() {
		if s.Inventory() {
			out = append(out, s)
		}
	}
	return out
}

// --- reservation table ---

// RegisterReservation indexes and persists a new reservation. The owning
// slice must already be registered.
func (k *Kernel) RegisterReservation(r *Reservation) error {
	if r == nil || r.RID.Empty() {
		return errs.New(errs.InvalidArgument, "reservation id is required")
	}
	if _, ok := k.reservations[r.RID]; ok {
		return errs.New(errs.InvalidArgument, "reservation %s already registered", r.RID)
	}
	if _, ok := k.slices[r.SliceID]; !ok {
		return errs.New(errs.NotFound, "slice %s for reservation %s", r.SliceID, r.RID)
	}
	k.seq++
	r.CreatedAt = k.seq
	if r.Version == 0 {
		r.Version = ReservationVersion
	}
	if err := k.store.AddReservation(r); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "persist reservation %s", r.RID)
	}
	k.reservations[r.RID] = r
	k.bySlice[r.SliceID][r.RID] = r
	k.logger.Info().
		Str(log.FieldReservation, r.RID.String()).
		Str(log.FieldSliceID, r.SliceID.String()).
		Str(log.FieldNewState, r.State.String()).
		Msg("reservation registered")
	return nil
}

// ReRegisterReservation re-indexes a persisted reservation during recovery.
func (k *Kernel) ReRegisterReservation(r *Reservation) error {
	if _, ok := k.reservations[r.RID]; ok {
		return errs.New(errs.InvalidArgument, "reservation %s already registered", r.RID)
	}
	if _, ok := k.slices[r.SliceID]; !ok {
		return errs.New(errs.NotFound, "slice %s for reservation %s", r.SliceID, r.RID)
	}
	k.seq++
	r.CreatedAt = k.seq
	k.reservations[r.RID] = r
	k.bySlice[r.SliceID][r.RID] = r
	return nil
}

// UnregisterReservation removes a reservation from the indexes only.
func (k *Kernel) UnregisterReservation(rid ids.ID) error {
	r, ok := k.reservations[rid]
	if !ok {
		return errs.New(errs.NotFound, "reservation %s", rid)
	}
	delete(k.reservations, rid)
	delete(k.bySlice[r.SliceID], rid)
	return nil
}

// RemoveReservation removes a reservation from the indexes and storage. The
// reservation must be terminal.
func (k *Kernel) RemoveReservation(rid ids.ID) error {
	r, ok := k.reservations[rid]
	if !ok {
		return errs.New(errs.NotFound, "reservation %s", rid)
	}
	if !r.Terminal() {
		return errs.New(errs.InvalidState, "reservation %s in state %s is not terminal", rid, r.State)
	}
	if err := k.store.RemoveReservation(rid); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "remove reservation %s", rid)
	}
	delete(k.reservations, rid)
	delete(k.bySlice[r.SliceID], rid)
	return nil
}

// GetReservation looks a reservation up by id.
func (k *Kernel) GetReservation(rid ids.ID) (*Reservation, error) {
	r, ok := k.reservations[rid]
	if !ok {
		return nil, errs.New(errs.NotFound, "reservation %s", rid)
	}
	return r, nil
}

// ReservationsBySlice returns a slice's reservations ordered by creation.
func (k *Kernel) ReservationsBySlice(sliceID ids.ID) []*Reservation {
	m := k.bySlice[sliceID]
	out := make([]*Reservation, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// orderedReservations returns every reservation in slice-creation then
// reservation-creation order; the order the policy observes within a cycle.
func (k *Kernel) orderedReservations() []*Reservation {
	var out []*Reservation
	for _, s := range k.Slices() {
		out = append(out, k.ReservationsBySlice(s.SliceID)...)
	}
	return out
}

// --- delegation table ---

// RegisterDelegation indexes and persists a new delegation.
func (k *Kernel) RegisterDelegation(d *Delegation) error {
	if d == nil || d.DID.Empty() {
		return errs.New(errs.InvalidArgument, "delegation id is required")
	}
	if _, ok := k.delegations[d.DID]; ok {
		return errs.New(errs.InvalidArgument, "delegation %s already registered", d.DID)
	}
	if _, ok := k.slices[d.SliceID]; !ok {
		return errs.New(errs.NotFound, "slice %s for delegation %s", d.SliceID, d.DID)
	}
	if err := k.store.AddDelegation(d); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "persist delegation %s", d.DID)
	}
	k.delegations[d.DID] = d
	return nil
}

// ReRegisterDelegation re-indexes a persisted delegation during recovery.
func (k *Kernel) ReRegisterDelegation(d *Delegation) error {
	if _, ok := k.delegations[d.DID]; ok {
		return errs.New(errs.InvalidArgument, "delegation %s already registered", d.DID)
	}
	k.delegations[d.DID] = d
	return nil
}

// UnregisterDelegation removes a delegation from the index only.
func (k *Kernel) UnregisterDelegation(did ids.ID) error {
	if _, ok := k.delegations[did]; !ok {
		return errs.New(errs.NotFound, "delegation %s", did)
	}
	delete(k.delegations, did)
	return nil
}

// RemoveDelegation removes a delegation from the index and storage.
func (k *Kernel) RemoveDelegation(did ids.ID) error {
	d, ok := k.delegations[did]
	if !ok {
		return errs.New(errs.NotFound, "delegation %s", did)
	}
	if !d.State.Terminal() {
		return errs.New(errs.InvalidState, "delegation %s in state %s is not terminal", did, d.State)
	}
	if err := k.store.RemoveDelegation(did); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "remove delegation %s", did)
	}
	delete(k.delegations, did)
	return nil
}

// GetDelegation looks a delegation up by id.
func (k *Kernel) GetDelegation(did ids.ID) (*Delegation, error) {
	d, ok := k.delegations[did]
	if !ok {
		return nil, errs.New(errs.NotFound, "delegation %s", did)
	}
	return d, nil
}

// Delegations returns all delegations.
func (k *Kernel) Delegations() []*Delegation {
	out := make([]*Delegation, 0, len(k.delegations))
	for _, d := range k.delegations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out
}

// --- shared helpers ---

// transition applies ev to r, persists, and reverts on storage failure.
func (k *Kernel) transition(r *Reservation, ev Event) error {
	snap := r.snapshot()
	oldState, oldPending := r.State, r.Pending
	if err := r.apply(ev); err != nil {
		return err
	}
	if err := k.store.UpdateReservation(r); err != nil {
		r.restore(snap)
		return errs.Wrap(errs.StorageFailure, err, "persist reservation %s", r.RID)
	}
	k.logger.Info().
		Str(log.FieldReservation, r.RID.String()).
		Str(log.FieldEvent, ev.String()).
		Str(log.FieldOldState, oldState.String()+"/"+oldPending.String()).
		Str(log.FieldNewState, r.State.String()+"/"+r.Pending.String()).
		Msg("reservation transition")
	if k.observer != nil {
		k.observer(r)
	}
	k.reevaluateSlice(r.SliceID)
	return nil
}

// mutate persists an in-place field change with rollback.
func (k *Kernel) mutate(r *Reservation, change func()) error {
	snap := r.snapshot()
	change()
	if err := k.store.UpdateReservation(r); err != nil {
		r.restore(snap)
		return errs.Wrap(errs.StorageFailure, err, "persist reservation %s", r.RID)
	}
	return nil
}

// mutateDelegation persists a delegation change with rollback.
func (k *Kernel) mutateDelegation(d *Delegation, change func() error) error {
	snap := d.snapshot()
	if err := change(); err != nil {
		return err
	}
	if err := k.store.UpdateDelegation(d); err != nil {
		d.restore(snap)
		return errs.Wrap(errs.StorageFailure, err, "persist delegation %s", d.DID)
	}
	return nil
}

// reevaluateSlice recomputes and persists the slice's derived state.
func (k *Kernel) reevaluateSlice(sliceID ids.ID) {
	s, ok := k.slices[sliceID]
	if !ok {
		return
	}
	snap := s.snapshot()
	old := s.State
	next := s.Reevaluate(k.ReservationsBySlice(sliceID))
	if next == old {
		return
	}
	if err := k.store.UpdateSlice(s); err != nil {
		s.restore(snap)
		k.logger.Error().Err(err).Str(log.FieldSliceID, sliceID.String()).Msg("slice state persist failed")
		return
	}
	k.logger.Info().
		Str(log.FieldSliceID, sliceID.String()).
		Str(log.FieldOldState, old.String()).
		Str(log.FieldNewState, next.String()).
		Msg("slice state changed")
}

// Fail forces a reservation into the Failed state with a notice.
func (k *Kernel) Fail(rid ids.ID, message string) error {
	r, ok := k.reservations[rid]
	if !ok {
		return errs.New(errs.NotFound, "reservation %s", rid)
	}
	if r.Terminal() {
		return nil
	}
	r.ClearOutstandingRPC()
	r.UpdateData = UpdateData{Failed: true, Message: message}
	return k.transition(r, EvFail)
}

// FailDelegation forces a delegation into the Failed state with a notice.
func (k *Kernel) FailDelegation(did ids.ID, message string) error {
	d, ok := k.delegations[did]
	if !ok {
		return errs.New(errs.NotFound, "delegation %s", did)
	}
	if d.State.Terminal() {
		return nil
	}
	d.ClearOutstandingRPC()
	return k.mutateDelegation(d, func() error {
		d.UpdateData = UpdateData{Failed: true, Message: message}
		return d.Apply(DevFail)
	})
}
