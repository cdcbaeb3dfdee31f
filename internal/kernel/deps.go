// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/substrate"
	"github.com/crucible-testbed/crucible/internal/tick"
)

// Store is the write-through persistence surface the kernel requires. Every
// kernel mutation is persisted before it is considered applied; a store
// error rolls the in-memory change back.
type Store interface {
	AddSlice(s *Slice) error
	UpdateSlice(s *Slice) error
	RemoveSlice(id ids.ID) error
	HasSlice(id ids.ID) (bool, error)

	AddReservation(r *Reservation) error
	UpdateReservation(r *Reservation) error
	RemoveReservation(rid ids.ID) error

	AddDelegation(d *Delegation) error
	UpdateDelegation(d *Delegation) error
	RemoveDelegation(did ids.ID) error

	AddUnit(u *substrate.Unit) error
	UpdateUnit(u *substrate.Unit) error
}

// Policy is the per-actor decision plug-in. Policies never mutate kernel
// tables; they communicate through return values and the approved resource
// shapes they write into reservations handed to them.
type Policy interface {
	// Prepare and Finish bracket one scheduler cycle.
	Prepare(cycle int64) error
	Finish(cycle int64) error

	// Bind decides the initial allocation for a reservation. It may mutate
	// r.Approved. Returning ready=false without error defers the decision
	// to a later cycle.
	Bind(r *Reservation) (ready bool, err error)
	// Extend decides an extension. Same contract as Bind.
	Extend(r *Reservation) (ready bool, err error)
	// Close releases any policy-held capacity for the reservation.
	Close(r *Reservation) error

	// Donate offers a claimed delegation to the policy's allocatable pool.
	Donate(d *Delegation) error

	// Revisit rebuilds policy state for a recovered reservation or
	// delegation.
	Revisit(r *Reservation) error
	RevisitDelegation(d *Delegation) error

	// ConfigurationComplete plumbs a substrate handler completion back to
	// the policy.
	ConfigurationComplete(c substrate.Completion) error

	// Query answers introspection queries.
	Query(properties map[string]string) map[string]string
}

// Outbound is the RPC surface the kernel drives. Implementations stamp
// message ids, track pending responses and submit to the transport; errors
// returned here are immediate submission failures, while delivery failures
// arrive later as failure events on the actor loop.
type Outbound interface {
	Ticket(r *Reservation) error
	ExtendTicket(r *Reservation) error
	Relinquish(r *Reservation) error
	Redeem(r *Reservation) error
	ExtendLease(r *Reservation) error
	ModifyLease(r *Reservation) error
	Close(r *Reservation) error

	UpdateTicket(r *Reservation, ud UpdateData) error
	UpdateLease(r *Reservation, ud UpdateData, closed bool) error
	UpdateDelegation(d *Delegation, ud UpdateData) error

	ClaimDelegation(d *Delegation) error
	ReclaimDelegation(d *Delegation) error
}

// ReservationRequest is an inbound server-side request (Ticket, ExtendTicket,
// Redeem, ExtendLease, ModifyLease, Close, Relinquish) already decoded from
// the wire.
type ReservationRequest struct {
	Caller    ids.AuthToken
	Peer      ids.ID
	RID       ids.ID
	SliceID   ids.ID
	SliceName string
	Resources *ResourceSet
	Term      tick.Term
	Sequence  int64
}

// ReservationUpdate is an inbound client-side response (UpdateTicket,
// UpdateLease).
type ReservationUpdate struct {
	Peer      ids.ID
	RID       ids.ID
	Resources *ResourceSet
	Term      tick.Term
	Sequence  int64
	Update    UpdateData
	// AuthorityID names the authority holding the ticketed resources; set
	// on UpdateTicket so the client knows where to redeem.
	AuthorityID ids.ID
	// Closed marks an UpdateLease that confirms lease teardown.
	Closed bool
}

// DelegationRequest is an inbound claim or reclaim.
type DelegationRequest struct {
	Caller   ids.AuthToken
	Peer     ids.ID
	DID      ids.ID
	Sequence int64
}

// DelegationUpdate is an inbound UpdateDelegation.
type DelegationUpdate struct {
	Peer         ids.ID
	DID          ids.ID
	SliceID      ids.ID
	Graph        string
	Units        int
	ResourceType string
	Sequence     int64
	Update       UpdateData
}
