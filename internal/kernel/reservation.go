// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/substrate"
	"github.com/crucible-testbed/crucible/internal/tick"
)

// ReservationVersion tags the serialized reservation schema.
const ReservationVersion = 1

// Reservation is a request/grant for units of one resource type over a
// term. It is created by exactly one actor (its owner); peers hold shadows
// kept in sync over RPC.
type Reservation struct {
	Version  int      `json:"version"`
	RID      ids.ID   `json:"rid"`
	SliceID  ids.ID   `json:"slice_id"`
	Category Category `json:"category"`

	Requested *ResourceSet `json:"requested,omitempty"`
	Approved  *ResourceSet `json:"approved,omitempty"`
	Allocated *ResourceSet `json:"allocated,omitempty"`

	Term          tick.Term `json:"term"`
	RequestedTerm tick.Term `json:"requested_term"`

	State   State     `json:"state"`
	Pending Pending   `json:"pending"`
	Join    JoinState `json:"join"`

	// SequenceIn is the highest inbound sequence accepted from the peer;
	// SequenceOut numbers outbound requests for this reservation.
	// RespondedSeq is the highest inbound sequence already answered, kept
	// so a duplicate retried across a restart is still dropped.
	SequenceIn   int64 `json:"sequence_in"`
	SequenceOut  int64 `json:"sequence_out"`
	RespondedSeq int64 `json:"responded_seq"`

	Predecessors []ids.ID      `json:"predecessors,omitempty"`
	UpdateData   UpdateData    `json:"update_data"`
	GraphNodeID  string        `json:"graph_node_id,omitempty"`
	Owner        ids.AuthToken `json:"owner"`

	// PeerID is the upstream actor this reservation talks to: the broker
	// for a client reservation, the authority for a redeemed one. Broker
	// and authority reservations record the requesting peer instead.
	PeerID ids.ID `json:"peer_id,omitempty"`
	// AuthorityID is the authority a client reservation redeems against.
	AuthorityID ids.ID `json:"authority_id,omitempty"`
	// CreatedAt orders reservations for deterministic policy passes.
	CreatedAt int64 `json:"created_at"`

	// Units are the authority-side physical bindings for this reservation.
	Units []*substrate.Unit `json:"units,omitempty"`

	// outstandingRPC tracks the single in-flight outbound request; not
	// persisted, rebuilt by recovery through pending-state resumption.
	outstandingRPC bool
	// closeRequested remembers a close arriving while another operation
	// was pending; the close resumes when the operation resolves.
	closeRequested bool
}

// NewReservation builds an owner-side reservation in the Nascent state.
func NewReservation(rid, sliceID ids.ID, category Category, requested *ResourceSet, term tick.Term) *Reservation {
	return &Reservation{
		Version:       ReservationVersion,
		RID:           rid,
		SliceID:       sliceID,
		Category:      category,
		Requested:     requested,
		Term:          term,
		RequestedTerm: term,
		State:         StateNascent,
		Pending:       PendingNone,
		Join:          JoinNone,
	}
}

// HasPending reports whether an operation is in flight.
func (r *Reservation) HasPending() bool { return r.Pending != PendingNone }

// Terminal reports whether the reservation can no longer change state.
func (r *Reservation) Terminal() bool { return r.State.Terminal() }

// HasOutstandingRPC reports whether an outbound request awaits a response.
func (r *Reservation) HasOutstandingRPC() bool { return r.outstandingRPC }

// MarkOutstandingRPC records the single in-flight outbound request.
func (r *Reservation) MarkOutstandingRPC() { r.outstandingRPC = true }

// ClearOutstandingRPC clears the in-flight marker on response or failure.
func (r *Reservation) ClearOutstandingRPC() { r.outstandingRPC = false }

// NextSequenceOut advances and returns the outbound sequence number.
func (r *Reservation) NextSequenceOut() int64 {
	r.SequenceOut++
	return r.SequenceOut
}

// AcceptInbound checks an inbound sequence number against the monotonicity
// rule. It returns (accept, duplicate): stale messages are rejected, an
// already-answered sequence is reported as a duplicate.
func (r *Reservation) AcceptInbound(seq int64) (accept, duplicate bool) {
	if seq < r.SequenceIn {
		return false, false
	}
	if seq == r.SequenceIn && r.RespondedSeq >= seq && seq != 0 {
		return false, true
	}
	r.SequenceIn = seq
	return true, false
}

// MarkResponded records that a response was sent for the given inbound
// sequence.
func (r *Reservation) MarkResponded(seq int64) {
	if seq > r.RespondedSeq {
		r.RespondedSeq = seq
	}
}

// snapshot returns a copy used for storage rollback.
func (r *Reservation) snapshot() Reservation {
	cp := *r
	cp.Requested = r.Requested.Clone()
	cp.Approved = r.Approved.Clone()
	cp.Allocated = r.Allocated.Clone()
	cp.Predecessors = append([]ids.ID(nil), r.Predecessors...)
	cp.Units = append([]*substrate.Unit(nil), r.Units...)
	return cp
}

// restore reverts the reservation to a snapshot.
func (r *Reservation) restore(snap Reservation) {
	*r = snap
}
