// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
)

// DelegationVersion tags the serialized delegation schema.
const DelegationVersion = 1

// Delegation is a chunk of resources an authority advertises to a broker.
// Once claimed it backs the broker policy's allocatable pool.
type Delegation struct {
	Version int             `json:"version"`
	DID     ids.ID          `json:"did"`
	SliceID ids.ID          `json:"slice_id"`
	State   DelegationState `json:"state"`
	// Graph is the opaque ADM fragment backing the pool.
	Graph string `json:"graph,omitempty"`
	// Units is the pool capacity carried by the fragment.
	Units        int        `json:"units"`
	ResourceType string     `json:"resource_type,omitempty"`
	Issuer       ids.ID     `json:"issuer"`
	Holder       ids.ID     `json:"holder,omitempty"`
	SequenceIn   int64      `json:"sequence_in"`
	SequenceOut  int64      `json:"sequence_out"`
	UpdateData   UpdateData `json:"update_data"`

	outstandingRPC bool
}

// NewDelegation builds a Nascent delegation issued by the given actor.
func NewDelegation(did, sliceID, issuer ids.ID, units int, resourceType, graph string) *Delegation {
	return &Delegation{
		Version:      DelegationVersion,
		DID:          did,
		SliceID:      sliceID,
		State:        DelegationNascent,
		Graph:        graph,
		Units:        units,
		ResourceType: resourceType,
		Issuer:       issuer,
	}
}

// DelegationEvent names a stimulus on the delegation state machine.
type DelegationEvent int

const (
	DevDelegate DelegationEvent = iota
	DevReclaim
	DevClose
	DevFail
)

func (e DelegationEvent) String() string {
	switch e {
	case DevDelegate:
		return "delegate"
	case DevReclaim:
		return "reclaim"
	case DevClose:
		return "close"
	default:
		return "fail"
	}
}

var delegationTransitions = map[DelegationState]map[DelegationEvent]DelegationState{
	DelegationNascent: {
		DevDelegate: DelegationDelegated,
		DevClose:    DelegationClosed,
	},
	DelegationDelegated: {
		DevReclaim: DelegationReclaimed,
		DevClose:   DelegationClosed,
	},
	DelegationReclaimed: {
		DevDelegate: DelegationDelegated,
		DevClose:    DelegationClosed,
	},
}

// Apply moves the delegation through its state machine. DevFail is legal
// from any non-terminal state.
func (d *Delegation) Apply(ev DelegationEvent) error {
	if d.State.Terminal() {
		return errs.New(errs.InvalidState, "delegation %s is terminal (%s), cannot apply %s", d.DID, d.State, ev)
	}
	if ev == DevFail {
		d.State = DelegationFailed
		return nil
	}
	next, ok := delegationTransitions[d.State][ev]
	if !ok {
		return errs.New(errs.InvalidState, "delegation %s: event %s illegal in state %s", d.DID, ev, d.State)
	}
	d.State = next
	return nil
}

// HasOutstandingRPC reports whether an outbound request awaits a response.
func (d *Delegation) HasOutstandingRPC() bool { return d.outstandingRPC }

// MarkOutstandingRPC records the in-flight outbound request.
func (d *Delegation) MarkOutstandingRPC() { d.outstandingRPC = true }

// ClearOutstandingRPC clears the in-flight marker.
func (d *Delegation) ClearOutstandingRPC() { d.outstandingRPC = false }

// NextSequenceOut advances and returns the outbound sequence number.
func (d *Delegation) NextSequenceOut() int64 {
	d.SequenceOut++
	return d.SequenceOut
}

func (d *Delegation) snapshot() Delegation { return *d }

func (d *Delegation) restore(snap Delegation) { *d = snap }
