// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/ids"
)

// SliceVersion tags the serialized slice schema.
const SliceVersion = 1

// SliceType partitions slices by what they hold.
type SliceType int

const (
	// SliceTypeClient groups a user's reservations on an orchestrator.
	SliceTypeClient SliceType = iota
	// SliceTypeInventory holds delegations on a broker or authority.
	SliceTypeInventory
	// SliceTypeBrokerClient mirrors client requests on a broker.
	SliceTypeBrokerClient
)

func (t SliceType) String() string {
	switch t {
	case SliceTypeInventory:
		return "Inventory"
	case SliceTypeBrokerClient:
		return "BrokerClient"
	default:
		return "Client"
	}
}

// Slice is a user-facing container grouping reservations and delegations
// under one owner and one lease window. Its state is derived from its
// children.
type Slice struct {
	Version    int           `json:"version"`
	SliceID    ids.ID        `json:"slice_id"`
	Name       string        `json:"name"`
	Type       SliceType     `json:"type"`
	Owner      ids.AuthToken `json:"owner"`
	GraphID    string        `json:"graph_id,omitempty"`
	State      SliceState    `json:"state"`
	LeaseStart int64         `json:"lease_start"`
	LeaseEnd   int64         `json:"lease_end"`
	// CreatedAt orders slices for deterministic policy passes.
	CreatedAt int64 `json:"created_at"`
	// modifying flags that the current configuration pass was triggered by
	// a modify rather than initial setup; not persisted.
	modifying bool
}

// NewSlice builds a slice in the Configuring state.
func NewSlice(id ids.ID, name string, typ SliceType, owner ids.AuthToken) *Slice {
	return &Slice{
		Version: SliceVersion,
		SliceID: id,
		Name:    name,
		Type:    typ,
		Owner:   owner,
		State:   SliceConfiguring,
	}
}

// Inventory reports whether the slice holds delegations.
func (s *Slice) Inventory() bool { return s.Type == SliceTypeInventory }

// MarkModifying records that subsequent reconfiguration was caused by a
// modify operation, which steers the derived state toward Modifying.
func (s *Slice) MarkModifying() { s.modifying = true }

// Reevaluate recomputes the derived slice state from the child reservation
// states. Rules are evaluated top-down; the first match wins and anything
// else retains the prior state. An empty reservation set keeps the prior
// state as well.
func (s *Slice) Reevaluate(children []*Reservation) SliceState {
	if len(children) == 0 {
		return s.State
	}

	allTerminal := true
	allActive := true
	anyClosing := false
	anyFailed := false
	anyNascentOrPending := false
	allTicketedOrActive := true

	for _, r := range children {
		switch {
		case r.State == StateClosed || r.State == StateFailed || r.State == StateCloseFail:
		default:
			allTerminal = false
		}
		if r.Pending == PendingClosing || r.State == StateCloseWait {
			anyClosing = true
		}
		if r.State == StateFailed {
			anyFailed = true
		}
		if r.State != StateActive {
			allActive = false
		}
		if r.State == StateNascent || r.HasPending() {
			anyNascentOrPending = true
		}
		if r.State != StateTicketed && r.State != StateActive && r.State != StateFailed && r.State != StateClosed {
			allTicketedOrActive = false
		}
	}

	switch {
	case allTerminal:
		s.State = SliceDead
	case anyClosing:
		s.State = SliceClosing
	case allActive && !anyFailed:
		s.State = SliceStableOK
		s.modifying = false
	case allTicketedOrActive && anyFailed:
		s.State = SliceStableError
		s.modifying = false
	case anyNascentOrPending:
		if s.modifying {
			s.State = SliceModifying
		} else {
			s.State = SliceConfiguring
		}
	}
	return s.State
}

// snapshot returns a copy used for storage rollback.
func (s *Slice) snapshot() Slice { return *s }

func (s *Slice) restore(snap Slice) { *s = snap }
