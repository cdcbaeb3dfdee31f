// SPDX-License-Identifier: MIT

package kernel

// Category selects the role-specific flavour of a reservation's state
// machine.
type Category int

const (
	CategoryClient Category = iota
	CategoryBroker
	CategoryAuthority
)

func (c Category) String() string {
	switch c {
	case CategoryClient:
		return "client"
	case CategoryBroker:
		return "broker"
	case CategoryAuthority:
		return "authority"
	default:
		return "unknown"
	}
}

// State is the primary reservation state.
type State int

const (
	StateNascent State = iota
	StateTicketed
	StateActive
	StateActiveTicketed
	StateClosed
	StateCloseWait
	StateFailed
	StateCloseFail
)

func (s State) String() string {
	switch s {
	case StateNascent:
		return "Nascent"
	case StateTicketed:
		return "Ticketed"
	case StateActive:
		return "Active"
	case StateActiveTicketed:
		return "ActiveTicketed"
	case StateClosed:
		return "Closed"
	case StateCloseWait:
		return "CloseWait"
	case StateFailed:
		return "Failed"
	case StateCloseFail:
		return "CloseFail"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed || s == StateCloseFail
}

// Pending overlays the in-flight kernel operation on a reservation. A
// reservation with a pending operation other than None may not start
// another.
type Pending int

const (
	PendingNone Pending = iota
	PendingTicketing
	PendingExtendingTicket
	PendingRedeeming
	PendingExtendingLease
	PendingClosing
	PendingPriming
)

func (p Pending) String() string {
	switch p {
	case PendingNone:
		return "None"
	case PendingTicketing:
		return "Ticketing"
	case PendingExtendingTicket:
		return "ExtendingTicket"
	case PendingRedeeming:
		return "Redeeming"
	case PendingExtendingLease:
		return "ExtendingLease"
	case PendingClosing:
		return "Closing"
	case PendingPriming:
		return "Priming"
	default:
		return "Unknown"
	}
}

// JoinState gates redemption of a reservation on its predecessors.
type JoinState int

const (
	JoinNone JoinState = iota
	JoinBlockedRedeem
	JoinJoining
)

func (j JoinState) String() string {
	switch j {
	case JoinBlockedRedeem:
		return "BlockedRedeem"
	case JoinJoining:
		return "Joining"
	default:
		return "NoJoin"
	}
}

// DelegationState is the lifecycle of an exported resource pool.
type DelegationState int

const (
	DelegationNascent DelegationState = iota
	DelegationDelegated
	DelegationReclaimed
	DelegationClosed
	DelegationFailed
)

func (d DelegationState) String() string {
	switch d {
	case DelegationNascent:
		return "Nascent"
	case DelegationDelegated:
		return "Delegated"
	case DelegationReclaimed:
		return "Reclaimed"
	case DelegationClosed:
		return "Closed"
	case DelegationFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the delegation state is absorbing.
func (d DelegationState) Terminal() bool {
	return d == DelegationClosed || d == DelegationFailed
}

// SliceState is the derived state of a slice aggregate.
type SliceState int

const (
	SliceConfiguring SliceState = iota
	SliceStableOK
	SliceStableError
	SliceModifying
	SliceModifyOK
	SliceModifyError
	SliceClosing
	SliceDead
	SliceAllocatedOK
	SliceAllocatedError
)

func (s SliceState) String() string {
	switch s {
	case SliceConfiguring:
		return "Configuring"
	case SliceStableOK:
		return "StableOK"
	case SliceStableError:
		return "StableError"
	case SliceModifying:
		return "Modifying"
	case SliceModifyOK:
		return "ModifyOK"
	case SliceModifyError:
		return "ModifyError"
	case SliceClosing:
		return "Closing"
	case SliceDead:
		return "Dead"
	case SliceAllocatedOK:
		return "AllocatedOK"
	case SliceAllocatedError:
		return "AllocatedError"
	default:
		return "Unknown"
	}
}
