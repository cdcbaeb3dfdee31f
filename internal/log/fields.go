// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldActor       = "actor"
	FieldSliceID     = "slice_id"
	FieldReservation = "rid"
	FieldDelegation  = "did"
	FieldUnit        = "unit_id"
	FieldMessageID   = "message_id"
	FieldRequestID   = "request_id"
	FieldPeer        = "peer"

	// Process fields
	FieldComponent = "component"
	FieldCycle     = "cycle"
	FieldEvent     = "event"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldPending  = "pending"
)
