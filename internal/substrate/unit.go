// SPDX-License-Identifier: MIT

// Package substrate models authority-side physical bindings (units) and the
// asynchronous handler plugin that realises them on the substrate.
package substrate

import (
	"github.com/crucible-testbed/crucible/internal/ids"
)

// UnitVersion tags the serialized unit schema.
const UnitVersion = 1

// UnitState is the handler-driven lifecycle of one physical binding.
type UnitState int

const (
	UnitDefault UnitState = iota
	UnitPriming
	UnitActive
	UnitModifying
	UnitClosing
	UnitDeleted
	UnitFailed
)

func (s UnitState) String() string {
	switch s {
	case UnitPriming:
		return "Priming"
	case UnitActive:
		return "Active"
	case UnitModifying:
		return "Modifying"
	case UnitClosing:
		return "Closing"
	case UnitDeleted:
		return "Deleted"
	case UnitFailed:
		return "Failed"
	default:
		return "Default"
	}
}

// Terminal reports whether the unit can no longer change state.
func (s UnitState) Terminal() bool {
	return s == UnitDeleted || s == UnitFailed
}

// Unit records the physical binding for one indivisible allocation.
type Unit struct {
	Version       int               `json:"version"`
	UnitID        ids.ID            `json:"unit_id"`
	ReservationID ids.ID            `json:"reservation_id"`
	SliceID       ids.ID            `json:"slice_id"`
	// ParentID links a dependent unit to the unit it is stacked on.
	ParentID      ids.ID            `json:"parent_id,omitempty"`
	ActorID       ids.ID            `json:"actor_id"`
	ResourceType  string            `json:"resource_type"`
	Sliver        string            `json:"sliver,omitempty"`
	State         UnitState         `json:"state"`
	Sequence      int64             `json:"sequence"`
	Properties    map[string]string `json:"properties,omitempty"`
	Notice        string            `json:"notice,omitempty"`
}

// NewUnit builds a unit in the Default state.
func NewUnit(reservationID, sliceID, actorID ids.ID, resourceType string) *Unit {
	return &Unit{
		Version:       UnitVersion,
		UnitID:        ids.NewID(),
		ReservationID: reservationID,
		SliceID:       sliceID,
		ActorID:       actorID,
		ResourceType:  resourceType,
		State:         UnitDefault,
		Properties:    make(map[string]string),
	}
}

// NextSequence advances the action sequence number guarding against stale
// handler completions.
func (u *Unit) NextSequence() int64 {
	u.Sequence++
	return u.Sequence
}
