// SPDX-License-Identifier: MIT

// Package kernel implements the reservation kernel: the slice, reservation
// and delegation tables, their state machines, and the operations the actor
// event loop applies to them. All mutation happens on the owning actor's
// loop; the kernel itself is not safe for concurrent use.
package kernel

import (
	"github.com/crucible-testbed/crucible/internal/errs"
)

// ResourceSet describes a shape of resources: a unit count of one resource
// type plus an opaque sliver fragment and free-form properties. Reservations
// carry three of these (requested, approved, allocated).
type ResourceSet struct {
	Units              int               `json:"units"`
	Type               string            `json:"type"`
	Sliver             string            `json:"sliver,omitempty"`
	RequestProperties  map[string]string `json:"request_properties,omitempty"`
	ResourceProperties map[string]string `json:"resource_properties,omitempty"`
}

// NewResourceSet builds a resource set of units of the given type.
func NewResourceSet(units int, resourceType string) (*ResourceSet, error) {
	if units < 0 {
		return nil, errs.New(errs.InvalidArgument, "units must be non-negative, got %d", units)
	}
	return &ResourceSet{Units: units, Type: resourceType}, nil
}

// Clone returns a deep copy.
func (rs *ResourceSet) Clone() *ResourceSet {
	if rs == nil {
		return nil
	}
	out := &ResourceSet{Units: rs.Units, Type: rs.Type, Sliver: rs.Sliver}
	if rs.RequestProperties != nil {
		out.RequestProperties = make(map[string]string, len(rs.RequestProperties))
		for k, v := range rs.RequestProperties {
			out.RequestProperties[k] = v
		}
	}
	if rs.ResourceProperties != nil {
		out.ResourceProperties = make(map[string]string, len(rs.ResourceProperties))
		for k, v := range rs.ResourceProperties {
			out.ResourceProperties[k] = v
		}
	}
	return out
}

// UpdateData carries the outcome of the most recent remote operation on a
// reservation or delegation. A failed update records the remote message.
type UpdateData struct {
	Failed  bool   `json:"failed,omitempty"`
	Message string `json:"message,omitempty"`
}

// Clear resets the update outcome.
func (u *UpdateData) Clear() {
	u.Failed = false
	u.Message = ""
}
