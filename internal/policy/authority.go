// SPDX-License-Identifier: MIT

package policy

import (
	"github.com/rs/zerolog"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/substrate"
)

// inventory is the substrate capacity of one resource type.
type inventory struct {
	total    int
	assigned int
	graph    string
}

// Authority assigns physical units against redeemed tickets. Capacity is
// declared per resource type at boot; units above it are rejected even when
// the upstream broker over-committed.
type Authority struct {
	base
	name      string
	guid      ids.ID
	kernel    *kernel.Kernel
	inventory map[string]*inventory
	assigned  map[ids.ID]allocation
	logger    zerolog.Logger
}

// NewAuthority builds an empty-inventory policy. Attach must run before the
// kernel is started.
func NewAuthority(name string, guid ids.ID) *Authority {
	return &Authority{
		name:      name,
		guid:      guid,
		inventory: make(map[string]*inventory),
		assigned:  make(map[ids.ID]allocation),
		logger:    log.WithActor("policy", name),
	}
}

// Attach hands the policy its kernel; unit assignment goes through the
// kernel so units persist with the reservation.
func (p *Authority) Attach(k *kernel.Kernel) { p.kernel = k }

// AddInventory declares substrate capacity for a resource type.
func (p *Authority) AddInventory(resourceType string, units int, graph string) {
	p.inventory[resourceType] = &inventory{total: units, graph: graph}
}

// InventoryFor reports the declared capacity of one type; used when the
// authority builds its delegations at boot.
func (p *Authority) InventoryFor(resourceType string) (units int, graph string, ok bool) {
	inv, ok := p.inventory[resourceType]
	if !ok {
		return 0, "", false
	}
	return inv.total, inv.graph, true
}

// Bind assigns units for a redeem. One unit per requested count, stamped
// with the reservation's sliver.
func (p *Authority) Bind(r *kernel.Reservation) (bool, error) {
	rs := r.Approved
	if rs == nil {
		rs = r.Requested
	}
	if rs == nil || rs.Units <= 0 {
		return false, errs.New(errs.InvalidArgument, "reservation %s requests no units", r.RID)
	}
	inv, ok := p.inventory[rs.Type]
	if !ok {
		return false, errs.New(errs.PolicyReject, "no inventory for resource type %s", rs.Type)
	}
	if _, dup := p.assigned[r.RID]; dup {
		return true, nil
	}
	if inv.total-inv.assigned < rs.Units {
		return false, errs.New(errs.PolicyReject,
			"insufficient %s inventory: requested %d, free %d", rs.Type, rs.Units, inv.total-inv.assigned)
	}

	units := make([]*substrate.Unit, 0, rs.Units)
	for i := 0; i < rs.Units; i++ {
		u := substrate.NewUnit(r.RID, r.SliceID, p.guid, rs.Type)
		u.Sliver = rs.Sliver
		units = append(units, u)
	}
	if err := p.kernel.AssignUnits(r, units); err != nil {
		return false, err
	}
	inv.assigned += rs.Units
	p.assigned[r.RID] = allocation{resourceType: rs.Type, units: rs.Units}
	if r.Approved == nil {
		r.Approved = rs.Clone()
	}
	p.logger.Debug().
		Str(log.FieldReservation, r.RID.String()).
		Str("type", rs.Type).
		Int("units", rs.Units).
		Msg("units assigned")
	return true, nil
}

// Extend keeps the assigned units; a term extension consumes no additional
// inventory.
func (p *Authority) Extend(r *kernel.Reservation) (bool, error) {
	if _, ok := p.assigned[r.RID]; !ok {
		return false, errs.New(errs.InvalidState, "reservation %s holds no units", r.RID)
	}
	return true, nil
}

// Close releases the reservation's inventory. Idempotent.
func (p *Authority) Close(r *kernel.Reservation) error {
	al, ok := p.assigned[r.RID]
	if !ok {
		return nil
	}
	delete(p.assigned, r.RID)
	if inv, ok := p.inventory[al.resourceType]; ok {
		inv.assigned -= al.units
		if inv.assigned < 0 {
			inv.assigned = 0
		}
	}
	return nil
}

// Revisit re-deducts inventory held by a recovered reservation's units.
func (p *Authority) Revisit(r *kernel.Reservation) error {
	if r.Terminal() || len(r.Units) == 0 {
		return nil
	}
	if _, dup := p.assigned[r.RID]; dup {
		return nil
	}
	live := 0
	typ := ""
	for _, u := range r.Units {
		if !u.State.Terminal() {
			live++
			typ = u.ResourceType
		}
	}
	if live == 0 {
		return nil
	}
	if inv, ok := p.inventory[typ]; ok {
		inv.assigned += live
	}
	p.assigned[r.RID] = allocation{resourceType: typ, units: live}
	return nil
}

// Query exports per-type capacity.
func (p *Authority) Query(properties map[string]string) map[string]string {
	out := map[string]string{"actor": p.name}
	switch properties[QueryAction] {
	case ActionCapacity, "":
		for typ, inv := range p.inventory {
			out[PropPoolPrefix+typ+".total"] = itoa(inv.total)
			out[PropPoolPrefix+typ+".free"] = itoa(inv.total - inv.assigned)
		}
	default:
		out[QueryError] = "unknown action " + properties[QueryAction]
	}
	return out
}

var _ kernel.Policy = (*Authority)(nil)
