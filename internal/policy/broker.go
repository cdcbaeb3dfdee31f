// SPDX-License-Identifier: MIT

package policy

import (
	"github.com/rs/zerolog"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/log"
)

// pool is the allocatable capacity backed by one claimed delegation.
type pool struct {
	did      ids.ID
	issuer   ids.ID
	graph    string
	total    int
	free     int
}

type allocation struct {
	resourceType string
	units        int
}

// Broker allocates ticket capacity from delegation-backed pools, one pool
// per resource type. Requests for a type with no claimed delegation yet are
// deferred, not rejected; the tick service pass retries them.
type Broker struct {
	base
	name   string
	pools  map[string]*pool
	allocs map[ids.ID]allocation
	// reserved counts ticket capacity recovered before the backing
	// delegation was donated again; applied when the pool appears.
	reserved map[string]int
	logger   zerolog.Logger
}

// NewBroker builds an empty-pool policy.
func NewBroker(name string) *Broker {
	return &Broker{
		name:     name,
		pools:    make(map[string]*pool),
		allocs:   make(map[ids.ID]allocation),
		reserved: make(map[string]int),
		logger:   log.WithActor("policy", name),
	}
}

// Bind allocates from the pool for the requested resource type. No pool
// means the backing delegation has not been claimed yet: defer. An
// undersized pool is a hard reject.
func (p *Broker) Bind(r *kernel.Reservation) (bool, error) {
	req := r.Requested
	if req == nil || req.Units <= 0 {
		return false, errs.New(errs.InvalidArgument, "reservation %s requests no units", r.RID)
	}
	pl, ok := p.pools[req.Type]
	if !ok {
		return false, nil
	}
	if _, dup := p.allocs[r.RID]; dup {
		return true, nil
	}
	if pl.free < req.Units {
		return false, errs.New(errs.PolicyReject,
			"insufficient %s capacity: requested %d, free %d", req.Type, req.Units, pl.free)
	}
	pl.free -= req.Units
	p.allocs[r.RID] = allocation{resourceType: req.Type, units: req.Units}

	approved := req.Clone()
	approved.Sliver = pl.graph
	r.Approved = approved
	r.AuthorityID = pl.issuer
	p.logger.Debug().
		Str(log.FieldReservation, r.RID.String()).
		Str("type", req.Type).
		Int("units", req.Units).
		Int("free", pl.free).
		Msg("capacity allocated")
	return true, nil
}

// Extend re-approves held capacity for the new term; a unit-count change
// adjusts the pool.
func (p *Broker) Extend(r *kernel.Reservation) (bool, error) {
	al, ok := p.allocs[r.RID]
	if !ok {
		return false, errs.New(errs.InvalidState, "reservation %s holds no allocation", r.RID)
	}
	pl := p.pools[al.resourceType]
	if pl == nil {
		return false, errs.New(errs.InvalidState, "pool %s vanished", al.resourceType)
	}
	want := al.units
	if r.Requested != nil && r.Requested.Units > 0 {
		want = r.Requested.Units
	}
	delta := want - al.units
	if delta > pl.free {
		return false, errs.New(errs.PolicyReject,
			"insufficient %s capacity for extension: requested %d more, free %d", al.resourceType, delta, pl.free)
	}
	pl.free -= delta
	al.units = want
	p.allocs[r.RID] = al
	if r.Approved != nil {
		r.Approved.Units = want
	}
	return true, nil
}

// Close returns held capacity to the pool. Idempotent.
func (p *Broker) Close(r *kernel.Reservation) error {
	al, ok := p.allocs[r.RID]
	if !ok {
		return nil
	}
	delete(p.allocs, r.RID)
	if pl, ok := p.pools[al.resourceType]; ok {
		pl.free += al.units
		if pl.free > pl.total {
			pl.free = pl.total
		}
	}
	return nil
}

// Donate installs or refreshes the pool backed by a claimed delegation.
// Capacity recovered before the donation is deducted up front.
func (p *Broker) Donate(d *kernel.Delegation) error {
	if d.ResourceType == "" {
		return errs.New(errs.InvalidArgument, "delegation %s carries no resource type", d.DID)
	}
	pl, ok := p.pools[d.ResourceType]
	if !ok {
		pl = &pool{did: d.DID, issuer: d.Issuer}
		p.pools[d.ResourceType] = pl
	}
	grow := d.Units - pl.total
	pl.did = d.DID
	pl.issuer = d.Issuer
	pl.graph = d.Graph
	pl.total = d.Units
	pl.free += grow
	if held := p.reserved[d.ResourceType]; held > 0 {
		pl.free -= held
		delete(p.reserved, d.ResourceType)
	}
	if pl.free < 0 {
		pl.free = 0
	}
	p.logger.Info().
		Str(log.FieldDelegation, d.DID.String()).
		Str("type", d.ResourceType).
		Int("units", d.Units).
		Msg("delegation donated to pool")
	return nil
}

// Revisit re-deducts capacity held by a recovered ticket. The backing pool
// may not exist yet; the deduction is parked until Donate runs.
func (p *Broker) Revisit(r *kernel.Reservation) error {
	if !p.holdsCapacity(r) {
		return nil
	}
	rs := r.Approved
	if rs == nil {
		rs = r.Requested
	}
	if rs == nil || rs.Units <= 0 {
		return nil
	}
	if _, dup := p.allocs[r.RID]; dup {
		return nil
	}
	p.allocs[r.RID] = allocation{resourceType: rs.Type, units: rs.Units}
	if pl, ok := p.pools[rs.Type]; ok {
		pl.free -= rs.Units
		if pl.free < 0 {
			pl.free = 0
		}
	} else {
		p.reserved[rs.Type] += rs.Units
	}
	return nil
}

// RevisitDelegation restores a recovered delegation's pool.
func (p *Broker) RevisitDelegation(d *kernel.Delegation) error {
	if d.State != kernel.DelegationDelegated {
		return nil
	}
	return p.Donate(d)
}

func (p *Broker) holdsCapacity(r *kernel.Reservation) bool {
	if r.Terminal() {
		return false
	}
	switch r.State {
	case kernel.StateTicketed, kernel.StateActive, kernel.StateActiveTicketed:
		return true
	default:
		return false
	}
}

// Query exports the pool model: per-type total and free capacity.
func (p *Broker) Query(properties map[string]string) map[string]string {
	out := map[string]string{"actor": p.name}
	switch properties[QueryAction] {
	case ActionPools, ActionCapacity, "":
		for typ, pl := range p.pools {
			out[PropPoolPrefix+typ+".total"] = itoa(pl.total)
			out[PropPoolPrefix+typ+".free"] = itoa(pl.free)
		}
	default:
		out[QueryError] = "unknown action " + properties[QueryAction]
	}
	return out
}

var _ kernel.Policy = (*Broker)(nil)
