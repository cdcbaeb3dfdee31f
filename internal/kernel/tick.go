// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/log"
)

// Tick advances the kernel by one scheduler cycle: the policy prepares, the
// service pass visits every reservation with due work, and the policy
// finishes. Cycle gaps are tolerated; all work due at or before the given
// cycle is reconciled.
func (k *Kernel) Tick(cycle int64) error {
	if cycle <= k.currentCycle {
		k.logger.Warn().Int64(log.FieldCycle, cycle).Int64("current", k.currentCycle).Msg("stale tick dropped")
		return nil
	}
	k.currentCycle = cycle

	if err := k.policy.Prepare(cycle); err != nil {
		k.logger.Error().Err(err).Int64(log.FieldCycle, cycle).Msg("policy prepare failed")
	}

	for _, r := range k.orderedReservations() {
		if r.Terminal() {
			continue
		}
		k.serviceReservation(r, cycle)
	}

	if err := k.policy.Finish(cycle); err != nil {
		k.logger.Error().Err(err).Int64(log.FieldCycle, cycle).Msg("policy finish failed")
	}
	return nil
}

// serviceReservation performs the per-cycle due work for one reservation.
func (k *Kernel) serviceReservation(r *Reservation, cycle int64) {
	var err error
	switch r.Category {
	case CategoryClient:
		err = k.serviceClient(r, cycle)
	case CategoryBroker:
		err = k.serviceBroker(r)
	case CategoryAuthority:
		err = k.serviceAuthority(r, cycle)
	}
	if err != nil {
		k.logger.Error().Err(err).
			Str(log.FieldReservation, r.RID.String()).
			Int64(log.FieldCycle, cycle).
			Msg("service pass failed")
	}
}

func (k *Kernel) serviceClient(r *Reservation, cycle int64) error {
	// Expired leases are closed by the owner.
	if (r.State == StateActive || r.State == StateActiveTicketed) && !r.HasPending() && r.Term.Expired(cycle) {
		return k.closeReservation(r)
	}
	// Ticketed reservations redeem one cycle ahead of the term start so
	// the lease is in place when the term opens. The nascent gate defers
	// redemption while any sibling still negotiates its ticket.
	if r.State == StateTicketed && !r.HasPending() && cycle+1 >= r.Term.Start {
		if r.Term.Expired(cycle) {
			return k.closeReservation(r)
		}
		if k.redeemBlocked(r) {
			return nil
		}
		return k.redeem(r)
	}
	return nil
}

func (k *Kernel) serviceBroker(r *Reservation) error {
	// Deferred allocations retry until the policy can satisfy them.
	if r.State == StateNascent && !r.HasPending() {
		return k.brokerBind(r)
	}
	if r.State == StateTicketed && r.Pending == PendingExtendingTicket {
		ready, err := k.policy.Extend(r)
		if err != nil {
			r.UpdateData = UpdateData{Failed: true, Message: err.Error()}
			if ferr := k.transition(r, EvFail); ferr != nil {
				return ferr
			}
			return k.respondTicket(r, r.UpdateData)
		}
		if ready {
			return k.finishBrokerExtend(r)
		}
	}
	return nil
}

func (k *Kernel) serviceAuthority(r *Reservation, cycle int64) error {
	// An expired lease whose client never closed it is torn down locally,
	// one grace cycle after the term end to let the client's own close
	// arrive first.
	if r.State == StateActive && !r.HasPending() && cycle > r.Term.End {
		return k.authorityStartClose(r)
	}
	return nil
}

// redeemBlocked implements the nascent gate: redemption of a Ticketed
// reservation waits until every sibling has either obtained a ticket or
// reached a terminal state. Explicit predecessors additionally require the
// named reservations to be at least Ticketed.
func (k *Kernel) redeemBlocked(r *Reservation) bool {
	for _, sibling := range k.ReservationsBySlice(r.SliceID) {
		if sibling.RID == r.RID || sibling.Terminal() {
			continue
		}
		if sibling.State == StateNascent {
			return true
		}
	}
	for _, pred := range r.Predecessors {
		p, ok := k.reservations[pred]
		if !ok {
			continue
		}
		if !p.Terminal() && p.State == StateNascent {
			return true
		}
	}
	return false
}
