// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/tick"
)

// TicketReviewNotice is recorded on reservations closed because a sibling
// failed ticketing.
const TicketReviewNotice = "closure by ticket review policy"

// Demand starts ticketing a Nascent client reservation: the policy approves
// the request shape and a Ticket request goes to the upstream broker.
func (k *Kernel) Demand(rid ids.ID) error {
	r, err := k.GetReservation(rid)
	if err != nil {
		return err
	}
	if r.Category != CategoryClient {
		return errs.New(errs.InvalidArgument, "reservation %s is not client-owned", rid)
	}
	if r.HasPending() {
		return errs.New(errs.InvalidState, "reservation %s has pending operation %s", rid, r.Pending)
	}
	ready, err := k.policy.Bind(r)
	if err != nil {
		return errs.Wrap(errs.PolicyReject, err, "bind reservation %s", rid)
	}
	if !ready {
		// Policy deferred; the tick service pass retries.
		return nil
	}
	if err := k.transition(r, EvDemand); err != nil {
		return err
	}
	return k.sendRPC(r, k.outbound.Ticket)
}

// ExtendReservation stages an extension of an Active reservation. The new
// term must extend the current one; the policy approves before the
// ExtendTicket request is sent upstream.
func (k *Kernel) ExtendReservation(rid ids.ID, resources *ResourceSet, term tick.Term) error {
	r, err := k.GetReservation(rid)
	if err != nil {
		return err
	}
	if r.Category != CategoryClient {
		return errs.New(errs.InvalidArgument, "reservation %s is not client-owned", rid)
	}
	if r.HasPending() {
		return errs.New(errs.InvalidState, "reservation %s has pending operation %s", rid, r.Pending)
	}
	if err := r.Term.ExtendsTerm(term); err != nil {
		return err
	}
	if err := k.mutate(r, func() {
		r.RequestedTerm = term
		if resources != nil {
			r.Requested = resources
		}
	}); err != nil {
		return err
	}
	ready, err := k.policy.Extend(r)
	if err != nil {
		return errs.Wrap(errs.PolicyReject, err, "extend reservation %s", rid)
	}
	if !ready {
		return nil
	}
	if err := k.transition(r, EvExtendTicket); err != nil {
		return err
	}
	return k.sendRPC(r, k.outbound.ExtendTicket)
}

// Close moves a reservation toward Closed. A Nascent reservation closes
// locally without any outbound RPC; a reservation holding a ticket or lease
// sends Close upstream and completes on UpdateLease(closed). A close
// arriving while another operation is pending is remembered and resumed
// when the operation resolves.
func (k *Kernel) Close(rid ids.ID) error {
	r, err := k.GetReservation(rid)
	if err != nil {
		return err
	}
	return k.closeReservation(r)
}

func (k *Kernel) closeReservation(r *Reservation) error {
	if r.Terminal() {
		return nil
	}
	if r.HasPending() && r.Pending != PendingClosing {
		r.closeRequested = true
		return nil
	}
	if r.Pending == PendingClosing {
		return nil
	}

	switch r.Category {
	case CategoryClient:
		if r.State == StateNascent {
			return k.transition(r, EvClose)
		}
		if err := k.transition(r, EvClose); err != nil {
			return err
		}
		if r.State == StateTicketed && r.AuthorityID.Empty() {
			// Never redeemed: no authority interaction required.
			if err := k.transition(r, EvCloseLocal); err != nil {
				return err
			}
			return k.relinquishTicket(r)
		}
		return k.sendRPC(r, k.outbound.Close)
	case CategoryBroker:
		if err := k.policy.Close(r); err != nil {
			k.logger.Warn().Err(err).Str(log.FieldReservation, r.RID.String()).Msg("policy close failed")
		}
		return k.transition(r, EvClose)
	case CategoryAuthority:
		if r.State == StateNascent {
			return k.transition(r, EvClose)
		}
		return k.authorityStartClose(r)
	}
	return errs.New(errs.Internal, "unknown category %d", r.Category)
}

// CloseSliceReservations moves every non-terminal reservation of a slice
// toward Closing.
func (k *Kernel) CloseSliceReservations(sliceID ids.ID) error {
	if _, ok := k.slices[sliceID]; !ok {
		return errs.New(errs.NotFound, "slice %s", sliceID)
	}
	for _, r := range k.ReservationsBySlice(sliceID) {
		if r.Terminal() {
			continue
		}
		if err := k.closeReservation(r); err != nil {
			k.logger.Error().Err(err).Str(log.FieldReservation, r.RID.String()).Msg("close failed")
		}
	}
	return nil
}

// HandleUpdateTicket processes a broker's answer to Ticket/ExtendTicket.
func (k *Kernel) HandleUpdateTicket(up ReservationUpdate) error {
	r, err := k.GetReservation(up.RID)
	if err != nil {
		return err
	}
	accept, dup := r.AcceptInbound(up.Sequence)
	if !accept {
		k.warnStale(r.RID, up.Sequence, dup)
		return nil
	}
	r.ClearOutstandingRPC()

	if up.Update.Failed {
		r.UpdateData = up.Update
		if err := k.transition(r, EvTicketUpdateFail); err != nil {
			return err
		}
		k.ticketReview(r)
		return nil
	}

	wasExtending := r.Pending == PendingExtendingTicket
	if err := k.mutate(r, func() {
		r.Approved = up.Resources
		if up.Term.End != 0 {
			r.Term = up.Term
		}
		if !up.AuthorityID.Empty() {
			r.AuthorityID = up.AuthorityID
		}
		r.UpdateData.Clear()
	}); err != nil {
		return err
	}
	if err := k.transition(r, EvTicketUpdateOK); err != nil {
		return err
	}
	if wasExtending {
		// Extended ticket in hand: drive the lease extension.
		if err := k.transition(r, EvExtendLease); err != nil {
			return err
		}
		return k.sendRPC(r, k.outbound.ExtendLease)
	}
	return k.resumeDeferredClose(r)
}

// HandleUpdateLease processes an authority's answer to Redeem, ExtendLease,
// ModifyLease or Close.
func (k *Kernel) HandleUpdateLease(up ReservationUpdate) error {
	r, err := k.GetReservation(up.RID)
	if err != nil {
		return err
	}
	accept, dup := r.AcceptInbound(up.Sequence)
	if !accept {
		k.warnStale(r.RID, up.Sequence, dup)
		return nil
	}
	r.ClearOutstandingRPC()

	if up.Closed {
		if r.Pending == PendingClosing {
			if err := k.transition(r, EvLeaseUpdateClosed); err != nil {
				return err
			}
			return k.relinquishTicket(r)
		}
		// Authority-initiated teardown: close locally without echoing a
		// Close request back.
		if r.Pending == PendingNone && !r.Terminal() {
			if err := k.transition(r, EvClose); err != nil {
				return err
			}
			if r.Pending == PendingClosing {
				return k.transition(r, EvCloseLocal)
			}
		}
		return nil
	}

	if up.Update.Failed {
		r.UpdateData = up.Update
		return k.transition(r, EvLeaseUpdateFail)
	}

	if err := k.mutate(r, func() {
		r.Allocated = up.Resources
		if up.Term.End != 0 {
			r.Term = up.Term
		}
		r.UpdateData.Clear()
	}); err != nil {
		return err
	}
	if err := k.transition(r, EvLeaseUpdateOK); err != nil {
		return err
	}
	return k.resumeDeferredClose(r)
}

// redeem issues the Redeem request for a Ticketed reservation.
func (k *Kernel) redeem(r *Reservation) error {
	if err := k.transition(r, EvRedeem); err != nil {
		return err
	}
	return k.sendRPC(r, k.outbound.Redeem)
}

// ticketReview closes the surviving siblings of a reservation that failed
// ticketing. A slice with a failed ticket cannot converge, so the remaining
// non-terminal reservations are withdrawn with a notice.
func (k *Kernel) ticketReview(failed *Reservation) {
	for _, sibling := range k.ReservationsBySlice(failed.SliceID) {
		if sibling.RID == failed.RID || sibling.Terminal() {
			continue
		}
		sibling.UpdateData = UpdateData{Message: TicketReviewNotice}
		if err := k.closeReservation(sibling); err != nil {
			k.logger.Error().Err(err).Str(log.FieldReservation, sibling.RID.String()).Msg("ticket review close failed")
		}
	}
}

// resumeDeferredClose restarts a close that arrived while another operation
// was pending.
func (k *Kernel) resumeDeferredClose(r *Reservation) error {
	if !r.closeRequested || r.Terminal() {
		return nil
	}
	r.closeRequested = false
	return k.closeReservation(r)
}

// relinquishTicket returns ticketed capacity to the broker after a close.
// Relinquish carries no response, so it bypasses the pending-RPC tracking.
func (k *Kernel) relinquishTicket(r *Reservation) error {
	if r.Approved == nil {
		return nil
	}
	r.NextSequenceOut()
	return k.outbound.Relinquish(r)
}

// sendRPC enforces the one-outstanding-RPC invariant and hands the
// reservation to the outbound operation.
func (k *Kernel) sendRPC(r *Reservation, op func(*Reservation) error) error {
	if r.HasOutstandingRPC() {
		return errs.New(errs.InvalidState, "reservation %s already has an outstanding RPC", r.RID)
	}
	r.NextSequenceOut()
	r.MarkOutstandingRPC()
	if err := op(r); err != nil {
		r.ClearOutstandingRPC()
		return err
	}
	return nil
}

func (k *Kernel) warnStale(rid ids.ID, seq int64, duplicate bool) {
	ev := k.logger.Warn().Str(log.FieldReservation, rid.String()).Int64("sequence", seq)
	if duplicate {
		ev.Msg("duplicate message dropped, response already sent")
	} else {
		ev.Msg("stale message dropped")
	}
}
