// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/log"
)

// HandleTicket processes an inbound Ticket request on a broker. The policy
// allocates from the delegation pool or defers; allocation answers with
// UpdateTicket, a policy error answers with a failed UpdateTicket.
func (k *Kernel) HandleTicket(req ReservationRequest) error {
	r, ok := k.reservations[req.RID]
	if !ok {
		// Mirror the client's reservation as a broker-side shadow under a
		// broker-client slice.
		s, err := k.ensurePeerSlice(req, SliceTypeBrokerClient)
		if err != nil {
			return err
		}
		r = NewReservation(req.RID, s.SliceID, CategoryBroker, req.Resources, req.Term)
		r.Owner = req.Caller
		r.PeerID = req.Peer
		r.SequenceIn = req.Sequence
		if err := k.RegisterReservation(r); err != nil {
			return err
		}
	} else {
		accept, dup := r.AcceptInbound(req.Sequence)
		if !accept {
			k.warnStale(r.RID, req.Sequence, dup)
			return nil
		}
		if err := k.mutate(r, func() {
			r.Requested = req.Resources
			r.RequestedTerm = req.Term
		}); err != nil {
			return err
		}
	}
	return k.brokerBind(r)
}

// brokerBind asks the policy to allocate; deferred reservations stay
// Nascent and are retried by the tick service pass.
func (k *Kernel) brokerBind(r *Reservation) error {
	ready, err := k.policy.Bind(r)
	if err != nil {
		r.UpdateData = UpdateData{Failed: true, Message: err.Error()}
		if ferr := k.transition(r, EvFail); ferr != nil {
			return ferr
		}
		return k.respondTicket(r, r.UpdateData)
	}
	if !ready {
		k.logger.Debug().Str(log.FieldReservation, r.RID.String()).Msg("broker allocation deferred")
		return nil
	}
	if err := k.transition(r, EvTicketAllocated); err != nil {
		return err
	}
	return k.respondTicket(r, UpdateData{})
}

// HandleExtendTicket processes an inbound ExtendTicket request.
func (k *Kernel) HandleExtendTicket(req ReservationRequest) error {
	r, err := k.GetReservation(req.RID)
	if err != nil {
		return err
	}
	accept, dup := r.AcceptInbound(req.Sequence)
	if !accept {
		k.warnStale(r.RID, req.Sequence, dup)
		return nil
	}
	if err := r.Term.ExtendsTerm(req.Term); err != nil {
		r.UpdateData = UpdateData{Failed: true, Message: err.Error()}
		return k.respondTicket(r, r.UpdateData)
	}
	if err := k.mutate(r, func() {
		r.RequestedTerm = req.Term
		if req.Resources != nil {
			r.Requested = req.Resources
		}
	}); err != nil {
		return err
	}
	if err := k.transition(r, EvExtendStart); err != nil {
		return err
	}
	ready, perr := k.policy.Extend(r)
	if perr != nil {
		r.UpdateData = UpdateData{Failed: true, Message: perr.Error()}
		if ferr := k.transition(r, EvFail); ferr != nil {
			return ferr
		}
		return k.respondTicket(r, r.UpdateData)
	}
	if !ready {
		return nil
	}
	return k.finishBrokerExtend(r)
}

// finishBrokerExtend commits an approved extension and answers the client.
func (k *Kernel) finishBrokerExtend(r *Reservation) error {
	if err := k.mutate(r, func() {
		ext := r.RequestedTerm
		ext.NewStart = r.Term.End
		r.Term = ext
	}); err != nil {
		return err
	}
	if err := k.transition(r, EvExtendAllocated); err != nil {
		return err
	}
	return k.respondTicket(r, UpdateData{})
}

// HandleRelinquish returns a client's capacity to the pool and closes the
// broker-side shadow. Relinquish has no response message.
func (k *Kernel) HandleRelinquish(req ReservationRequest) error {
	r, err := k.GetReservation(req.RID)
	if err != nil {
		if errs.IsKind(err, errs.NotFound) {
			return nil
		}
		return err
	}
	accept, dup := r.AcceptInbound(req.Sequence)
	if !accept {
		k.warnStale(r.RID, req.Sequence, dup)
		return nil
	}
	if r.Terminal() {
		return nil
	}
	if err := k.policy.Close(r); err != nil {
		k.logger.Warn().Err(err).Str(log.FieldReservation, r.RID.String()).Msg("policy close failed")
	}
	return k.transition(r, EvRelinquish)
}

// respondTicket sends UpdateTicket carrying the current approved shape.
func (k *Kernel) respondTicket(r *Reservation, ud UpdateData) error {
	r.NextSequenceOut()
	if err := k.outbound.UpdateTicket(r, ud); err != nil {
		return err
	}
	r.MarkResponded(r.SequenceIn)
	return nil
}

// ensurePeerSlice finds or creates the local shadow slice for a remote
// request.
func (k *Kernel) ensurePeerSlice(req ReservationRequest, typ SliceType) (*Slice, error) {
	if s, ok := k.slices[req.SliceID]; ok {
		return s, nil
	}
	s := NewSlice(req.SliceID, req.SliceName, typ, req.Caller)
	if err := k.RegisterSlice(s); err != nil {
		return nil, err
	}
	return s, nil
}

// --- delegation server side (authority) ---

// Delegate exports a delegation: Nascent -> Delegated, advertised to the
// holder with UpdateDelegation.
func (k *Kernel) Delegate(did, holder ids.ID) error {
	d, err := k.GetDelegation(did)
	if err != nil {
		return err
	}
	if err := k.mutateDelegation(d, func() error {
		d.Holder = holder
		return d.Apply(DevDelegate)
	}); err != nil {
		return err
	}
	d.NextSequenceOut()
	return k.outbound.UpdateDelegation(d, UpdateData{})
}

// HandleClaimDelegation marks a delegation claimed by the calling broker and
// answers with UpdateDelegation.
func (k *Kernel) HandleClaimDelegation(req DelegationRequest) error {
	d, err := k.GetDelegation(req.DID)
	if err != nil {
		return err
	}
	if req.Sequence < d.SequenceIn {
		k.logger.Warn().Str(log.FieldDelegation, d.DID.String()).Int64("sequence", req.Sequence).Msg("stale message dropped")
		return nil
	}
	d.SequenceIn = req.Sequence
	if err := k.mutateDelegation(d, func() error {
		d.Holder = req.Peer
		if d.State == DelegationDelegated {
			return nil
		}
		return d.Apply(DevDelegate)
	}); err != nil {
		return err
	}
	d.NextSequenceOut()
	return k.outbound.UpdateDelegation(d, UpdateData{})
}

// HandleReclaimDelegation withdraws a claimed delegation.
func (k *Kernel) HandleReclaimDelegation(req DelegationRequest) error {
	d, err := k.GetDelegation(req.DID)
	if err != nil {
		return err
	}
	if req.Sequence < d.SequenceIn {
		k.logger.Warn().Str(log.FieldDelegation, d.DID.String()).Int64("sequence", req.Sequence).Msg("stale message dropped")
		return nil
	}
	d.SequenceIn = req.Sequence
	if err := k.mutateDelegation(d, func() error {
		return d.Apply(DevReclaim)
	}); err != nil {
		return err
	}
	d.NextSequenceOut()
	return k.outbound.UpdateDelegation(d, UpdateData{})
}

// --- delegation client side (broker) ---

// ClaimDelegation sends a claim for a delegation advertised by an authority
// peer. The delegation shadow must already be registered Nascent.
func (k *Kernel) ClaimDelegation(did ids.ID) error {
	d, err := k.GetDelegation(did)
	if err != nil {
		return err
	}
	if d.HasOutstandingRPC() {
		return errs.New(errs.InvalidState, "delegation %s already has an outstanding RPC", did)
	}
	d.NextSequenceOut()
	d.MarkOutstandingRPC()
	if err := k.outbound.ClaimDelegation(d); err != nil {
		d.ClearOutstandingRPC()
		return err
	}
	return nil
}

// HandleUpdateDelegation processes the authority's answer to a claim. On
// success the delegation becomes Delegated and its pool is donated to the
// policy.
func (k *Kernel) HandleUpdateDelegation(up DelegationUpdate) error {
	d, ok := k.delegations[up.DID]
	if !ok {
		return errs.New(errs.NotFound, "delegation %s", up.DID)
	}
	if up.Sequence < d.SequenceIn {
		k.logger.Warn().Str(log.FieldDelegation, d.DID.String()).Int64("sequence", up.Sequence).Msg("stale message dropped")
		return nil
	}
	d.SequenceIn = up.Sequence
	d.ClearOutstandingRPC()
	if up.Update.Failed {
		return k.mutateDelegation(d, func() error {
			d.UpdateData = up.Update
			return d.Apply(DevFail)
		})
	}
	if err := k.mutateDelegation(d, func() error {
		d.Graph = up.Graph
		d.Units = up.Units
		if up.ResourceType != "" {
			d.ResourceType = up.ResourceType
		}
		d.UpdateData.Clear()
		if d.State == DelegationDelegated {
			return nil
		}
		return d.Apply(DevDelegate)
	}); err != nil {
		return err
	}
	if err := k.policy.Donate(d); err != nil {
		return errs.Wrap(errs.PolicyReject, err, "donate delegation %s", d.DID)
	}
	return nil
}
