// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/substrate"
)

// HandleRedeem processes an inbound Redeem on an authority. The policy
// assigns physical units, the substrate handler is asked to create them, and
// the reservation primes until every unit completes.
func (k *Kernel) HandleRedeem(req ReservationRequest) error {
	r, ok := k.reservations[req.RID]
	if !ok {
		s, err := k.ensurePeerSlice(req, SliceTypeClient)
		if err != nil {
			return err
		}
		r = NewReservation(req.RID, s.SliceID, CategoryAuthority, req.Resources, req.Term)
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
	}

	ready, err := k.policy.Bind(r)
	if err != nil {
		r.UpdateData = UpdateData{Failed: true, Message: err.Error()}
		if ferr := k.transition(r, EvFail); ferr != nil {
			return ferr
		}
		return k.respondLease(r, r.UpdateData, false)
	}
	if !ready {
		return nil
	}
	if err := k.transition(r, EvRedeemStart); err != nil {
		return err
	}
	return k.driveUnits(r, substrate.ActionCreate)
}

// HandleExtendLease processes an inbound ExtendLease. A term-only change
// completes without touching the substrate; a sliver change traverses the
// modify path.
func (k *Kernel) HandleExtendLease(req ReservationRequest) error {
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
		return k.respondLease(r, r.UpdateData, false)
	}
	sliverChanged := req.Resources != nil && req.Resources.Sliver != "" &&
		(r.Approved == nil || req.Resources.Sliver != r.Approved.Sliver)

	if err := k.mutate(r, func() {
		ext := req.Term
		ext.NewStart = r.Term.End
		r.Term = ext
		if req.Resources != nil {
			r.Requested = req.Resources
		}
	}); err != nil {
		return err
	}
	if err := k.transition(r, EvLeaseExtendStart); err != nil {
		return err
	}
	if sliverChanged {
		return k.driveUnits(r, substrate.ActionModify)
	}
	if err := k.transition(r, EvLeaseExtendComplete); err != nil {
		return err
	}
	return k.respondLease(r, UpdateData{}, false)
}

// HandleModifyLease drives the substrate modify path for a sliver change.
func (k *Kernel) HandleModifyLease(req ReservationRequest) error {
	r, err := k.GetReservation(req.RID)
	if err != nil {
		return err
	}
	accept, dup := r.AcceptInbound(req.Sequence)
	if !accept {
		k.warnStale(r.RID, req.Sequence, dup)
		return nil
	}
	if err := k.mutate(r, func() {
		if req.Resources != nil {
			r.Requested = req.Resources
		}
	}); err != nil {
		return err
	}
	if err := k.transition(r, EvModifyStart); err != nil {
		return err
	}
	return k.driveUnits(r, substrate.ActionModify)
}

// HandleClose processes an inbound Close: the substrate deletes the units
// and the client is answered with UpdateLease(closed).
func (k *Kernel) HandleClose(req ReservationRequest) error {
	r, err := k.GetReservation(req.RID)
	if err != nil {
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
	if r.State == StateNascent {
		if err := k.transition(r, EvClose); err != nil {
			return err
		}
		return k.respondLease(r, UpdateData{}, true)
	}
	return k.authorityStartClose(r)
}

func (k *Kernel) authorityStartClose(r *Reservation) error {
	if err := k.transition(r, EvCloseStart); err != nil {
		return err
	}
	if err := k.policy.Close(r); err != nil {
		k.logger.Warn().Err(err).Str(log.FieldReservation, r.RID.String()).Msg("policy close failed")
	}
	if len(r.Units) == 0 {
		if err := k.transition(r, EvCloseComplete); err != nil {
			return err
		}
		return k.respondLease(r, UpdateData{}, true)
	}
	return k.driveUnits(r, substrate.ActionDelete)
}

// driveUnits invokes the substrate handler for every unit of the
// reservation. Completions arrive asynchronously through
// ConfigurationComplete.
func (k *Kernel) driveUnits(r *Reservation, action substrate.Action) error {
	if len(r.Units) == 0 {
		return errs.New(errs.InvalidState, "reservation %s has no units to %s", r.RID, action)
	}
	for _, u := range r.Units {
		h, ok := k.handlers[u.ResourceType]
		if !ok {
			return k.failUnit(r, u, "no handler for resource type "+u.ResourceType)
		}
		seq := u.NextSequence()
		switch action {
		case substrate.ActionCreate:
			u.State = substrate.UnitPriming
		case substrate.ActionModify:
			u.State = substrate.UnitModifying
		case substrate.ActionDelete:
			u.State = substrate.UnitClosing
		}
		if err := k.store.UpdateUnit(u); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "persist unit %s", u.UnitID)
		}
		var err error
		switch action {
		case substrate.ActionCreate:
			err = h.Create(u, seq)
		case substrate.ActionModify:
			err = h.Modify(u, seq)
		case substrate.ActionDelete:
			err = h.Delete(u, seq)
		}
		if err != nil {
			return k.failUnit(r, u, err.Error())
		}
	}
	return nil
}

// ConfigurationComplete applies an asynchronous handler completion. Stale
// sequence numbers are dropped; result code zero advances the unit, anything
// else marks it failed. A failed unit still counts as settled, so once every
// unit has reported the reservation either advances or fails with the unit's
// notice. Without that a partial failure would block settlement forever.
func (k *Kernel) ConfigurationComplete(c substrate.Completion) error {
	r, err := k.GetReservation(c.Unit.ReservationID)
	if err != nil {
		return err
	}
	if r.Terminal() {
		k.logger.Debug().
			Str(log.FieldUnit, c.Unit.UnitID.String()).
			Str(log.FieldReservation, r.RID.String()).
			Msg("completion for terminal reservation dropped")
		return nil
	}
	var unit *substrate.Unit
	for _, u := range r.Units {
		if u.UnitID == c.Unit.UnitID {
			unit = u
			break
		}
	}
	if unit == nil {
		return errs.New(errs.NotFound, "unit %s on reservation %s", c.Unit.UnitID, r.RID)
	}
	if c.Sequence != unit.Sequence {
		k.logger.Warn().
			Str(log.FieldUnit, unit.UnitID.String()).
			Int64("sequence", c.Sequence).
			Int64("expected", unit.Sequence).
			Msg("stale handler completion dropped")
		return nil
	}
	if err := k.policy.ConfigurationComplete(c); err != nil {
		k.logger.Warn().Err(err).Str(log.FieldUnit, unit.UnitID.String()).Msg("policy completion hook failed")
	}

	if c.OK() {
		switch c.Action {
		case substrate.ActionDelete:
			unit.State = substrate.UnitDeleted
		default:
			unit.State = substrate.UnitActive
		}
		for kprop, v := range c.Properties {
			unit.Properties[kprop] = v
		}
	} else {
		unit.State = substrate.UnitFailed
		unit.Notice = c.Message
		k.logger.Error().
			Str(log.FieldUnit, unit.UnitID.String()).
			Str(log.FieldReservation, r.RID.String()).
			Str("notice", c.Message).
			Msg("unit failed")
	}
	if err := k.store.UpdateUnit(unit); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "persist unit %s", unit.UnitID)
	}

	if !k.unitsSettled(r, c.Action) {
		return nil
	}
	if notice, failed := failedUnitNotice(r); failed {
		return k.failSettled(r, notice)
	}

	switch c.Action {
	case substrate.ActionCreate:
		if err := k.mutate(r, func() {
			r.Allocated = r.Approved.Clone()
			r.UpdateData.Clear()
		}); err != nil {
			return err
		}
		if err := k.transition(r, EvPrimeComplete); err != nil {
			return err
		}
		return k.respondLease(r, UpdateData{}, false)
	case substrate.ActionModify:
		var ev Event
		if r.Pending == PendingExtendingLease {
			ev = EvLeaseExtendComplete
		} else {
			ev = EvModifyComplete
		}
		if err := k.transition(r, ev); err != nil {
			return err
		}
		return k.respondLease(r, UpdateData{}, false)
	case substrate.ActionDelete:
		if err := k.transition(r, EvCloseComplete); err != nil {
			return err
		}
		return k.respondLease(r, UpdateData{}, true)
	}
	return nil
}

// unitsSettled reports whether every unit reached a settled state for the
// given action. Failed units are settled: they block nothing further.
func (k *Kernel) unitsSettled(r *Reservation, action substrate.Action) bool {
	for _, u := range r.Units {
		if u.State == substrate.UnitFailed {
			continue
		}
		switch action {
		case substrate.ActionDelete:
			if u.State != substrate.UnitDeleted {
				return false
			}
		default:
			if u.State != substrate.UnitActive {
				return false
			}
		}
	}
	return true
}

// failedUnitNotice returns the notice of the first failed unit.
func failedUnitNotice(r *Reservation) (string, bool) {
	for _, u := range r.Units {
		if u.State == substrate.UnitFailed {
			return u.Notice, true
		}
	}
	return "", false
}

// failSettled fails a reservation on a unit failure and answers the client
// with a failed UpdateLease.
func (k *Kernel) failSettled(r *Reservation, notice string) error {
	wasClosing := r.Pending == PendingClosing
	r.UpdateData = UpdateData{Failed: true, Message: notice}
	ev := EvFail
	if wasClosing {
		ev = EvCloseFailEvent
	}
	if err := k.transition(r, ev); err != nil {
		return err
	}
	return k.respondLease(r, r.UpdateData, wasClosing)
}

// failUnit marks a unit failed on the synchronous drive path and fails the
// reservation with it. Units after the failed one were never driven, so no
// later completion can settle the reservation.
func (k *Kernel) failUnit(r *Reservation, u *substrate.Unit, message string) error {
	u.State = substrate.UnitFailed
	u.Notice = message
	if err := k.store.UpdateUnit(u); err != nil {
		k.logger.Error().Err(err).Str(log.FieldUnit, u.UnitID.String()).Msg("unit persist failed")
	}
	k.logger.Error().
		Str(log.FieldUnit, u.UnitID.String()).
		Str(log.FieldReservation, r.RID.String()).
		Str("notice", message).
		Msg("unit failed")

	if r.Terminal() {
		return nil
	}
	return k.failSettled(r, message)
}

// respondLease sends UpdateLease to the reservation's client peer.
func (k *Kernel) respondLease(r *Reservation, ud UpdateData, closed bool) error {
	r.NextSequenceOut()
	if err := k.outbound.UpdateLease(r, ud, closed); err != nil {
		return err
	}
	r.MarkResponded(r.SequenceIn)
	return nil
}

// AssignUnits attaches policy-assigned units to an authority reservation and
// persists them. Called by authority policies during Bind.
func (k *Kernel) AssignUnits(r *Reservation, units []*substrate.Unit) error {
	for _, u := range units {
		if err := k.store.AddUnit(u); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "persist unit %s", u.UnitID)
		}
	}
	return k.mutate(r, func() {
		r.Units = append(r.Units, units...)
	})
}
