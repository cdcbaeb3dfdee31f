// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/substrate"
)

// Recovery replays persisted state through the kernel after a restart. The
// container loads the rows; the kernel re-registers them, lets the policy
// rebuild its books, and resumes interrupted operations. Pending outbound
// requests are re-sent with fresh message ids: the peer's duplicate handling
// rests on sequence numbers, not on our pending table, which did not survive
// the restart.

// RecoverSlice re-registers a persisted slice without rewriting it.
func (k *Kernel) RecoverSlice(s *Slice) error {
	return k.ReRegisterSlice(s)
}

// RecoverDelegation re-registers a persisted delegation and lets the policy
// rebuild the backing pool.
func (k *Kernel) RecoverDelegation(d *Delegation) error {
	if err := k.ReRegisterDelegation(d); err != nil {
		return err
	}
	return k.policy.RevisitDelegation(d)
}

// RecoverReservation re-registers a persisted reservation, replays it
// through the policy and resumes any interrupted operation.
func (k *Kernel) RecoverReservation(r *Reservation) error {
	if err := k.ReRegisterReservation(r); err != nil {
		return err
	}
	if err := k.policy.Revisit(r); err != nil {
		k.logger.Warn().Err(err).Str(log.FieldReservation, r.RID.String()).Msg("policy revisit failed")
	}
	if r.Terminal() {
		return nil
	}
	return k.resumePending(r)
}

// resumePending restarts the operation a restart interrupted. Client-owned
// reservations re-send the outbound request; authority reservations re-drive
// their units through the substrate handler.
func (k *Kernel) resumePending(r *Reservation) error {
	if r.Pending == PendingNone {
		return nil
	}
	k.logger.Info().
		Str(log.FieldReservation, r.RID.String()).
		Str(log.FieldPending, r.Pending.String()).
		Msg("resuming interrupted operation")

	switch r.Category {
	case CategoryClient:
		return k.resumeClient(r)
	case CategoryBroker:
		// Broker allocations are synchronous; an interrupted bind surfaces
		// as a Nascent reservation the tick service pass rebinds.
		return nil
	case CategoryAuthority:
		return k.resumeAuthority(r)
	}
	return nil
}

func (k *Kernel) resumeClient(r *Reservation) error {
	switch r.Pending {
	case PendingTicketing:
		return k.sendRPC(r, k.outbound.Ticket)
	case PendingExtendingTicket:
		return k.sendRPC(r, k.outbound.ExtendTicket)
	case PendingRedeeming:
		return k.sendRPC(r, k.outbound.Redeem)
	case PendingExtendingLease:
		return k.sendRPC(r, k.outbound.ExtendLease)
	case PendingClosing:
		return k.sendRPC(r, k.outbound.Close)
	}
	return nil
}

func (k *Kernel) resumeAuthority(r *Reservation) error {
	if len(r.Units) == 0 {
		return nil
	}
	switch r.Pending {
	case PendingPriming, PendingRedeeming:
		return k.driveUnits(r, substrate.ActionCreate)
	case PendingExtendingLease:
		// Term-only extensions never persist a pending op mid-flight with
		// units; a persisted one means a sliver change was in progress.
		return k.driveUnits(r, substrate.ActionModify)
	case PendingClosing:
		return k.driveUnits(r, substrate.ActionDelete)
	}
	return nil
}
