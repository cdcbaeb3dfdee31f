// SPDX-License-Identifier: MIT

package rpc

import (
	"time"

	"github.com/crucible-testbed/crucible/internal/bus"
	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/tick"
)

// Wire conversions between kernel entities and envelope payloads. The wire
// schema is explicit and versioned; kernel types never cross the bus.

func termInfo(t tick.Term) bus.TermInfo {
	return bus.TermInfo{Start: t.Start, End: t.End, NewStart: t.NewStart}
}

func termFromInfo(t bus.TermInfo) tick.Term {
	return tick.Term{Start: t.Start, End: t.End, NewStart: t.NewStart}
}

func resourceInfo(rs *kernel.ResourceSet) *bus.ResourceInfo {
	if rs == nil {
		return nil
	}
	return &bus.ResourceInfo{
		Units:              rs.Units,
		Type:               rs.Type,
		Sliver:             rs.Sliver,
		RequestProperties:  rs.RequestProperties,
		ResourceProperties: rs.ResourceProperties,
	}
}

func resourceFromInfo(ri *bus.ResourceInfo) *kernel.ResourceSet {
	if ri == nil {
		return nil
	}
	return &kernel.ResourceSet{
		Units:              ri.Units,
		Type:               ri.Type,
		Sliver:             ri.Sliver,
		RequestProperties:  ri.RequestProperties,
		ResourceProperties: ri.ResourceProperties,
	}
}

// requestInfo builds the reservation payload for a client-side request.
func requestInfo(r *kernel.Reservation, sliceName string) *bus.ReservationInfo {
	return &bus.ReservationInfo{
		RID:       r.RID,
		SliceID:   r.SliceID,
		SliceName: sliceName,
		Resources: resourceInfo(r.Requested),
		Term:      termInfo(r.RequestedTerm),
		Sequence:  r.SequenceOut,
	}
}

// RequestFromEnvelope decodes a server-side request.
func RequestFromEnvelope(env *bus.Envelope) kernel.ReservationRequest {
	req := kernel.ReservationRequest{Caller: env.Caller, Peer: env.From}
	if env.Reservation != nil {
		req.RID = env.Reservation.RID
		req.SliceID = env.Reservation.SliceID
		req.SliceName = env.Reservation.SliceName
		req.Resources = resourceFromInfo(env.Reservation.Resources)
		req.Term = termFromInfo(env.Reservation.Term)
		req.Sequence = env.Reservation.Sequence
	}
	return req
}

// UpdateFromEnvelope decodes a client-side update.
func UpdateFromEnvelope(env *bus.Envelope) kernel.ReservationUpdate {
	up := kernel.ReservationUpdate{Peer: env.From}
	if env.Reservation != nil {
		up.RID = env.Reservation.RID
		up.Resources = resourceFromInfo(env.Reservation.Resources)
		up.Term = termFromInfo(env.Reservation.Term)
		up.Sequence = env.Reservation.Sequence
		up.AuthorityID = env.Reservation.AuthorityID
	}
	if env.UpdateData != nil {
		up.Update = kernel.UpdateData{Failed: env.UpdateData.Failed, Message: env.UpdateData.Message}
		up.Closed = env.UpdateData.Closed
	}
	return up
}

// DelegationRequestFromEnvelope decodes an inbound claim or reclaim.
func DelegationRequestFromEnvelope(env *bus.Envelope) kernel.DelegationRequest {
	req := kernel.DelegationRequest{Caller: env.Caller, Peer: env.From}
	if env.Delegation != nil {
		req.DID = env.Delegation.DID
		req.Sequence = env.Delegation.Sequence
	}
	return req
}

// DelegationUpdateFromEnvelope decodes an inbound UpdateDelegation.
func DelegationUpdateFromEnvelope(env *bus.Envelope) kernel.DelegationUpdate {
	up := kernel.DelegationUpdate{Peer: env.From}
	if env.Delegation != nil {
		up.DID = env.Delegation.DID
		up.SliceID = env.Delegation.SliceID
		up.Graph = env.Delegation.Graph
		up.Units = env.Delegation.Units
		up.ResourceType = env.Delegation.ResourceType
		up.Sequence = env.Delegation.Sequence
	}
	if env.UpdateData != nil {
		up.Update = kernel.UpdateData{Failed: env.UpdateData.Failed, Message: env.UpdateData.Message}
	}
	return up
}

// --- kernel.Outbound ---

func (m *Manager) brokerRequest(name bus.MessageType, r *kernel.Reservation, await bool, claimTimer bool) error {
	topic, err := m.cfg.Registry.Topic(r.PeerID)
	if err != nil {
		return err
	}
	env := &bus.Envelope{Name: name, Reservation: requestInfo(r, "")}
	var timeout time.Duration
	if claimTimer {
		timeout = m.cfg.ClaimTimeout
	}
	return m.submit(topic, env, targetReservation, r.RID, await, timeout)
}

// Ticket sends the initial ticket request to the upstream broker. Ticket
// requests are claim-class: a delivery failure or missed response fails the
// reservation within the claim timeout.
func (m *Manager) Ticket(r *kernel.Reservation) error {
	return m.brokerRequest(bus.MessageTicket, r, true, true)
}

// ExtendTicket sends a ticket extension to the upstream broker.
func (m *Manager) ExtendTicket(r *kernel.Reservation) error {
	return m.brokerRequest(bus.MessageExtendTicket, r, true, true)
}

// Relinquish returns ticketed capacity to the broker; no response follows.
func (m *Manager) Relinquish(r *kernel.Reservation) error {
	return m.brokerRequest(bus.MessageRelinquish, r, false, false)
}

// Redeem asks the authority to realise the ticket as a lease.
func (m *Manager) Redeem(r *kernel.Reservation) error {
	topic, err := m.cfg.Registry.Topic(r.AuthorityID)
	if err != nil {
		return err
	}
	info := requestInfo(r, "")
	// The authority receives the broker-approved shape, not the raw request.
	info.Resources = resourceInfo(r.Approved)
	info.Term = termInfo(r.Term)
	env := &bus.Envelope{Name: bus.MessageRedeem, Reservation: info}
	return m.submit(topic, env, targetReservation, r.RID, true, 0)
}

func (m *Manager) authorityRequest(name bus.MessageType, r *kernel.Reservation) error {
	topic, err := m.cfg.Registry.Topic(r.AuthorityID)
	if err != nil {
		return err
	}
	env := &bus.Envelope{Name: name, Reservation: requestInfo(r, "")}
	return m.submit(topic, env, targetReservation, r.RID, true, 0)
}

// ExtendLease extends the lease term against the authority.
func (m *Manager) ExtendLease(r *kernel.Reservation) error {
	return m.authorityRequest(bus.MessageExtendLease, r)
}

// ModifyLease drives a sliver change against the authority.
func (m *Manager) ModifyLease(r *kernel.Reservation) error {
	return m.authorityRequest(bus.MessageModifyLease, r)
}

// Close asks the authority to tear the lease down.
func (m *Manager) Close(r *kernel.Reservation) error {
	return m.authorityRequest(bus.MessageClose, r)
}

// UpdateTicket answers a client's ticket-class request.
func (m *Manager) UpdateTicket(r *kernel.Reservation, ud kernel.UpdateData) error {
	topic, err := m.cfg.Registry.Topic(r.PeerID)
	if err != nil {
		return err
	}
	env := &bus.Envelope{
		Name: bus.MessageUpdateTicket,
		Reservation: &bus.ReservationInfo{
			RID:         r.RID,
			SliceID:     r.SliceID,
			Resources:   resourceInfo(r.Approved),
			Term:        termInfo(r.Term),
			Sequence:    r.SequenceOut,
			AuthorityID: r.AuthorityID,
		},
		UpdateData: &bus.UpdateDataInfo{Failed: ud.Failed, Message: ud.Message},
	}
	return m.submit(topic, env, targetReservation, r.RID, false, 0)
}

// UpdateLease answers a client's lease-class request.
func (m *Manager) UpdateLease(r *kernel.Reservation, ud kernel.UpdateData, closed bool) error {
	topic, err := m.cfg.Registry.Topic(r.PeerID)
	if err != nil {
		return err
	}
	env := &bus.Envelope{
		Name: bus.MessageUpdateLease,
		Reservation: &bus.ReservationInfo{
			RID:       r.RID,
			SliceID:   r.SliceID,
			Resources: resourceInfo(r.Allocated),
			Term:      termInfo(r.Term),
			Sequence:  r.SequenceOut,
		},
		UpdateData: &bus.UpdateDataInfo{Failed: ud.Failed, Message: ud.Message, Closed: closed},
	}
	return m.submit(topic, env, targetReservation, r.RID, false, 0)
}

// UpdateDelegation advertises or answers a delegation to its holder.
func (m *Manager) UpdateDelegation(d *kernel.Delegation, ud kernel.UpdateData) error {
	topic, err := m.cfg.Registry.Topic(d.Holder)
	if err != nil {
		return err
	}
	env := &bus.Envelope{
		Name: bus.MessageUpdateDelegation,
		Delegation: &bus.DelegationInfo{
			DID:          d.DID,
			SliceID:      d.SliceID,
			Graph:        d.Graph,
			Units:        d.Units,
			ResourceType: d.ResourceType,
			Sequence:     d.SequenceOut,
		},
		UpdateData: &bus.UpdateDataInfo{Failed: ud.Failed, Message: ud.Message},
	}
	return m.submit(topic, env, targetDelegation, d.DID, false, 0)
}

func (m *Manager) delegationRequest(name bus.MessageType, d *kernel.Delegation) error {
	topic, err := m.cfg.Registry.Topic(d.Issuer)
	if err != nil {
		return err
	}
	env := &bus.Envelope{
		Name:       name,
		Delegation: &bus.DelegationInfo{DID: d.DID, SliceID: d.SliceID, Sequence: d.SequenceOut},
	}
	return m.submit(topic, env, targetDelegation, d.DID, true, m.cfg.ClaimTimeout)
}

// ClaimDelegation claims an advertised delegation from its issuer.
func (m *Manager) ClaimDelegation(d *kernel.Delegation) error {
	return m.delegationRequest(bus.MessageClaimDelegation, d)
}

// ReclaimDelegation returns a claimed delegation to its issuer.
func (m *Manager) ReclaimDelegation(d *kernel.Delegation) error {
	return m.delegationRequest(bus.MessageReclaimDelegation, d)
}
