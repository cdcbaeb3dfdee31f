// SPDX-License-Identifier: MIT

// Package bus defines the wire envelope exchanged between actors and the
// transport abstraction that carries it. Every message is independently
// routable; no ordering between topics is assumed.
package bus

import (
	"encoding/json"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
)

// MessageType names the RPC carried by an envelope.
type MessageType string

const (
	MessageTicket            MessageType = "Ticket"
	MessageExtendTicket      MessageType = "ExtendTicket"
	MessageRelinquish        MessageType = "Relinquish"
	MessageRedeem            MessageType = "Redeem"
	MessageExtendLease       MessageType = "ExtendLease"
	MessageModifyLease       MessageType = "ModifyLease"
	MessageClose             MessageType = "Close"
	MessageUpdateTicket      MessageType = "UpdateTicket"
	MessageUpdateDelegation  MessageType = "UpdateDelegation"
	MessageUpdateLease       MessageType = "UpdateLease"
	MessageClaimDelegation   MessageType = "ClaimDelegation"
	MessageReclaimDelegation MessageType = "ReclaimDelegation"
	MessageQuery             MessageType = "Query"
	MessageQueryResult       MessageType = "QueryResult"
	MessageFailedRPC         MessageType = "FailedRPC"
)

// EnvelopeVersion tags the wire schema.
const EnvelopeVersion = 1

// TermInfo is the wire form of a term.
type TermInfo struct {
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	NewStart int64 `json:"new_start,omitempty"`
}

// ResourceInfo is the wire form of a resource set.
type ResourceInfo struct {
	Units              int               `json:"units"`
	Type               string            `json:"type,omitempty"`
	Sliver             string            `json:"sliver,omitempty"`
	RequestProperties  map[string]string `json:"request_properties,omitempty"`
	ResourceProperties map[string]string `json:"resource_properties,omitempty"`
}

// ReservationInfo is the wire form of a reservation's shareable fields.
type ReservationInfo struct {
	RID         ids.ID        `json:"rid"`
	SliceID     ids.ID        `json:"slice_id"`
	SliceName   string        `json:"slice_name,omitempty"`
	Resources   *ResourceInfo `json:"resources,omitempty"`
	Term        TermInfo      `json:"term"`
	Sequence    int64         `json:"sequence"`
	AuthorityID ids.ID        `json:"authority_id,omitempty"`
}

// DelegationInfo is the wire form of a delegation.
type DelegationInfo struct {
	DID          ids.ID `json:"did"`
	SliceID      ids.ID `json:"slice_id,omitempty"`
	Graph        string `json:"graph,omitempty"`
	Units        int    `json:"units,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Sequence     int64  `json:"sequence"`
}

// UpdateDataInfo is the wire form of an operation outcome.
type UpdateDataInfo struct {
	Failed  bool   `json:"failed,omitempty"`
	Message string `json:"message,omitempty"`
	Closed  bool   `json:"closed,omitempty"`
}

// Envelope is the common message envelope.
type Envelope struct {
	Version       int               `json:"version"`
	MessageID     ids.ID            `json:"message_id"`
	Name          MessageType       `json:"name"`
	Caller        ids.AuthToken     `json:"caller"`
	From          ids.ID            `json:"from"`
	Reservation   *ReservationInfo  `json:"reservation,omitempty"`
	Delegation    *DelegationInfo   `json:"delegation,omitempty"`
	Query         map[string]string `json:"query,omitempty"`
	UpdateData    *UpdateDataInfo   `json:"update_data,omitempty"`
	CallbackTopic string            `json:"callback_topic,omitempty"`
	RequestID     ids.ID            `json:"request_id,omitempty"`
	Error         string            `json:"kafka_error,omitempty"`
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	e.Version = EnvelopeVersion
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode envelope %s", e.MessageID)
	}
	return data, nil
}

// Decode parses an envelope from the wire.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "decode envelope")
	}
	if e.MessageID.Empty() || e.Name == "" {
		return nil, errs.New(errs.InvalidArgument, "envelope missing message_id or name")
	}
	return &e, nil
}
