// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/crucible-testbed/crucible/internal/errs"
)

// Event names a stimulus applied to a reservation's state machine.
type Event int

const (
	// Client-side events.
	EvDemand Event = iota
	EvTicketUpdateOK
	EvTicketUpdateFail
	EvRedeem
	EvLeaseUpdateOK
	EvLeaseUpdateClosed
	EvLeaseUpdateFail
	EvExtendTicket
	EvExtendLease

	// Broker-side events.
	EvTicketAllocated
	EvExtendStart
	EvExtendAllocated
	EvRelinquish

	// Authority-side events.
	EvRedeemStart
	EvPrimeComplete
	EvPrimeFail
	EvLeaseExtendStart
	EvLeaseExtendComplete
	EvModifyStart
	EvModifyComplete
	EvCloseStart
	EvCloseComplete
	EvCloseFailEvent

	// Shared events.
	EvClose
	EvCloseLocal
	EvFail
)

func (e Event) String() string {
	names := map[Event]string{
		EvDemand:              "demand",
		EvTicketUpdateOK:      "ticket-update-ok",
		EvTicketUpdateFail:    "ticket-update-fail",
		EvRedeem:              "redeem",
		EvLeaseUpdateOK:       "lease-update-ok",
		EvLeaseUpdateClosed:   "lease-update-closed",
		EvLeaseUpdateFail:     "lease-update-fail",
		EvExtendTicket:        "extend-ticket",
		EvExtendLease:         "extend-lease",
		EvTicketAllocated:     "ticket-allocated",
		EvExtendStart:         "extend-start",
		EvExtendAllocated:     "extend-allocated",
		EvRelinquish:          "relinquish",
		EvRedeemStart:         "redeem-start",
		EvPrimeComplete:       "prime-complete",
		EvPrimeFail:           "prime-fail",
		EvLeaseExtendStart:    "lease-extend-start",
		EvLeaseExtendComplete: "lease-extend-complete",
		EvModifyStart:         "modify-start",
		EvModifyComplete:      "modify-complete",
		EvCloseStart:          "close-start",
		EvCloseComplete:       "close-complete",
		EvCloseFailEvent:      "close-fail",
		EvClose:               "close",
		EvCloseLocal:          "close-local",
		EvFail:                "fail",
	}
	if n, ok := names[e]; ok {
		return n
	}
	return "unknown"
}

type transitionKey struct {
	category Category
	state    State
	pending  Pending
	event    Event
}

type transitionResult struct {
	state   State
	pending Pending
}

// transitions is the legal-transition table, indexed by (role, state,
// pending, event). Events absent for a given key are illegal; terminal
// states are absorbing and never appear as sources.
var transitions = map[transitionKey]transitionResult{
	// --- Client (orchestrator, or broker acting as client) ---
	{CategoryClient, StateNascent, PendingNone, EvDemand}:                    {StateNascent, PendingTicketing},
	{CategoryClient, StateNascent, PendingTicketing, EvTicketUpdateOK}:       {StateTicketed, PendingNone},
	{CategoryClient, StateNascent, PendingTicketing, EvTicketUpdateFail}:     {StateFailed, PendingNone},
	{CategoryClient, StateTicketed, PendingNone, EvRedeem}:                   {StateTicketed, PendingRedeeming},
	{CategoryClient, StateTicketed, PendingRedeeming, EvLeaseUpdateOK}:       {StateActive, PendingNone},
	{CategoryClient, StateTicketed, PendingRedeeming, EvLeaseUpdateFail}:     {StateFailed, PendingNone},
	{CategoryClient, StateActive, PendingNone, EvExtendTicket}:               {StateActive, PendingExtendingTicket},
	{CategoryClient, StateActive, PendingExtendingTicket, EvTicketUpdateOK}:  {StateActiveTicketed, PendingNone},
	{CategoryClient, StateActive, PendingExtendingTicket, EvTicketUpdateFail}: {StateFailed, PendingNone},
	{CategoryClient, StateActiveTicketed, PendingNone, EvExtendLease}:        {StateActiveTicketed, PendingExtendingLease},
	{CategoryClient, StateActiveTicketed, PendingExtendingLease, EvLeaseUpdateOK}:   {StateActive, PendingNone},
	{CategoryClient, StateActiveTicketed, PendingExtendingLease, EvLeaseUpdateFail}: {StateFailed, PendingNone},
	{CategoryClient, StateNascent, PendingNone, EvClose}:                     {StateClosed, PendingNone},
	{CategoryClient, StateTicketed, PendingNone, EvClose}:                    {StateTicketed, PendingClosing},
	{CategoryClient, StateActive, PendingNone, EvClose}:                      {StateActive, PendingClosing},
	{CategoryClient, StateActiveTicketed, PendingNone, EvClose}:              {StateActiveTicketed, PendingClosing},
	{CategoryClient, StateCloseWait, PendingNone, EvClose}:                   {StateCloseWait, PendingClosing},
	{CategoryClient, StateTicketed, PendingClosing, EvLeaseUpdateClosed}:     {StateClosed, PendingNone},
	{CategoryClient, StateActive, PendingClosing, EvLeaseUpdateClosed}:       {StateClosed, PendingNone},
	{CategoryClient, StateActiveTicketed, PendingClosing, EvLeaseUpdateClosed}: {StateClosed, PendingNone},
	{CategoryClient, StateCloseWait, PendingClosing, EvLeaseUpdateClosed}:    {StateClosed, PendingNone},
	{CategoryClient, StateTicketed, PendingClosing, EvCloseLocal}:            {StateClosed, PendingNone},
	{CategoryClient, StateActive, PendingClosing, EvCloseLocal}:              {StateClosed, PendingNone},
	{CategoryClient, StateActiveTicketed, PendingClosing, EvCloseLocal}:      {StateClosed, PendingNone},
	{CategoryClient, StateCloseWait, PendingClosing, EvCloseLocal}:           {StateClosed, PendingNone},
	{CategoryClient, StateTicketed, PendingClosing, EvLeaseUpdateFail}:       {StateCloseFail, PendingNone},
	{CategoryClient, StateActive, PendingClosing, EvLeaseUpdateFail}:         {StateCloseFail, PendingNone},

	// --- Broker ---
	{CategoryBroker, StateNascent, PendingNone, EvTicketAllocated}:       {StateTicketed, PendingNone},
	{CategoryBroker, StateNascent, PendingPriming, EvTicketAllocated}:    {StateTicketed, PendingNone},
	{CategoryBroker, StateTicketed, PendingNone, EvExtendStart}:          {StateTicketed, PendingExtendingTicket},
	{CategoryBroker, StateTicketed, PendingExtendingTicket, EvExtendAllocated}: {StateTicketed, PendingNone},
	{CategoryBroker, StateNascent, PendingNone, EvRelinquish}:            {StateClosed, PendingNone},
	{CategoryBroker, StateNascent, PendingPriming, EvRelinquish}:         {StateClosed, PendingNone},
	{CategoryBroker, StateTicketed, PendingNone, EvRelinquish}:           {StateClosed, PendingNone},
	{CategoryBroker, StateNascent, PendingNone, EvClose}:                 {StateClosed, PendingNone},
	{CategoryBroker, StateTicketed, PendingNone, EvClose}:                {StateClosed, PendingNone},

	// --- Authority ---
	{CategoryAuthority, StateNascent, PendingNone, EvRedeemStart}:          {StateNascent, PendingPriming},
	{CategoryAuthority, StateNascent, PendingPriming, EvPrimeComplete}:     {StateActive, PendingNone},
	{CategoryAuthority, StateNascent, PendingPriming, EvPrimeFail}:         {StateFailed, PendingNone},
	{CategoryAuthority, StateActive, PendingNone, EvLeaseExtendStart}:      {StateActive, PendingExtendingLease},
	{CategoryAuthority, StateActive, PendingExtendingLease, EvLeaseExtendComplete}: {StateActive, PendingNone},
	{CategoryAuthority, StateActive, PendingExtendingLease, EvPrimeFail}:   {StateFailed, PendingNone},
	{CategoryAuthority, StateActive, PendingNone, EvModifyStart}:           {StateActive, PendingPriming},
	{CategoryAuthority, StateActive, PendingPriming, EvModifyComplete}:     {StateActive, PendingNone},
	{CategoryAuthority, StateActive, PendingPriming, EvPrimeFail}:          {StateFailed, PendingNone},
	{CategoryAuthority, StateNascent, PendingNone, EvClose}:                {StateClosed, PendingNone},
	{CategoryAuthority, StateActive, PendingNone, EvCloseStart}:            {StateActive, PendingClosing},
	{CategoryAuthority, StateActive, PendingClosing, EvCloseComplete}:      {StateClosed, PendingNone},
	{CategoryAuthority, StateActive, PendingClosing, EvCloseFailEvent}:     {StateCloseFail, PendingNone},
}

// apply moves the reservation through the transition table. Illegal events
// raise InvalidState; EvFail is legal from any non-terminal configuration.
func (r *Reservation) apply(ev Event) error {
	if r.State.Terminal() {
		return errs.New(errs.InvalidState, "reservation %s is terminal (%s), cannot apply %s", r.RID, r.State, ev)
	}
	if ev == EvFail {
		r.State = StateFailed
		r.Pending = PendingNone
		return nil
	}
	next, ok := transitions[transitionKey{r.Category, r.State, r.Pending, ev}]
	if !ok {
		return errs.New(errs.InvalidState, "reservation %s: event %s illegal in %s/%s (%s)", r.RID, ev, r.State, r.Pending, r.Category)
	}
	r.State = next.state
	r.Pending = next.pending
	return nil
}
