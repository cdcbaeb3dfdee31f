// SPDX-License-Identifier: MIT

package actor

import (
	"github.com/rs/zerolog"

	"github.com/crucible-testbed/crucible/internal/bus"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/metrics"
	"github.com/crucible-testbed/crucible/internal/rpc"
	"github.com/crucible-testbed/crucible/internal/substrate"
)

// Actor binds a kernel to its event loop, its RPC manager and the ticker.
// All inbound surfaces (bus subscriptions, timer firings, handler
// completions, management calls) converge here and are serialised onto the
// loop before they reach the kernel.
type Actor struct {
	name    string
	guid    ids.ID
	typ     string
	loop    *Loop
	kernel  *kernel.Kernel
	rpc     *rpc.Manager
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Config assembles an actor. Kernel and RPC manager are constructed by the
// container; the actor only wires them together.
type Config struct {
	Name   string
	GUID   ids.ID
	Type   string
	Kernel *kernel.Kernel
	RPC    *rpc.Manager
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Metrics
}

// New builds a stopped actor.
func New(cfg Config) *Actor {
	return &Actor{
		name:    cfg.Name,
		guid:    cfg.GUID,
		typ:     cfg.Type,
		loop:    NewLoop(cfg.Name),
		kernel:  cfg.Kernel,
		rpc:     cfg.RPC,
		metrics: cfg.Metrics,
		logger:  log.WithActor(cfg.Type, cfg.Name),
	}
}

// Name implements tick.Tickable.
func (a *Actor) Name() string { return a.name }

// GUID returns the actor's identifier.
func (a *Actor) GUID() ids.ID { return a.guid }

// Type returns the actor's role.
func (a *Actor) Type() string { return a.typ }

// Kernel exposes the kernel for management reads via ExecuteOnLoop.
func (a *Actor) Kernel() *kernel.Kernel { return a.kernel }

// Start launches the event loop.
func (a *Actor) Start() error { return a.loop.Start() }

// Stop halts the event loop and the RPC manager.
func (a *Actor) Stop() {
	a.loop.Stop()
	a.rpc.Stop()
}

// ExecuteOnLoop runs fn on the event loop and waits for it. Management and
// recovery code uses this to read or mutate kernel state safely.
func (a *Actor) ExecuteOnLoop(fn func() error) error {
	return a.loop.ExecuteAndWait(fn)
}

// QueueEvent schedules fn on the event loop without waiting.
func (a *Actor) QueueEvent(fn func()) { a.loop.QueueEvent(fn) }

// ExternalTick implements tick.Tickable: the tick is queued on the timer
// queue so pending inbound traffic drains first.
func (a *Actor) ExternalTick(cycle int64) error {
	if a.metrics != nil {
		a.metrics.Ticks.Inc()
	}
	a.loop.QueueTimer(func() {
		if err := a.kernel.Tick(cycle); err != nil {
			a.logger.Error().Err(err).Int64(log.FieldCycle, cycle).Msg("tick failed")
		}
	})
	return nil
}

// HandleEnvelope is the bus subscription callback. It runs on a transport
// goroutine: duplicate filtering and pending-table resolution happen inline,
// then the kernel dispatch is queued onto the loop.
func (a *Actor) HandleEnvelope(env *bus.Envelope) {
	if !a.rpc.Filter(env) {
		return
	}
	a.loop.QueueEvent(func() { a.dispatch(env) })
}

// dispatch translates one inbound envelope into a kernel operation. Role
// checks live in the kernel: an actor that never issued a ticket simply has
// no reservation for the update and the kernel rejects it.
func (a *Actor) dispatch(env *bus.Envelope) {
	if a.metrics != nil {
		a.metrics.Dispatches.WithLabelValues(string(env.Name)).Inc()
	}
	var err error
	switch env.Name {
	case bus.MessageTicket:
		err = a.kernel.HandleTicket(rpc.RequestFromEnvelope(env))
	case bus.MessageExtendTicket:
		err = a.kernel.HandleExtendTicket(rpc.RequestFromEnvelope(env))
	case bus.MessageRelinquish:
		err = a.kernel.HandleRelinquish(rpc.RequestFromEnvelope(env))
	case bus.MessageRedeem:
		err = a.kernel.HandleRedeem(rpc.RequestFromEnvelope(env))
	case bus.MessageExtendLease:
		err = a.kernel.HandleExtendLease(rpc.RequestFromEnvelope(env))
	case bus.MessageModifyLease:
		err = a.kernel.HandleModifyLease(rpc.RequestFromEnvelope(env))
	case bus.MessageClose:
		err = a.kernel.HandleClose(rpc.RequestFromEnvelope(env))
	case bus.MessageUpdateTicket:
		err = a.kernel.HandleUpdateTicket(rpc.UpdateFromEnvelope(env))
	case bus.MessageUpdateLease:
		err = a.kernel.HandleUpdateLease(rpc.UpdateFromEnvelope(env))
	case bus.MessageClaimDelegation:
		err = a.kernel.HandleClaimDelegation(rpc.DelegationRequestFromEnvelope(env))
	case bus.MessageReclaimDelegation:
		err = a.kernel.HandleReclaimDelegation(rpc.DelegationRequestFromEnvelope(env))
	case bus.MessageUpdateDelegation:
		err = a.kernel.HandleUpdateDelegation(rpc.DelegationUpdateFromEnvelope(env))
	case bus.MessageQuery:
		err = a.answerQuery(env)
	case bus.MessageFailedRPC:
		err = a.handleFailedRPC(env)
	default:
		a.logger.Warn().Str("name", string(env.Name)).Msg("unhandled message type")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).
			Str("name", string(env.Name)).
			Str(log.FieldMessageID, env.MessageID.String()).
			Str(log.FieldPeer, env.From.String()).
			Msg("dispatch failed")
	}
}

func (a *Actor) answerQuery(env *bus.Envelope) error {
	response := a.kernel.Query(env.Query)
	return a.rpc.QueryResult(env.CallbackTopic, env.MessageID, response)
}

// handleFailedRPC processes a peer's explicit failure notice for a request
// we sent.
func (a *Actor) handleFailedRPC(env *bus.Envelope) error {
	message := env.Error
	if message == "" {
		message = "request failed at peer"
	}
	if env.Reservation != nil {
		return a.kernel.Fail(env.Reservation.RID, message)
	}
	if env.Delegation != nil {
		return a.kernel.FailDelegation(env.Delegation.DID, message)
	}
	return nil
}

// --- rpc.FailureSink ---

// ReservationRPCFailed projects a dead outbound request onto the loop as a
// reservation failure.
func (a *Actor) ReservationRPCFailed(rid ids.ID, name bus.MessageType, message string) {
	if a.metrics != nil {
		a.metrics.RPCFailures.WithLabelValues(string(name)).Inc()
	}
	a.loop.QueueEvent(func() {
		if err := a.kernel.Fail(rid, message); err != nil {
			a.logger.Error().Err(err).Str(log.FieldReservation, rid.String()).Msg("failure projection")
		}
	})
}

// DelegationRPCFailed projects a dead delegation request onto the loop.
func (a *Actor) DelegationRPCFailed(did ids.ID, name bus.MessageType, message string) {
	if a.metrics != nil {
		a.metrics.RPCFailures.WithLabelValues(string(name)).Inc()
	}
	a.loop.QueueEvent(func() {
		if err := a.kernel.FailDelegation(did, message); err != nil {
			a.logger.Error().Err(err).Str(log.FieldDelegation, did.String()).Msg("failure projection")
		}
	})
}

// QueryRPCFailed resolves the waiting query handler on the loop.
func (a *Actor) QueryRPCFailed(requestID ids.ID, message string) {
	if a.metrics != nil {
		a.metrics.RPCFailures.WithLabelValues(string(bus.MessageQuery)).Inc()
	}
	a.loop.QueueEvent(func() { a.rpc.FailQuery(requestID, message) })
}

// --- substrate.CompletionSink ---

// ConfigurationComplete delivers a handler completion to the kernel on the
// loop.
func (a *Actor) ConfigurationComplete(c substrate.Completion) {
	a.loop.QueueEvent(func() {
		if err := a.kernel.ConfigurationComplete(c); err != nil {
			a.logger.Error().Err(err).
				Str(log.FieldUnit, c.Unit.UnitID.String()).
				Msg("completion rejected")
		}
	})
}

var (
	_ rpc.FailureSink          = (*Actor)(nil)
	_ substrate.CompletionSink = (*Actor)(nil)
)
