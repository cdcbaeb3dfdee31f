// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crucible-testbed/crucible/internal/bus"
	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/log"
)

// Failure notice recorded when a ticket-class request dies in transit or
// times out.
const (
	ClaimTimeoutNotice = "Timeout during claim"
	QueryTimeoutNotice = "Timeout during query"
)

// Default per-type response timeouts.
const (
	DefaultClaimTimeout = 120 * time.Second
	DefaultQueryTimeout = 120 * time.Second
)

// FailureSink receives delivery failures and timeouts, translated into
// events on the owning actor's loop.
type FailureSink interface {
	ReservationRPCFailed(rid ids.ID, name bus.MessageType, message string)
	DelegationRPCFailed(did ids.ID, name bus.MessageType, message string)
	QueryRPCFailed(requestID ids.ID, message string)
}

// QueryHandler answers an inbound QueryResult matched to a pending Query.
type QueryHandler func(response map[string]string, err error)

// Config parameterises the manager.
type Config struct {
	ActorGUID ids.ID
	Identity  ids.AuthToken
	// CallbackTopic is the local actor's own topic, advertised on requests.
	CallbackTopic string
	Transport     bus.Transport
	Registry      *Registry
	Failures      FailureSink
	// Workers bounds the outbound pool; SendTimeout bounds one transport
	// submission.
	Workers      int
	SendTimeout  time.Duration
	ClaimTimeout time.Duration
	QueryTimeout time.Duration
}

// Manager is the per-actor RPC layer. Outbound requests flow through a
// bounded worker pool; inbound envelopes resolve pending entries and are
// handed to the actor for kernel dispatch.
type Manager struct {
	cfg     Config
	pending *pendingTable
	dups    *dupFilter
	logger  zerolog.Logger

	queue   chan *outboundItem
	wg      sync.WaitGroup
	stopped chan struct{}
	stopOne sync.Once

	mu      sync.Mutex
	queries map[ids.ID]QueryHandler
}

type outboundItem struct {
	topic    string
	envelope *bus.Envelope
	kind     targetKind
	targetID ids.ID
}

// NewManager builds and starts the manager's worker pool.
func NewManager(cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 120 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	m := &Manager{
		cfg:     cfg,
		pending: newPendingTable(),
		dups:    newDupFilter(4096),
		logger:  log.WithComponent("rpc"),
		queue:   make(chan *outboundItem, 256),
		stopped: make(chan struct{}),
		queries: make(map[ids.ID]QueryHandler),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Stop drains the worker pool and clears the pending table. Pending callers
// are not notified; recovery re-resolves state on restart.
func (m *Manager) Stop() {
	m.stopOne.Do(func() {
		close(m.stopped)
		close(m.queue)
		m.wg.Wait()
		m.pending.clear()
	})
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for item := range m.queue {
		m.deliver(item)
	}
}

func (m *Manager) deliver(item *outboundItem) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	err := m.cfg.Transport.Send(ctx, item.topic, item.envelope)
	cancel()
	if err == nil {
		return
	}
	m.logger.Error().Err(err).
		Str(log.FieldMessageID, item.envelope.MessageID.String()).
		Str("name", string(item.envelope.Name)).
		Str("topic", item.topic).
		Msg("delivery failed")
	// The request is dead; resolve its pending entry and project the
	// failure onto the actor loop.
	m.pending.removeByMsgID(item.envelope.MessageID)
	m.projectFailure(item, err)
}

func (m *Manager) projectFailure(item *outboundItem, err error) {
	switch item.kind {
	case targetReservation:
		m.cfg.Failures.ReservationRPCFailed(item.targetID, item.envelope.Name, failureNotice(item.envelope.Name, err))
	case targetDelegation:
		m.cfg.Failures.DelegationRPCFailed(item.targetID, item.envelope.Name, failureNotice(item.envelope.Name, err))
	case targetQuery:
		m.cfg.Failures.QueryRPCFailed(item.envelope.MessageID, failureNotice(item.envelope.Name, err))
	}
}

// failureNotice maps a dead request onto the user-visible notice. Delivery
// failures and timeouts are indistinguishable at the kernel level.
func failureNotice(name bus.MessageType, err error) string {
	switch name {
	case bus.MessageTicket, bus.MessageExtendTicket, bus.MessageClaimDelegation, bus.MessageReclaimDelegation:
		return ClaimTimeoutNotice
	case bus.MessageQuery:
		return QueryTimeoutNotice
	default:
		if err != nil {
			return "RPC " + string(name) + " failed: " + err.Error()
		}
		return "RPC " + string(name) + " failed"
	}
}

// submit stamps a message id (unless retrying), records the pending entry
// when a response is expected, and enqueues the request.
func (m *Manager) submit(topic string, env *bus.Envelope, kind targetKind, targetID ids.ID, awaitResponse bool, timeout time.Duration) error {
	select {
	case <-m.stopped:
		return errs.New(errs.InvalidState, "rpc manager stopped")
	default:
	}
	if env.MessageID.Empty() {
		env.MessageID = ids.NewID()
	}
	env.From = m.cfg.ActorGUID
	env.Caller = m.cfg.Identity
	env.CallbackTopic = m.cfg.CallbackTopic

	item := &outboundItem{topic: topic, envelope: env, kind: kind, targetID: targetID}
	if awaitResponse {
		entry := &pendingEntry{
			messageID: env.MessageID,
			name:      env.Name,
			kind:      kind,
			targetID:  targetID,
			topic:     topic,
			envelope:  env,
		}
		if timeout > 0 {
			entry.timer = time.AfterFunc(timeout, func() { m.timeout(env.MessageID) })
		}
		m.pending.add(entry)
	}

	select {
	case m.queue <- item:
		return nil
	case <-m.stopped:
		m.pending.removeByMsgID(env.MessageID)
		return errs.New(errs.InvalidState, "rpc manager stopped")
	}
}

// timeout fires when a claim or query response never arrived.
func (m *Manager) timeout(messageID ids.ID) {
	e := m.pending.removeByMsgID(messageID)
	if e == nil {
		return
	}
	m.logger.Warn().
		Str(log.FieldMessageID, messageID.String()).
		Str("name", string(e.name)).
		Msg("response timeout")
	m.projectFailure(&outboundItem{topic: e.topic, envelope: e.envelope, kind: e.kind, targetID: e.targetID}, errs.New(errs.Timeout, "response timeout"))
}

// Retry re-enqueues a pending request with its message id unchanged.
func (m *Manager) Retry(messageID ids.ID) error {
	e := m.pending.get(messageID)
	if e == nil {
		return errs.New(errs.NotFound, "pending request %s", messageID)
	}
	select {
	case m.queue <- &outboundItem{topic: e.topic, envelope: e.envelope, kind: e.kind, targetID: e.targetID}:
		return nil
	case <-m.stopped:
		return errs.New(errs.InvalidState, "rpc manager stopped")
	}
}

// PendingCount reports outstanding requests, for metrics and tests.
func (m *Manager) PendingCount() int {
	m.pending.mu.Lock()
	defer m.pending.mu.Unlock()
	return len(m.pending.byMsgID)
}

// --- inbound ---

// Filter applies duplicate suppression and pending-table resolution to an
// inbound envelope. It reports whether the envelope should be dispatched to
// the kernel.
func (m *Manager) Filter(env *bus.Envelope) bool {
	if m.dups.observe(env.MessageID, env.From) {
		m.logger.Warn().
			Str(log.FieldMessageID, env.MessageID.String()).
			Str(log.FieldPeer, env.From.String()).
			Msg("duplicate message dropped")
		return false
	}
	// A response correlated by request id resolves its pending entry.
	if !env.RequestID.Empty() {
		if e := m.pending.removeByMsgID(env.RequestID); e != nil && e.kind == targetQuery {
			m.resolveQuery(env)
			return false
		}
	}
	// Updates bound to a reservation or delegation resolve by target.
	switch env.Name {
	case bus.MessageUpdateTicket, bus.MessageUpdateLease:
		if env.Reservation != nil {
			m.pending.removeByTarget(env.Reservation.RID)
		}
	case bus.MessageUpdateDelegation:
		if env.Delegation != nil {
			m.pending.removeByTarget(env.Delegation.DID)
		}
	}
	return true
}

// FailQuery resolves a pending query handler with an error. Called from the
// actor loop after a delivery failure or timeout was projected.
func (m *Manager) FailQuery(requestID ids.ID, message string) {
	m.mu.Lock()
	handler, ok := m.queries[requestID]
	delete(m.queries, requestID)
	m.mu.Unlock()
	if ok {
		handler(nil, errs.New(errs.Timeout, "%s", message))
	}
}

func (m *Manager) resolveQuery(env *bus.Envelope) {
	m.mu.Lock()
	handler, ok := m.queries[env.RequestID]
	delete(m.queries, env.RequestID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if env.Error != "" {
		handler(nil, errs.New(errs.RemoteFailure, "%s", env.Error))
		return
	}
	handler(env.Query, nil)
}

// Query sends an introspection query to a peer; the handler runs when the
// result arrives or the query times out.
func (m *Manager) Query(peer ids.ID, properties map[string]string, handler QueryHandler) error {
	topic, err := m.cfg.Registry.Topic(peer)
	if err != nil {
		return err
	}
	env := &bus.Envelope{Name: bus.MessageQuery, Query: properties, MessageID: ids.NewID()}
	m.mu.Lock()
	m.queries[env.MessageID] = handler
	m.mu.Unlock()
	return m.submit(topic, env, targetQuery, "", true, m.cfg.QueryTimeout)
}

// QueryResult answers an inbound query.
func (m *Manager) QueryResult(topic string, requestID ids.ID, response map[string]string) error {
	env := &bus.Envelope{Name: bus.MessageQueryResult, Query: response, RequestID: requestID}
	return m.submit(topic, env, targetQuery, "", false, 0)
}

// kernelOutbound asserts at compile time that Manager satisfies the
// kernel's outbound surface.
var _ kernel.Outbound = (*Manager)(nil)
