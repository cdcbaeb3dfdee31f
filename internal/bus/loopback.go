// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"sync"

	"github.com/crucible-testbed/crucible/internal/errs"
)

// Loopback routes envelopes between topics inside one process. It backs the
// multi-actor end-to-end tests and single-binary federations.
type Loopback struct {
	mu       sync.Mutex
	handlers map[string]Handler
	closed   bool

	// Fail, when set, simulates a delivery failure for matching topics.
	failTopics map[string]error
}

// NewLoopback builds an empty in-process transport.
func NewLoopback() *Loopback {
	return &Loopback{
		handlers:   make(map[string]Handler),
		failTopics: make(map[string]error),
	}
}

// FailTopic makes every send to topic fail with err. Passing a nil error
// restores delivery.
func (l *Loopback) FailTopic(topic string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failTopics, topic)
		return
	}
	l.failTopics[topic] = err
}

// Send delivers the envelope synchronously to the topic's handler. A
// round-trip through Encode/Decode keeps the wire schema honest.
func (l *Loopback) Send(_ context.Context, topic string, env *Envelope) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errs.New(errs.NetworkPermanent, "transport closed")
	}
	if ferr, ok := l.failTopics[topic]; ok {
		l.mu.Unlock()
		return ferr
	}
	h, ok := l.handlers[topic]
	l.mu.Unlock()
	if !ok {
		return errs.New(errs.NetworkPermanent, "no subscriber on topic %s", topic)
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	h(decoded)
	return nil
}

// Subscribe attaches a handler to a topic.
func (l *Loopback) Subscribe(topic string, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[topic]; ok {
		return errs.New(errs.InvalidArgument, "topic %s already subscribed", topic)
	}
	l.handlers[topic] = h
	return nil
}

// Close disables the transport.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
