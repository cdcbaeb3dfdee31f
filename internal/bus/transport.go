// SPDX-License-Identifier: MIT

package bus

import "context"

// Handler consumes inbound envelopes from the actor's topic. Handlers run on
// transport consumer goroutines and must hand work to the actor loop rather
// than block.
type Handler func(env *Envelope)

// Transport carries envelopes between actor topics.
type Transport interface {
	// Send publishes the envelope to the peer topic. An error is a
	// submission failure; delivery failures surface through the send
	// callback wired by the RPC layer.
	Send(ctx context.Context, topic string, env *Envelope) error
	// Subscribe attaches the handler to the given topic. A transport
	// supports one handler per topic.
	Subscribe(topic string, h Handler) error
	// Close tears the transport down.
	Close() error
}
