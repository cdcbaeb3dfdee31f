// SPDX-License-Identifier: MIT

// Package rpc implements the at-most-once RPC layer between actors: outbound
// request queueing over a bounded worker pool, the pending-response table
// with per-type timeouts, duplicate filtering, and translation of delivery
// failures into kernel failure events.
package rpc

import (
	"sync"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
)

// Peer describes a remote actor.
type Peer struct {
	Name  string
	GUID  ids.ID
	Type  string
	Topic string
}

// Registry is the shared table of remote-actor descriptors. Lookups are
// frequent, updates rare; a mutex suffices.
type Registry struct {
	mu    sync.RWMutex
	peers map[ids.ID]Peer
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[ids.ID]Peer)}
}

// Add registers or replaces a peer descriptor.
func (r *Registry) Add(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.GUID] = p
}

// Lookup resolves a peer by guid.
func (r *Registry) Lookup(guid ids.ID) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[guid]
	if !ok {
		return Peer{}, errs.New(errs.NotFound, "peer %s", guid)
	}
	return p, nil
}

// Topic resolves a peer's topic by guid.
func (r *Registry) Topic(guid ids.ID) (string, error) {
	p, err := r.Lookup(guid)
	if err != nil {
		return "", err
	}
	return p.Topic, nil
}

// Peers returns a snapshot of all descriptors.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
