// SPDX-License-Identifier: MIT

// Package graph is the narrow resource-graph surface the kernel sees.
// Graphs are opaque: the kernel loads them, pulls node slivers out, writes
// slivers back and asks for per-peer delegation models; everything else is
// the graph implementation's business.
package graph

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
)

// Graph is one loaded resource model.
type Graph interface {
	// ID returns the graph identifier.
	ID() string
	// Serialize renders the whole graph to its string form.
	Serialize() (string, error)
	// Sliver extracts the sliver of one node. The result is a value; mutating
	// it does not change the graph.
	Sliver(nodeID string) (string, error)
	// UpdateSliver replaces the sliver of one node in place.
	UpdateSliver(nodeID, sliver string) error
	// Diff reports the node ids whose slivers differ between this graph and
	// other.
	Diff(other Graph) ([]string, error)
	// BuildADMs splits an aggregate resource model into one delegation model
	// per listed peer. Node capacity divides evenly; the remainder goes to
	// the first peer.
	BuildADMs(peers []ids.ID) (map[ids.ID]Graph, error)
}

// Store loads graphs by id.
type Store interface {
	Load(id string) (Graph, error)
	Save(g Graph) error
	Delete(id string) error
}

// memGraph is the in-process implementation: node id to sliver string,
// serialized as JSON. Good enough for brokers that carry their model in
// delegation blobs; a database-backed implementation satisfies the same
// interface.
type memGraph struct {
	mu    sync.Mutex
	id    string
	nodes map[string]string
}

// New builds an empty graph with the given id.
func New(id string) Graph {
	return &memGraph{id: id, nodes: make(map[string]string)}
}

// Parse rebuilds a graph from its serialized form.
func Parse(id, serialized string) (Graph, error) {
	g := &memGraph{id: id, nodes: make(map[string]string)}
	if serialized == "" {
		return g, nil
	}
	if err := json.Unmarshal([]byte(serialized), &g.nodes); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "parse graph %s", id)
	}
	return g, nil
}

func (g *memGraph) ID() string { return g.id }

func (g *memGraph) Serialize() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, err := json.Marshal(g.nodes)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "serialize graph %s", g.id)
	}
	return string(data), nil
}

func (g *memGraph) Sliver(nodeID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sliver, ok := g.nodes[nodeID]
	if !ok {
		return "", errs.New(errs.NotFound, "node %s in graph %s", nodeID, g.id)
	}
	return sliver, nil
}

func (g *memGraph) UpdateSliver(nodeID, sliver string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[nodeID]; !ok {
		return errs.New(errs.NotFound, "node %s in graph %s", nodeID, g.id)
	}
	g.nodes[nodeID] = sliver
	return nil
}

// AddNode inserts a node; part of graph construction, not of the kernel
// surface.
func (g *memGraph) AddNode(nodeID, sliver string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[nodeID] = sliver
}

func (g *memGraph) Diff(other Graph) ([]string, error) {
	og, ok := other.(*memGraph)
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "diff across graph implementations")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	og.mu.Lock()
	defer og.mu.Unlock()

	changed := make(map[string]struct{})
	for id, sliver := range g.nodes {
		if og.nodes[id] != sliver {
			changed[id] = struct{}{}
		}
	}
	for id := range og.nodes {
		if _, ok := g.nodes[id]; !ok {
			changed[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(changed))
	for id := range changed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (g *memGraph) BuildADMs(peers []ids.ID) (map[ids.ID]Graph, error) {
	if len(peers) == 0 {
		return nil, errs.New(errs.InvalidArgument, "no peers for delegation models")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	nodeIDs := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	out := make(map[ids.ID]Graph, len(peers))
	for i, peer := range peers {
		adm := &memGraph{id: g.id + "-" + peer.String(), nodes: make(map[string]string)}
		for j, nodeID := range nodeIDs {
			if j%len(peers) == i {
				adm.nodes[nodeID] = g.nodes[nodeID]
			}
		}
		out[peer] = adm
	}
	return out, nil
}

// memStore keeps graphs by id.
type memStore struct {
	mu     sync.Mutex
	graphs map[string]Graph
}

// NewStore builds an in-memory graph store.
func NewStore() Store {
	return &memStore{graphs: make(map[string]Graph)}
}

func (s *memStore) Load(id string) (Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "graph %s", id)
	}
	return g, nil
}

func (s *memStore) Save(g Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[g.ID()] = g
	return nil
}

func (s *memStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.graphs, id)
	return nil
}
