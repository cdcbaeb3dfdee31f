// SPDX-License-Identifier: MIT

package rpc

import (
	"sync"
	"time"

	"github.com/crucible-testbed/crucible/internal/bus"
	"github.com/crucible-testbed/crucible/internal/ids"
)

// target distinguishes what a pending request is bound to.
type targetKind int

const (
	targetReservation targetKind = iota
	targetDelegation
	targetQuery
)

// pendingEntry tracks one outstanding request awaiting a response.
type pendingEntry struct {
	messageID ids.ID
	name      bus.MessageType
	kind      targetKind
	targetID  ids.ID
	topic     string
	envelope  *bus.Envelope
	timer     *time.Timer
}

// pendingTable indexes outstanding requests by message id and by target, so
// responses correlated either way can resolve them.
type pendingTable struct {
	mu       sync.Mutex
	byMsgID  map[ids.ID]*pendingEntry
	byTarget map[ids.ID]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byMsgID:  make(map[ids.ID]*pendingEntry),
		byTarget: make(map[ids.ID]*pendingEntry),
	}
}

func (t *pendingTable) add(e *pendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byMsgID[e.messageID] = e
	if !e.targetID.Empty() {
		t.byTarget[e.targetID] = e
	}
}

// removeByMsgID resolves a pending entry by request id, cancelling its
// timer.
func (t *pendingTable) removeByMsgID(id ids.ID) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byMsgID[id]
	if !ok {
		return nil
	}
	t.drop(e)
	return e
}

// removeByTarget resolves a pending entry by the reservation or delegation
// it is bound to.
func (t *pendingTable) removeByTarget(targetID ids.ID) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byTarget[targetID]
	if !ok {
		return nil
	}
	t.drop(e)
	return e
}

// get returns the entry for a message id without removing it.
func (t *pendingTable) get(id ids.ID) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byMsgID[id]
}

// clear cancels every timer and empties the table. Pending callers are not
// notified; recovery re-resolves state on restart.
func (t *pendingTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.byMsgID {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.byMsgID = make(map[ids.ID]*pendingEntry)
	t.byTarget = make(map[ids.ID]*pendingEntry)
}

func (t *pendingTable) drop(e *pendingEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.byMsgID, e.messageID)
	if !e.targetID.Empty() {
		if cur, ok := t.byTarget[e.targetID]; ok && cur == e {
			delete(t.byTarget, e.targetID)
		}
	}
}

// dupFilter drops inbound duplicates by (message_id, from). The window is
// bounded; the oldest entries age out first.
type dupFilter struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

func newDupFilter(limit int) *dupFilter {
	return &dupFilter{seen: make(map[string]struct{}), limit: limit}
}

// observe records the key and reports whether it was already seen.
func (f *dupFilter) observe(messageID, from ids.ID) bool {
	key := messageID.String() + "|" + from.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[key]; ok {
		return true
	}
	f.seen[key] = struct{}{}
	f.order = append(f.order, key)
	if len(f.order) > f.limit {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.seen, oldest)
	}
	return false
}
