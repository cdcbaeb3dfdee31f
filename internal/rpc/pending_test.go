// SPDX-License-Identifier: MIT

package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crucible-testbed/crucible/internal/bus"
	"github.com/crucible-testbed/crucible/internal/ids"
)

func entryFor(rid ids.ID) *pendingEntry {
	return &pendingEntry{
		messageID: ids.NewID(),
		name:      bus.MessageTicket,
		kind:      targetReservation,
		targetID:  rid,
	}
}

func TestPendingTableResolvesBothWays(t *testing.T) {
	tbl := newPendingTable()
	rid := ids.NewID()
	e := entryFor(rid)
	tbl.add(e)

	assert.Same(t, e, tbl.get(e.messageID))
	assert.Same(t, e, tbl.removeByMsgID(e.messageID))
	assert.Nil(t, tbl.removeByMsgID(e.messageID))
	assert.Nil(t, tbl.removeByTarget(rid))

	e2 := entryFor(rid)
	tbl.add(e2)
	assert.Same(t, e2, tbl.removeByTarget(rid))
	assert.Nil(t, tbl.get(e2.messageID))
}

func TestPendingTableSupersededEntry(t *testing.T) {
	tbl := newPendingTable()
	rid := ids.NewID()
	old := entryFor(rid)
	newer := entryFor(rid)
	tbl.add(old)
	tbl.add(newer)

	// Resolving the superseded entry by message id must not evict the
	// newer entry from the target index.
	assert.Same(t, old, tbl.removeByMsgID(old.messageID))
	assert.Same(t, newer, tbl.removeByTarget(rid))
}

func TestPendingTableClear(t *testing.T) {
	tbl := newPendingTable()
	tbl.add(entryFor(ids.NewID()))
	tbl.add(entryFor(ids.NewID()))
	tbl.clear()
	assert.Empty(t, tbl.byMsgID)
	assert.Empty(t, tbl.byTarget)
}

func TestDupFilterWindowAges(t *testing.T) {
	f := newDupFilter(2)
	a, b, c := ids.NewID(), ids.NewID(), ids.NewID()
	from := ids.NewID()

	assert.False(t, f.observe(a, from))
	assert.True(t, f.observe(a, from))
	assert.False(t, f.observe(b, from))

	// A third key pushes the oldest out of the window.
	assert.False(t, f.observe(c, from))
	assert.False(t, f.observe(a, from))
}
