// SPDX-License-Identifier: MIT

// Package store provides the persistence implementations behind the kernel's
// write-through surface: an in-memory store for tests and embedded use, and
// a SQLite store in the sqlite subpackage.
package store

import (
	"encoding/json"
	"sync"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/substrate"
)

// Memory keeps serialized records in maps. Records are stored encoded so a
// later read returns an independent copy, the same isolation the database
// store gives.
type Memory struct {
	mu           sync.Mutex
	slices       map[ids.ID][]byte
	reservations map[ids.ID][]byte
	delegations  map[ids.ID][]byte
	units        map[ids.ID][]byte
	misc         map[string]map[string]string

	// failErr, when set, is returned by every write. Tests use it to drive
	// the kernel's rollback path.
	failErr error
}

// NewMemory builds an empty store.
func NewMemory() *Memory {
	return &Memory{
		slices:       make(map[ids.ID][]byte),
		reservations: make(map[ids.ID][]byte),
		delegations:  make(map[ids.ID][]byte),
		units:        make(map[ids.ID][]byte),
		misc:         make(map[string]map[string]string),
	}
}

// FailWrites makes every subsequent write return err; nil restores normal
// operation.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *Memory) put(table map[ids.ID][]byte, id ids.ID, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "encode record %s", id)
	}
	table[id] = data
	return nil
}

func (m *Memory) remove(table map[ids.ID][]byte, id ids.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	delete(table, id)
	return nil
}

// AddSlice stores a new slice record.
func (m *Memory) AddSlice(s *kernel.Slice) error { return m.put(m.slices, s.SliceID, s) }

// UpdateSlice overwrites a slice record.
func (m *Memory) UpdateSlice(s *kernel.Slice) error { return m.put(m.slices, s.SliceID, s) }

// RemoveSlice deletes a slice record.
func (m *Memory) RemoveSlice(id ids.ID) error { return m.remove(m.slices, id) }

// HasSlice reports whether a slice record exists.
func (m *Memory) HasSlice(id ids.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slices[id]
	return ok, nil
}

// AddReservation stores a new reservation record.
func (m *Memory) AddReservation(r *kernel.Reservation) error {
	return m.put(m.reservations, r.RID, r)
}

// UpdateReservation overwrites a reservation record.
func (m *Memory) UpdateReservation(r *kernel.Reservation) error {
	return m.put(m.reservations, r.RID, r)
}

// RemoveReservation deletes a reservation record.
func (m *Memory) RemoveReservation(rid ids.ID) error { return m.remove(m.reservations, rid) }

// AddDelegation stores a new delegation record.
func (m *Memory) AddDelegation(d *kernel.Delegation) error {
	return m.put(m.delegations, d.DID, d)
}

// UpdateDelegation overwrites a delegation record.
func (m *Memory) UpdateDelegation(d *kernel.Delegation) error {
	return m.put(m.delegations, d.DID, d)
}

// RemoveDelegation deletes a delegation record.
func (m *Memory) RemoveDelegation(did ids.ID) error { return m.remove(m.delegations, did) }

// AddUnit stores a new unit record.
func (m *Memory) AddUnit(u *substrate.Unit) error { return m.put(m.units, u.UnitID, u) }

// UpdateUnit overwrites a unit record.
func (m *Memory) UpdateUnit(u *substrate.Unit) error { return m.put(m.units, u.UnitID, u) }

// Slices decodes every stored slice.
func (m *Memory) Slices() ([]*kernel.Slice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*kernel.Slice, 0, len(m.slices))
	for id, data := range m.slices {
		s := new(kernel.Slice)
		if err := json.Unmarshal(data, s); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "decode slice %s", id)
		}
		out = append(out, s)
	}
	return out, nil
}

// Reservations decodes every stored reservation.
func (m *Memory) Reservations() ([]*kernel.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*kernel.Reservation, 0, len(m.reservations))
	for id, data := range m.reservations {
		r := new(kernel.Reservation)
		if err := json.Unmarshal(data, r); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "decode reservation %s", id)
		}
		out = append(out, r)
	}
	return out, nil
}

// Delegations decodes every stored delegation.
func (m *Memory) Delegations() ([]*kernel.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*kernel.Delegation, 0, len(m.delegations))
	for id, data := range m.delegations {
		d := new(kernel.Delegation)
		if err := json.Unmarshal(data, d); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "decode delegation %s", id)
		}
		out = append(out, d)
	}
	return out, nil
}

// SaveMiscellaneous stores free-form properties under a path key.
func (m *Memory) SaveMiscellaneous(path string, properties map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	cp := make(map[string]string, len(properties))
	for k, v := range properties {
		cp[k] = v
	}
	m.misc[path] = cp
	return nil
}

// LoadMiscellaneous retrieves properties by path key; missing paths return
// nil without error.
func (m *Memory) LoadMiscellaneous(path string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	props, ok := m.misc[path]
	if !ok {
		return nil, nil
	}
	cp := make(map[string]string, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return cp, nil
}

var _ kernel.Store = (*Memory)(nil)
