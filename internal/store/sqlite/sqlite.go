// SPDX-License-Identifier: MIT

// Package sqlite is the embedded relational store behind the kernel's
// write-through persistence. Every entity is kept as a serialized blob for
// rehydration, alongside the indexed columns recovery and the management
// API filter on.
package sqlite

import (
	"database/sql"
	"encoding/json"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/substrate"
)

const schema = `
CREATE TABLE IF NOT EXISTS actors (
	name TEXT PRIMARY KEY,
	guid TEXT NOT NULL,
	type TEXT NOT NULL,
	blob TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS slices (
	slice_guid TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type INTEGER NOT NULL,
	state INTEGER NOT NULL,
	graph_id TEXT NOT NULL DEFAULT '',
	owner_sub TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	lease_start INTEGER NOT NULL DEFAULT 0,
	lease_end INTEGER NOT NULL DEFAULT 0,
	project_id TEXT NOT NULL DEFAULT '',
	blob TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS reservations (
	rid TEXT PRIMARY KEY,
	slice_guid TEXT NOT NULL REFERENCES slices(slice_guid),
	category INTEGER NOT NULL,
	state INTEGER NOT NULL,
	pending INTEGER NOT NULL,
	joining INTEGER NOT NULL,
	graph_node_id TEXT NOT NULL DEFAULT '',
	owner_sub TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	blob TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_slice ON reservations(slice_guid);
CREATE INDEX IF NOT EXISTS idx_reservations_state ON reservations(state);
CREATE INDEX IF NOT EXISTS idx_reservations_node ON reservations(graph_node_id);
CREATE TABLE IF NOT EXISTS delegations (
	did TEXT PRIMARY KEY,
	slice_guid TEXT NOT NULL,
	state INTEGER NOT NULL,
	blob TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS units (
	unit_id TEXT PRIMARY KEY,
	reservation_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	state INTEGER NOT NULL,
	blob TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_units_reservation ON units(reservation_id);
CREATE TABLE IF NOT EXISTS proxies (
	actor_id TEXT NOT NULL,
	name TEXT NOT NULL,
	blob TEXT NOT NULL,
	PRIMARY KEY (actor_id, name)
);
CREATE TABLE IF NOT EXISTS clients (
	actor_id TEXT NOT NULL,
	name TEXT NOT NULL,
	guid TEXT NOT NULL,
	blob TEXT NOT NULL,
	PRIMARY KEY (actor_id, guid)
);
CREATE TABLE IF NOT EXISTS config_mappings (
	key TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	blob TEXT NOT NULL,
	PRIMARY KEY (key, actor_id)
);
CREATE TABLE IF NOT EXISTS miscellaneous (
	name TEXT PRIMARY KEY,
	blob TEXT NOT NULL
);
`

// Store persists one actor's kernel state.
type Store struct {
	db     *sql.DB
	actor  string
	logger zerolog.Logger
}

// Open creates or opens the database at path and registers the actor row.
func Open(path, actorName, actorType string, actorGUID ids.ID) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "open database %s", path)
	}
	// The kernel is single-writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.StorageFailure, err, "apply schema")
	}
	if _, err := db.Exec(
		`INSERT INTO actors (name, guid, type) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET guid = excluded.guid, type = excluded.type`,
		actorName, actorGUID.String(), actorType,
	); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.StorageFailure, err, "register actor %s", actorName)
	}
	return &Store{
		db:     db,
		actor:  actorName,
		logger: log.WithActor("store", actorName),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errs.Wrap(errs.StorageFailure, err, "encode record")
	}
	return string(data), nil
}

// --- slices ---

// AddSlice inserts a slice row.
func (s *Store) AddSlice(sl *kernel.Slice) error {
	return s.writeSlice(sl, `INSERT INTO slices
		(slice_guid, name, type, state, graph_id, owner_sub, email, lease_start, lease_end, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
}

// UpdateSlice overwrites a slice row.
func (s *Store) UpdateSlice(sl *kernel.Slice) error {
	return s.writeSlice(sl, `INSERT INTO slices
		(slice_guid, name, type, state, graph_id, owner_sub, email, lease_start, lease_end, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slice_guid) DO UPDATE SET
			name = excluded.name, type = excluded.type, state = excluded.state,
			graph_id = excluded.graph_id, owner_sub = excluded.owner_sub,
			email = excluded.email, lease_start = excluded.lease_start,
			lease_end = excluded.lease_end, blob = excluded.blob`)
}

func (s *Store) writeSlice(sl *kernel.Slice, query string) error {
	blob, err := encode(sl)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(query,
		sl.SliceID.String(), sl.Name, int(sl.Type), int(sl.State), sl.GraphID,
		sl.Owner.OIDCSub, sl.Owner.Email, sl.LeaseStart, sl.LeaseEnd, blob,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "write slice %s", sl.SliceID)
	}
	return nil
}

// RemoveSlice deletes a slice row.
func (s *Store) RemoveSlice(id ids.ID) error {
	if _, err := s.db.Exec(`DELETE FROM slices WHERE slice_guid = ?`, id.String()); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "remove slice %s", id)
	}
	return nil
}

// HasSlice reports whether a slice row exists.
func (s *Store) HasSlice(id ids.ID) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM slices WHERE slice_guid = ?`, id.String()).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.StorageFailure, err, "lookup slice %s", id)
	}
	return n > 0, nil
}

// Slices rehydrates every stored slice.
func (s *Store) Slices() ([]*kernel.Slice, error) {
	return scanBlobs[kernel.Slice](s.db, `SELECT blob FROM slices ORDER BY slice_guid`)
}

// SlicesByState rehydrates slices filtered by state.
func (s *Store) SlicesByState(state kernel.SliceState) ([]*kernel.Slice, error) {
	return scanBlobs[kernel.Slice](s.db,
		`SELECT blob FROM slices WHERE state = ? ORDER BY slice_guid`, int(state))
}

// --- reservations ---

// AddReservation inserts a reservation row.
func (s *Store) AddReservation(r *kernel.Reservation) error {
	return s.writeReservation(r, `INSERT INTO reservations
		(rid, slice_guid, category, state, pending, joining, graph_node_id, owner_sub, email, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
}

// UpdateReservation overwrites a reservation row.
func (s *Store) UpdateReservation(r *kernel.Reservation) error {
	return s.writeReservation(r, `INSERT INTO reservations
		(rid, slice_guid, category, state, pending, joining, graph_node_id, owner_sub, email, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rid) DO UPDATE SET
			slice_guid = excluded.slice_guid, category = excluded.category,
			state = excluded.state, pending = excluded.pending,
			joining = excluded.joining, graph_node_id = excluded.graph_node_id,
			owner_sub = excluded.owner_sub, email = excluded.email, blob = excluded.blob`)
}

func (s *Store) writeReservation(r *kernel.Reservation, query string) error {
	blob, err := encode(r)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(query,
		r.RID.String(), r.SliceID.String(), int(r.Category), int(r.State),
		int(r.Pending), int(r.Join), r.GraphNodeID, r.Owner.OIDCSub, r.Owner.Email, blob,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "write reservation %s", r.RID)
	}
	return nil
}

// RemoveReservation deletes a reservation row and its units.
func (s *Store) RemoveReservation(rid ids.ID) error {
	if _, err := s.db.Exec(`DELETE FROM units WHERE reservation_id = ?`, rid.String()); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "remove units of %s", rid)
	}
	if _, err := s.db.Exec(`DELETE FROM reservations WHERE rid = ?`, rid.String()); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "remove reservation %s", rid)
	}
	return nil
}

// Reservations rehydrates every stored reservation.
func (s *Store) Reservations() ([]*kernel.Reservation, error) {
	return scanBlobs[kernel.Reservation](s.db, `SELECT blob FROM reservations ORDER BY rid`)
}

// ReservationsBySlice rehydrates the reservations of one slice.
func (s *Store) ReservationsBySlice(sliceID ids.ID) ([]*kernel.Reservation, error) {
	return scanBlobs[kernel.Reservation](s.db,
		`SELECT blob FROM reservations WHERE slice_guid = ? ORDER BY rid`, sliceID.String())
}

// ReservationsByState rehydrates reservations filtered by state.
func (s *Store) ReservationsByState(state kernel.State) ([]*kernel.Reservation, error) {
	return scanBlobs[kernel.Reservation](s.db,
		`SELECT blob FROM reservations WHERE state = ? ORDER BY rid`, int(state))
}

// ReservationsByGraphNode rehydrates reservations bound to a graph node.
func (s *Store) ReservationsByGraphNode(nodeID string) ([]*kernel.Reservation, error) {
	return scanBlobs[kernel.Reservation](s.db,
		`SELECT blob FROM reservations WHERE graph_node_id = ? ORDER BY rid`, nodeID)
}

// --- delegations ---

// AddDelegation inserts a delegation row.
func (s *Store) AddDelegation(d *kernel.Delegation) error {
	return s.writeDelegation(d, `INSERT INTO delegations (did, slice_guid, state, blob)
		VALUES (?, ?, ?, ?)`)
}

// UpdateDelegation overwrites a delegation row.
func (s *Store) UpdateDelegation(d *kernel.Delegation) error {
	return s.writeDelegation(d, `INSERT INTO delegations (did, slice_guid, state, blob)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET
			slice_guid = excluded.slice_guid, state = excluded.state, blob = excluded.blob`)
}

func (s *Store) writeDelegation(d *kernel.Delegation, query string) error {
	blob, err := encode(d)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(query, d.DID.String(), d.SliceID.String(), int(d.State), blob); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "write delegation %s", d.DID)
	}
	return nil
}

// RemoveDelegation deletes a delegation row.
func (s *Store) RemoveDelegation(did ids.ID) error {
	if _, err := s.db.Exec(`DELETE FROM delegations WHERE did = ?`, did.String()); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "remove delegation %s", did)
	}
	return nil
}

// Delegations rehydrates every stored delegation.
func (s *Store) Delegations() ([]*kernel.Delegation, error) {
	return scanBlobs[kernel.Delegation](s.db, `SELECT blob FROM delegations ORDER BY did`)
}

// --- units ---

// AddUnit inserts a unit row.
func (s *Store) AddUnit(u *substrate.Unit) error {
	return s.writeUnit(u, `INSERT INTO units (unit_id, reservation_id, parent_id, state, blob)
		VALUES (?, ?, ?, ?, ?)`)
}

// UpdateUnit overwrites a unit row.
func (s *Store) UpdateUnit(u *substrate.Unit) error {
	return s.writeUnit(u, `INSERT INTO units (unit_id, reservation_id, parent_id, state, blob)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			reservation_id = excluded.reservation_id, parent_id = excluded.parent_id,
			state = excluded.state, blob = excluded.blob`)
}

func (s *Store) writeUnit(u *substrate.Unit, query string) error {
	blob, err := encode(u)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(query,
		u.UnitID.String(), u.ReservationID.String(), u.ParentID.String(), int(u.State), blob,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "write unit %s", u.UnitID)
	}
	return nil
}

// UnitsByReservation rehydrates the units bound to one reservation.
func (s *Store) UnitsByReservation(rid ids.ID) ([]*substrate.Unit, error) {
	return scanBlobs[substrate.Unit](s.db,
		`SELECT blob FROM units WHERE reservation_id = ? ORDER BY unit_id`, rid.String())
}

// --- registry rows ---

// SaveClient records a known remote client of this actor.
func (s *Store) SaveClient(name string, guid ids.ID, properties map[string]string) error {
	blob, err := encode(properties)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO clients (actor_id, name, guid, blob)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(actor_id, guid) DO UPDATE SET name = excluded.name, blob = excluded.blob`,
		s.actor, name, guid.String(), blob,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "write client %s", guid)
	}
	return nil
}

// SaveProxy records a peer proxy descriptor.
func (s *Store) SaveProxy(name string, properties map[string]string) error {
	blob, err := encode(properties)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO proxies (actor_id, name, blob)
		VALUES (?, ?, ?)
		ON CONFLICT(actor_id, name) DO UPDATE SET blob = excluded.blob`,
		s.actor, name, blob,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "write proxy %s", name)
	}
	return nil
}

// SaveConfigMapping records a handler config mapping for a resource type.
func (s *Store) SaveConfigMapping(key string, properties map[string]string) error {
	blob, err := encode(properties)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO config_mappings (key, actor_id, blob)
		VALUES (?, ?, ?)
		ON CONFLICT(key, actor_id) DO UPDATE SET blob = excluded.blob`,
		key, s.actor, blob,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "write config mapping %s", key)
	}
	return nil
}

// --- miscellaneous ---

// SaveMiscellaneous stores free-form properties under a name key. The boot
// superblock lives here.
func (s *Store) SaveMiscellaneous(name string, properties map[string]string) error {
	blob, err := encode(properties)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO miscellaneous (name, blob) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET blob = excluded.blob`, name, blob,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "write miscellaneous %s", name)
	}
	return nil
}

// LoadMiscellaneous retrieves properties by name; a missing name returns nil
// without error.
func (s *Store) LoadMiscellaneous(name string) (map[string]string, error) {
	var blob string
	err := s.db.QueryRow(`SELECT blob FROM miscellaneous WHERE name = ?`, name).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "read miscellaneous %s", name)
	}
	var props map[string]string
	if err := json.Unmarshal([]byte(blob), &props); err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "decode miscellaneous %s", name)
	}
	return props, nil
}

func scanBlobs[T any](db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "query records")
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "scan record")
		}
		v := new(T)
		if err := json.Unmarshal([]byte(blob), v); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "decode record")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "iterate records")
	}
	return out, nil
}

var _ kernel.Store = (*Store)(nil)
