// SPDX-License-Identifier: MIT

// Package policy holds the per-role resource policies plugged into the
// kernel: a pass-through client policy for orchestrators, a delegation-pool
// policy for brokers and a unit-assigning inventory policy for authorities.
// Policies run on the actor loop and keep no locks of their own.
package policy

import (
	"strconv"

	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/substrate"
)

// Query property keys shared by all policies.
const (
	QueryAction       = "query.action"
	QueryError        = "query.error"
	ActionCapacity    = "capacity"
	ActionPools       = "pools"
	PropPoolPrefix    = "pool."
	PropCapacityTotal = "capacity.total"
	PropCapacityFree  = "capacity.free"
)

// base supplies the no-op parts of the kernel.Policy contract shared by the
// concrete policies.
type base struct{}

func (base) Prepare(cycle int64) error { return nil }

func (base) Finish(cycle int64) error { return nil }

func (base) Donate(d *kernel.Delegation) error { return nil }

func (base) Revisit(r *kernel.Reservation) error { return nil }

func (base) RevisitDelegation(d *kernel.Delegation) error { return nil }

func (base) ConfigurationComplete(c substrate.Completion) error { return nil }

func itoa(n int) string { return strconv.Itoa(n) }
