// SPDX-License-Identifier: MIT

package tick

import (
	"time"

	"github.com/crucible-testbed/crucible/internal/errs"
)

// Clock maps wall-clock time onto integer scheduler cycles. The mapping is
// fixed at construction: cycle = (now - beginningOfTime) / cycleMillis.
type Clock struct {
	beginningOfTime int64 // ms since epoch
	cycleMillis     int64
}

// NewClock builds a clock. beginningOfTime is milliseconds since the epoch;
// cycleMillis is the cycle length in milliseconds.
func NewClock(beginningOfTime, cycleMillis int64) (*Clock, error) {
	if beginningOfTime < 0 || cycleMillis < 1 {
		return nil, errs.New(errs.InvalidArgument, "invalid clock parameters: beginning=%d cycle_millis=%d", beginningOfTime, cycleMillis)
	}
	return &Clock{beginningOfTime: beginningOfTime, cycleMillis: cycleMillis}, nil
}

// Cycle returns the cycle containing t. Times before the beginning of time
// map to cycle 0.
func (c *Clock) Cycle(t time.Time) int64 {
	millis := t.UnixMilli()
	if millis < c.beginningOfTime {
		return 0
	}
	return (millis - c.beginningOfTime) / c.cycleMillis
}

// CurrentCycle returns the cycle containing the present moment.
func (c *Clock) CurrentCycle() int64 {
	return c.Cycle(time.Now())
}

// CycleStart returns the wall-clock millisecond at which cycle begins.
func (c *Clock) CycleStart(cycle int64) int64 {
	return c.beginningOfTime + cycle*c.cycleMillis
}

// CycleEnd returns the last wall-clock millisecond belonging to cycle.
func (c *Clock) CycleEnd(cycle int64) int64 {
	return c.CycleStart(cycle) + c.cycleMillis - 1
}

// Date returns the wall-clock time at which cycle begins.
func (c *Clock) Date(cycle int64) time.Time {
	return time.UnixMilli(c.CycleStart(cycle))
}

// CycleMillis returns the cycle length in milliseconds.
func (c *Clock) CycleMillis() int64 { return c.cycleMillis }

// BeginningOfTime returns the epoch offset in milliseconds.
func (c *Clock) BeginningOfTime() int64 { return c.beginningOfTime }
