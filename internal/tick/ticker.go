// SPDX-License-Identifier: MIT

package tick

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/log"
)

// Tickable receives cycle notifications. Implementations must return
// promptly; blocking the ticker delays every other tickable.
type Tickable interface {
	// ExternalTick notifies the tickable that the given cycle has started.
	// Cycles are monotone per tickable; gaps are possible and the tickable
	// must reconcile any work due for skipped cycles.
	ExternalTick(cycle int64) error
	// Name identifies the tickable in logs.
	Name() string
}

// Ticker fans cycle notifications out to registered tickables. In automatic
// mode a background goroutine recomputes the current cycle from the wall
// clock every cycleMillis, so missed firings never accumulate drift. In
// manual mode cycles advance only through explicit Tick calls.
type Ticker struct {
	clock  *Clock
	manual bool
	logger zerolog.Logger

	mu        sync.Mutex
	tickables map[string]Tickable
	lastCycle int64
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewTicker builds a ticker over the given clock.
func NewTicker(clock *Clock, manual bool) *Ticker {
	return &Ticker{
		clock:     clock,
		manual:    manual,
		logger:    log.WithComponent("ticker"),
		tickables: make(map[string]Tickable),
		lastCycle: -1,
	}
}

// Clock returns the ticker's clock.
func (t *Ticker) Clock() *Clock { return t.clock }

// Manual reports whether the ticker is in manual mode.
func (t *Ticker) Manual() bool { return t.manual }

// Register adds a tickable. Duplicate names are errors.
func (t *Ticker) Register(tickable Tickable) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	name := tickable.Name()
	if _, ok := t.tickables[name]; ok {
		return errs.New(errs.InvalidArgument, "tickable %q already registered", name)
	}
	t.tickables[name] = tickable
	return nil
}

// Unregister removes a tickable by name.
func (t *Ticker) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tickables, name)
}

// Start launches the automatic firing goroutine. A manual ticker starts
// trivially: it only validates state.
func (t *Ticker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errs.New(errs.InvalidState, "ticker already running")
	}
	t.running = true
	if t.manual {
		return nil
	}
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.run(t.stopCh, t.doneCh)
	return nil
}

// Stop halts the firing goroutine and blocks until it exits.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stop, done := t.stopCh, t.doneCh
	t.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Tick advances a manual ticker by one cycle.
func (t *Ticker) Tick() error {
	if !t.manual {
		return errs.New(errs.InvalidState, "tick called on automatic ticker")
	}
	t.mu.Lock()
	cycle := t.lastCycle + 1
	t.mu.Unlock()
	t.fire(cycle)
	return nil
}

// TickTo advances a manual ticker to the given cycle, which must not be
// behind the last delivered cycle. Intermediate cycles are skipped; tickables
// reconcile the gap.
func (t *Ticker) TickTo(cycle int64) error {
	if !t.manual {
		return errs.New(errs.InvalidState, "tick called on automatic ticker")
	}
	t.mu.Lock()
	last := t.lastCycle
	t.mu.Unlock()
	if cycle <= last {
		return errs.New(errs.InvalidArgument, "cycle %d not beyond last delivered cycle %d", cycle, last)
	}
	t.fire(cycle)
	return nil
}

// CurrentCycle returns the last delivered cycle, or -1 before the first tick.
func (t *Ticker) CurrentCycle() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCycle
}

func (t *Ticker) run(stop, done chan struct{}) {
	defer close(done)
	interval := time.Duration(t.clock.CycleMillis()) * time.Millisecond
	timer := time.NewTicker(interval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			// Recompute from the wall clock so missed firings are absorbed
			// as a cycle gap instead of accumulating drift.
			cycle := t.clock.CurrentCycle()
			t.mu.Lock()
			stale := cycle <= t.lastCycle
			t.mu.Unlock()
			if stale {
				continue
			}
			t.fire(cycle)
		}
	}
}

func (t *Ticker) fire(cycle int64) {
	t.mu.Lock()
	t.lastCycle = cycle
	targets := make([]Tickable, 0, len(t.tickables))
	for _, tk := range t.tickables {
		targets = append(targets, tk)
	}
	t.mu.Unlock()

	for _, tk := range targets {
		if err := tk.ExternalTick(cycle); err != nil {
			t.logger.Error().Err(err).Int64(log.FieldCycle, cycle).Str("tickable", tk.Name()).Msg("tick delivery failed")
		}
	}
}
