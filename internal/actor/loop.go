// SPDX-License-Identifier: MIT

// Package actor hosts the single-writer event loop that owns all kernel
// state. Inbound messages, timer firings and handler completions are queued
// as closures and executed sequentially on one goroutine; nothing outside
// the loop ever touches the kernel.
package actor

import (
	"bytes"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/log"
)

// Loop is a two-queue serial executor. Events (messages, management calls)
// and timers (tick firings) are kept apart so a burst of inbound traffic is
// fully drained before the next tick runs.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []func()
	timers []func()

	running  bool
	stopping bool
	done     chan struct{}
	logger   zerolog.Logger

	// goID identifies the loop goroutine so reentrant ExecuteAndWait calls
	// can run inline instead of deadlocking on their own queue.
	goID atomic.Uint64
}

// NewLoop builds a stopped loop.
func NewLoop(name string) *Loop {
	l := &Loop{
		done:   make(chan struct{}),
		logger: log.WithActor("loop", name),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Start launches the loop goroutine. Starting a running loop is an error.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errs.New(errs.InvalidState, "loop already running")
	}
	if l.stopping {
		return errs.New(errs.InvalidState, "loop stopped")
	}
	l.running = true
	go l.run()
	return nil
}

// Stop drains nothing: queued work that has not run yet is dropped. The call
// blocks until the loop goroutine exits.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running || l.stopping {
		l.mu.Unlock()
		return
	}
	l.stopping = true
	l.cond.Signal()
	l.mu.Unlock()
	<-l.done
}

// QueueEvent schedules a closure on the event queue.
func (l *Loop) QueueEvent(fn func()) {
	l.queue(&l.events, fn)
}

// QueueTimer schedules a closure on the timer queue. Timers run only once
// the event queue is empty.
func (l *Loop) QueueTimer(fn func()) {
	l.queue(&l.timers, fn)
}

func (l *Loop) queue(q *[]func(), fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		return
	}
	*q = append(*q, fn)
	l.cond.Signal()
}

// ExecuteAndWait runs the closure on the loop and blocks until it returns.
// Callers already on the loop goroutine execute inline; queueing there
// would deadlock the loop on itself.
func (l *Loop) ExecuteAndWait(fn func() error) error {
	if l.goID.Load() == goroutineID() {
		return fn()
	}
	result := make(chan error, 1)
	l.mu.Lock()
	if l.stopping || !l.running {
		l.mu.Unlock()
		return errs.New(errs.InvalidState, "loop not running")
	}
	l.events = append(l.events, func() { result <- fn() })
	l.cond.Signal()
	l.mu.Unlock()

	select {
	case err := <-result:
		return err
	case <-l.done:
		return errs.New(errs.InvalidState, "loop stopped")
	}
}

func (l *Loop) run() {
	defer close(l.done)
	l.goID.Store(goroutineID())
	for {
		l.mu.Lock()
		for !l.stopping && len(l.events) == 0 && len(l.timers) == 0 {
			l.cond.Wait()
		}
		if l.stopping {
			l.mu.Unlock()
			return
		}
		var fn func()
		if len(l.events) > 0 {
			fn = l.events[0]
			l.events = l.events[1:]
		} else {
			fn = l.timers[0]
			l.timers = l.timers[1:]
		}
		l.mu.Unlock()
		l.invoke(fn)
	}
}

// goroutineID parses the current goroutine's id from its stack header
// ("goroutine N [running]:"). The runtime offers no direct accessor.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// invoke shields the loop from a panicking closure. One poisoned event must
// not take the whole actor down.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("event panicked")
		}
	}()
	fn()
}
