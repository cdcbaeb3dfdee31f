// SPDX-License-Identifier: MIT

package substrate

import (
	"strconv"
	"sync"
	"time"
)

// SimHandler is the built-in no-op substrate: every operation succeeds after
// an optional delay. It backs development deployments and the end-to-end
// tests; real substrates implement Handler against their own control APIs.
type SimHandler struct {
	sink  CompletionSink
	delay time.Duration

	mu sync.Mutex
	// failNext, when set, fails the next operation with the given message.
	failNext string
}

// NewSimHandler builds the handler. Delay zero completes synchronously with
// respect to the caller's goroutine handoff (still through the sink).
func NewSimHandler(sink CompletionSink, delay time.Duration) *SimHandler {
	return &SimHandler{sink: sink, delay: delay}
}

// FailNext makes the next operation report a failure with the message.
func (h *SimHandler) FailNext(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failNext = message
}

// Create implements Handler.
func (h *SimHandler) Create(unit *Unit, sequence int64) error {
	return h.complete(ActionCreate, unit, sequence)
}

// Modify implements Handler.
func (h *SimHandler) Modify(unit *Unit, sequence int64) error {
	return h.complete(ActionModify, unit, sequence)
}

// Delete implements Handler.
func (h *SimHandler) Delete(unit *Unit, sequence int64) error {
	return h.complete(ActionDelete, unit, sequence)
}

func (h *SimHandler) complete(action Action, unit *Unit, sequence int64) error {
	h.mu.Lock()
	message := h.failNext
	h.failNext = ""
	h.mu.Unlock()

	c := Completion{
		Action:   action,
		Unit:     unit,
		Sequence: sequence,
		Properties: map[string]string{
			PropTarget:   action.String(),
			PropSequence: strconv.FormatInt(sequence, 10),
		},
	}
	if message != "" {
		c.ResultCode = 1
		c.Message = message
		c.Properties[PropExceptionMessage] = message
	}
	deliver := func() { h.sink.ConfigurationComplete(c) }
	if h.delay > 0 {
		time.AfterFunc(h.delay, deliver)
	} else {
		go deliver()
	}
	return nil
}

var _ Handler = (*SimHandler)(nil)
