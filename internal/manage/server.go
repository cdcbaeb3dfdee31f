// SPDX-License-Identifier: MIT

// Package manage is the read-only management API of one actor: slice,
// reservation and delegation views plus metrics and health. Writes go
// through the kernel's own surfaces, never through HTTP.
package manage

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/crucible-testbed/crucible/internal/actor"
	"github.com/crucible-testbed/crucible/internal/errs"
	"github.com/crucible-testbed/crucible/internal/ids"
	"github.com/crucible-testbed/crucible/internal/kernel"
	"github.com/crucible-testbed/crucible/internal/log"
	"github.com/crucible-testbed/crucible/internal/metrics"
)

// Server serves the management API for one actor.
type Server struct {
	actor   *actor.Actor
	metrics *metrics.Metrics
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer builds the server on the given listen address.
func NewServer(addr string, a *actor.Actor, m *metrics.Metrics) *Server {
	s := &Server{
		actor:   a,
		metrics: m,
		logger:  log.WithActor("manage", a.Name()),
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/actor", s.handleActor)
		r.Get("/slices", s.handleSlices)
		r.Get("/slices/{sliceID}", s.handleSlice)
		r.Get("/slices/{sliceID}/reservations", s.handleSliceReservations)
		r.Get("/reservations", s.handleReservations)
		r.Get("/reservations/{rid}", s.handleReservation)
		r.Get("/delegations", s.handleDelegations)
		r.Get("/delegations/{did}", s.handleDelegation)
	})
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("management api listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.NotFound:
		code = http.StatusNotFound
	case errs.InvalidArgument:
		code = http.StatusBadRequest
	case errs.InvalidState:
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	var cycle int64
	_ = s.actor.ExecuteOnLoop(func() error {
		cycle = s.actor.Kernel().CurrentCycle()
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  s.actor.Name(),
		"guid":  s.actor.GUID(),
		"type":  s.actor.Type(),
		"cycle": cycle,
	})
}

func (s *Server) handleSlices(w http.ResponseWriter, r *http.Request) {
	var out []sliceView
	err := s.actor.ExecuteOnLoop(func() error {
		for _, sl := range s.actor.Kernel().Slices() {
			out = append(out, viewSlice(sl))
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSlice(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(chi.URLParam(r, "sliceID"))
	var out sliceView
	err := s.actor.ExecuteOnLoop(func() error {
		sl, err := s.actor.Kernel().GetSlice(id)
		if err != nil {
			return err
		}
		out = viewSlice(sl)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSliceReservations(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(chi.URLParam(r, "sliceID"))
	var out []reservationView
	err := s.actor.ExecuteOnLoop(func() error {
		if _, err := s.actor.Kernel().GetSlice(id); err != nil {
			return err
		}
		for _, rv := range s.actor.Kernel().ReservationsBySlice(id) {
			out = append(out, viewReservation(rv))
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request) {
	stateFilter := r.URL.Query().Get("state")
	var out []reservationView
	err := s.actor.ExecuteOnLoop(func() error {
		for _, sl := range s.actor.Kernel().Slices() {
			for _, rv := range s.actor.Kernel().ReservationsBySlice(sl.SliceID) {
				if stateFilter != "" && rv.State.String() != stateFilter {
					continue
				}
				out = append(out, viewReservation(rv))
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReservation(w http.ResponseWriter, r *http.Request) {
	rid := ids.ID(chi.URLParam(r, "rid"))
	var out reservationView
	err := s.actor.ExecuteOnLoop(func() error {
		rv, err := s.actor.Kernel().GetReservation(rid)
		if err != nil {
			return err
		}
		out = viewReservation(rv)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	var out []delegationView
	err := s.actor.ExecuteOnLoop(func() error {
		for _, d := range s.actor.Kernel().Delegations() {
			out = append(out, viewDelegation(d))
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelegation(w http.ResponseWriter, r *http.Request) {
	did := ids.ID(chi.URLParam(r, "did"))
	var out delegationView
	err := s.actor.ExecuteOnLoop(func() error {
		d, err := s.actor.Kernel().GetDelegation(did)
		if err != nil {
			return err
		}
		out = viewDelegation(d)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- views ---

type sliceView struct {
	SliceID    ids.ID `json:"slice_id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	State      string `json:"state"`
	LeaseStart int64  `json:"lease_start"`
	LeaseEnd   int64  `json:"lease_end"`
}

func viewSlice(s *kernel.Slice) sliceView {
	return sliceView{
		SliceID:    s.SliceID,
		Name:       s.Name,
		Type:       s.Type.String(),
		State:      s.State.String(),
		LeaseStart: s.LeaseStart,
		LeaseEnd:   s.LeaseEnd,
	}
}

type reservationView struct {
	RID       ids.ID `json:"rid"`
	SliceID   ids.ID `json:"slice_id"`
	Category  string `json:"category"`
	State     string `json:"state"`
	Pending   string `json:"pending"`
	TermStart int64  `json:"term_start"`
	TermEnd   int64  `json:"term_end"`
	Units     int    `json:"units"`
	Failed    bool   `json:"failed"`
	Message   string `json:"message,omitempty"`
}

func viewReservation(r *kernel.Reservation) reservationView {
	units := 0
	if r.Approved != nil {
		units = r.Approved.Units
	} else if r.Requested != nil {
		units = r.Requested.Units
	}
	return reservationView{
		RID:       r.RID,
		SliceID:   r.SliceID,
		Category:  r.Category.String(),
		State:     r.State.String(),
		Pending:   r.Pending.String(),
		TermStart: r.Term.Start,
		TermEnd:   r.Term.End,
		Units:     units,
		Failed:    r.UpdateData.Failed,
		Message:   r.UpdateData.Message,
	}
}

type delegationView struct {
	DID          ids.ID `json:"did"`
	SliceID      ids.ID `json:"slice_id"`
	State        string `json:"state"`
	Units        int    `json:"units"`
	ResourceType string `json:"resource_type,omitempty"`
	Issuer       ids.ID `json:"issuer"`
	Holder       ids.ID `json:"holder,omitempty"`
}

func viewDelegation(d *kernel.Delegation) delegationView {
	return delegationView{
		DID:          d.DID,
		SliceID:      d.SliceID,
		State:        d.State.String(),
		Units:        d.Units,
		ResourceType: d.ResourceType,
		Issuer:       d.Issuer,
		Holder:       d.Holder,
	}
}
