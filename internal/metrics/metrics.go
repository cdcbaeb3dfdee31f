// SPDX-License-Identifier: MIT

// Package metrics exposes the actor's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the actor's collectors behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	Transitions *prometheus.CounterVec
	Ticks       prometheus.Counter
	Dispatches  *prometheus.CounterVec
	RPCFailures *prometheus.CounterVec
}

// New builds the registry. pendingFn reports the RPC manager's outstanding
// request count at scrape time.
func New(actorName string, pendingFn func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"actor": actorName}

	m := &Metrics{
		registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "crucible",
			Name:        "reservation_transitions_total",
			Help:        "Reservation state transitions, labelled by resulting state.",
			ConstLabels: labels,
		}, []string{"state"}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "crucible",
			Name:        "ticks_total",
			Help:        "Cycles delivered to the kernel.",
			ConstLabels: labels,
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "crucible",
			Name:        "message_dispatches_total",
			Help:        "Inbound messages dispatched to the kernel, by type.",
			ConstLabels: labels,
		}, []string{"name"}),
		RPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "crucible",
			Name:        "rpc_failures_total",
			Help:        "Outbound requests that died in transit or timed out, by type.",
			ConstLabels: labels,
		}, []string{"name"}),
	}
	reg.MustRegister(
		m.Transitions, m.Ticks, m.Dispatches, m.RPCFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "crucible",
			Name:        "rpc_pending",
			Help:        "Outstanding outbound requests awaiting a response.",
			ConstLabels: labels,
		}, pendingFn),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
