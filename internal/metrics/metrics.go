// Package metrics wires the daemon's Prometheus collectors: event-append
// counters, protocol-outcome counters, and dispatcher connection gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the daemon exposes, each pre-registered
// against its own prometheus.Registry so /metrics never double-registers
// across test runs that construct more than one Registry.
type Registry struct {
	reg *prometheus.Registry

	EventsAppended      *prometheus.CounterVec
	EventAppendFailures prometheus.Counter

	ProtocolOutcomes *prometheus.CounterVec

	DispatcherConnections prometheus.Gauge
	RolloverEligibleCfds  prometheus.Gauge
}

// NewRegistry constructs and registers every collector.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfdd",
			Name:      "events_appended_total",
			Help:      "Number of CFD events appended to the event log, by event name.",
		}, []string{"event_name"}),
		EventAppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfdd",
			Name:      "event_append_failures_total",
			Help:      "Number of event-log append attempts that failed.",
		}),
		ProtocolOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfdd",
			Name:      "protocol_outcomes_total",
			Help:      "Number of protocol actor runs, by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		DispatcherConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cfdd",
			Name:      "dispatcher_connections",
			Help:      "Number of currently open peer connections.",
		}),
		RolloverEligibleCfds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cfdd",
			Name:      "rollover_eligible_cfds",
			Help:      "Number of CFDs eligible for auto-rollover as of the last scan.",
		}),
	}

	reg.MustRegister(
		r.EventsAppended,
		r.EventAppendFailures,
		r.ProtocolOutcomes,
		r.DispatcherConnections,
		r.RolloverEligibleCfds,
	)
	return r
}

// Registerer exposes the underlying prometheus.Registry for an HTTP
// /metrics handler (see cmd/cfdd).
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }
