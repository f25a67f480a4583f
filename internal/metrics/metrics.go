// Package metrics exports connection sequence counters to Prometheus.
//
// Methods handle a nil receiver, so a nil *Metrics is a no-op when
// metrics are disabled.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcarmo/rdpconnect/internal/connection"
)

type Metrics struct {
	// Transitions counts entered states.
	// Labels: role, state
	Transitions *prometheus.CounterVec

	// Activations counts capability confirmations.
	// Labels: role, first=[true, false]
	Activations *prometheus.CounterVec

	// Failures counts failed Connect and Accept calls.
	// Labels: role, reason (see connection.Reason)
	Failures *prometheus.CounterVec

	// Duration observes every Connect and Accept call.
	// Labels: role
	Duration *prometheus.HistogramVec
}

// New creates the collectors and registers them with registerer, or with
// prometheus.DefaultRegisterer when it is nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdpconnect_state_transitions_total",
				Help: "Connection states entered by role and state",
			},
			[]string{"role", "state"},
		),
		Activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdpconnect_activations_total",
				Help: "Capability exchanges confirmed, split by first activation",
			},
			[]string{"role", "first"},
		),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdpconnect_connect_failures_total",
				Help: "Failed connection attempts by role and reason",
			},
			[]string{"role", "reason"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rdpconnect_connect_duration_seconds",
				Help:    "Connection attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role"},
		),
	}

	registerer.MustRegister(m.Transitions, m.Activations, m.Failures, m.Duration)

	return m
}

// Observe subscribes to bus and returns the unsubscribe function.
func (m *Metrics) Observe(bus *connection.Bus) func() {
	if m == nil || bus == nil {
		return func() {}
	}

	return bus.Subscribe(m.record)
}

func (m *Metrics) record(e connection.Event) {
	switch ev := e.(type) {
	case connection.StateChangeEvent:
		m.Transitions.WithLabelValues(ev.Role.String(), ev.State.String()).Inc()
	case connection.ActivatedEvent:
		m.Activations.WithLabelValues(ev.Role.String(), strconv.FormatBool(ev.FirstActivation)).Inc()
	case connection.AttemptEvent:
		m.Duration.WithLabelValues(ev.Role.String()).Observe(ev.Duration.Seconds())

		if ev.Err != nil {
			m.Failures.WithLabelValues(ev.Role.String(), connection.Reason(ev.Err)).Inc()
		}
	}
}
