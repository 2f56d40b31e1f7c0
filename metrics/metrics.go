// Package metrics exposes Prometheus collectors for the escrow service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "escrow"

type Metrics struct {
	transitions    *prometheus.CounterVec
	settled        *prometheus.CounterVec
	notifyFailures *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
	rejected       *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Escrow operations by outcome.",
		}, []string{"op", "result"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_units_total",
			Help:      "Smallest asset units paid out of custody by recipient role.",
		}, []string{"recipient"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Events the notification sink failed to accept.",
		}, []string{"event"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_escrows_total",
			Help:      "Escrows visited by the auto-release sweeper by outcome.",
		}, []string{"result"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests refused by the per-principal rate limiter.",
		}, []string{"route"}),
	}
	reg.MustRegister(m.transitions, m.settled, m.notifyFailures, m.sweeps, m.rejected)
	return m
}

// Transition counts one operation. result is "ok" or an error class.
func (m *Metrics) Transition(op, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, result).Inc()
}

// Settled adds units paid to a recipient role (buyer, seller, fee).
func (m *Metrics) Settled(recipient string, units uint64) {
	if m == nil || units == 0 {
		return
	}
	m.settled.WithLabelValues(recipient).Add(float64(units))
}

func (m *Metrics) NotifyFailed(event string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(event).Inc()
}

func (m *Metrics) Swept(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(route).Inc()
}
