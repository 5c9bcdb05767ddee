// Package metrics registers the guild service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors the guild service records into.
type Metrics struct {
	Operations    *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	Compensations *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_operations_total",
			Help: "Guild service operations by outcome.",
		}, []string{"op", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guild_operation_duration_seconds",
			Help:    "Time from submission to completion, including queueing.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guild_compensations_total",
			Help: "Treasury rollbacks by outcome (ok, failed).",
		}, []string{"op", "outcome"}),
	}
	reg.MustRegister(m.Operations, m.Duration, m.Compensations)
	return m
}

// Observe records one finished operation. result is "ok" or an error kind.
func (m *Metrics) Observe(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.Duration.WithLabelValues(op).Observe(d.Seconds())
}

// Compensated records a saga rollback.
func (m *Metrics) Compensated(op string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.Compensations.WithLabelValues(op, outcome).Inc()
}

// TrackActiveKeys exports fn as the guild_serializer_active_keys gauge.
func TrackActiveKeys(reg prometheus.Registerer, fn func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "guild_serializer_active_keys",
		Help: "Entity keys currently held or awaited in the serializer.",
	}, func() float64 { return float64(fn()) }))
}
