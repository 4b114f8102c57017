// Package metrics
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "guildstats"

type Metrics struct {
	RefreshTotal      *prometheus.CounterVec
	FallbackTotal     *prometheus.CounterVec
	ComputeDuration   prometheus.Histogram
	Subscribers       prometheus.Gauge
	BroadcastTotal    prometheus.Counter
	ReadinessAttempts *prometheus.CounterVec
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Stats refresh cycles by result.",
		}, []string{"result"}),
		FallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Aggregations that used fallback data, by reason.",
		}, []string{"reason"}),
		ComputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_duration_seconds",
			Help:      "Time spent computing one stats record.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Connected realtime subscribers.",
		}),
		BroadcastTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_total",
			Help:      "Stats records pushed to subscribers.",
		}),
		ReadinessAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_attempts_total",
			Help:      "Upstream connection attempts by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RefreshTotal,
			m.FallbackTotal,
			m.ComputeDuration,
			m.Subscribers,
			m.BroadcastTotal,
			m.ReadinessAttempts,
		)
	}

	return m
}
