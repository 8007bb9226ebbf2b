package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stock_reservation"

// Metrics holds the collectors the pipeline reports to.
type Metrics struct {
	Reservations   *prometheus.CounterVec
	Jobs           *prometheus.CounterVec
	Compensations  *prometheus.CounterVec
	ResyncFailures prometheus.Counter
	Notifications  *prometheus.CounterVec
	CommitLatency  prometheus.Histogram
	Reconciles     *prometheus.CounterVec
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		}, []string{"outcome"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Processed persistence job deliveries by outcome.",
		}, []string{"outcome"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Fast counter credits by cause.",
		}, []string{"cause"}),
		ResyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_failures_total",
			Help:      "Counter resyncs that failed after a durable commit.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_failure_notifications_total",
			Help:      "Terminal failure notifications by result.",
		}, []string{"result"}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Durable commit latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.Reservations,
		m.Jobs,
		m.Compensations,
		m.ResyncFailures,
		m.Notifications,
		m.CommitLatency,
		m.Reconciles,
	)

	return m
}

// NopMetrics returns collectors registered nowhere.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
