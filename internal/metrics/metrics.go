// Package metrics holds the gateway's Prometheus collectors. All methods
// are safe on a nil *Metrics so components can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "neuroia"

type Metrics struct {
	runOutcomes     *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	pollAttempts    prometheus.Histogram
	threadsCreated  prometheus.Counter
	entitlements    *prometheus.CounterVec
	leaseContention prometheus.Counter
	expiredRows     *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
}

// New registers collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		runOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "runs_total",
			Help:      "Assistant exchanges by outcome (completed or error category).",
		}, []string{"outcome"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock time of an exchange, thread resolution to extraction.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
		}, []string{"outcome"}),
		pollAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "poll_attempts",
			Help:      "Status polls issued per run after the initial fetch.",
			Buckets:   prometheus.LinearBuckets(0, 5, 13),
		}),
		threadsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "threads_created_total",
			Help:      "Remote threads created for new or repaired conversations.",
		}),
		entitlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "decisions_total",
			Help:      "Entitlement decisions by result and source or reason.",
		}, []string{"result", "detail"}),
		leaseContention: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "lease_conflicts_total",
			Help:      "Turns rejected because the conversation was busy.",
		}),
		expiredRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "expired_rows_total",
			Help:      "Rows flipped to expired by the sweeper.",
		}, []string{"table"}),
		sweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Sweeper executions by result.",
		}, []string{"result"}),
	}
}

// ObserveRun records one exchange outcome.
func (m *Metrics) ObserveRun(outcome string, elapsed time.Duration, polls int) {
	if m == nil {
		return
	}
	m.runOutcomes.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if polls >= 0 {
		m.pollAttempts.Observe(float64(polls))
	}
}

func (m *Metrics) ThreadCreated() {
	if m == nil {
		return
	}
	m.threadsCreated.Inc()
}

// ObserveEntitlement records a decision; detail is the source when granted
// and the reason when denied.
func (m *Metrics) ObserveEntitlement(granted bool, detail string) {
	if m == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	m.entitlements.WithLabelValues(result, detail).Inc()
}

func (m *Metrics) LeaseConflict() {
	if m == nil {
		return
	}
	m.leaseContention.Inc()
}

// ObserveSweep records a sweeper pass.
func (m *Metrics) ObserveSweep(err error, subscriptions, packages, institutions int64) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.sweepRuns.WithLabelValues("ok").Inc()
	m.expiredRows.WithLabelValues("user_subscriptions").Add(float64(subscriptions))
	m.expiredRows.WithLabelValues("user_packages").Add(float64(packages))
	m.expiredRows.WithLabelValues("institution_subscriptions").Add(float64(institutions))
}
