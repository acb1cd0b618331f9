package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type HelperMetrics struct {
	calls       *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	subscribers prometheus.Gauge
	receipts    *prometheus.CounterVec
}

var (
	helperOnce     sync.Once
	helperRegistry *HelperMetrics
)

// Helper returns the process-wide helper metrics, registering them on first use.
func Helper() *HelperMetrics {
	helperOnce.Do(func() {
		helperRegistry = newHelperMetrics()
		prometheus.MustRegister(
			helperRegistry.calls,
			helperRegistry.failures,
			helperRegistry.duration,
			helperRegistry.subscribers,
			helperRegistry.receipts,
		)
	})
	return helperRegistry
}

func newHelperMetrics() *HelperMetrics {
	return &HelperMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendhelper",
			Subsystem: "helper",
			Name:      "calls_total",
			Help:      "Composite helper calls by operation and final phase.",
		}, []string{"operation", "phase"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendhelper",
			Subsystem: "helper",
			Name:      "failures_total",
			Help:      "Reverted helper calls by operation and failure kind.",
		}, []string{"operation", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lendhelper",
			Subsystem: "helper",
			Name:      "call_duration_seconds",
			Help:      "Wall time of helper calls including ledger commit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lendhelper",
			Subsystem: "receipts",
			Name:      "stream_subscribers",
			Help:      "Open receipt stream connections.",
		}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendhelper",
			Subsystem: "receipts",
			Name:      "written_total",
			Help:      "Receipts persisted by status.",
		}, []string{"status"}),
	}
}

// ObserveCall records a finished call. kind is empty for settled calls.
func (m *HelperMetrics) ObserveCall(operation, phase, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.calls.WithLabelValues(operation, phase).Inc()
	if kind != "" {
		m.failures.WithLabelValues(operation, kind).Inc()
	}
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordReceipt counts a persisted receipt.
func (m *HelperMetrics) RecordReceipt(status string) {
	if m == nil {
		return
	}
	m.receipts.WithLabelValues(status).Inc()
}

// SubscriberJoined and SubscriberLeft track open receipt streams.
func (m *HelperMetrics) SubscriberJoined() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *HelperMetrics) SubscriberLeft() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
