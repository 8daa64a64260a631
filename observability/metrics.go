package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "escrowdesk"

type apiMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	txMetricsOnce sync.Once
	txRegistry    *TxMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// API returns the lazily-initialised registry used to record local API
// activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(apiRegistry.requests, apiRegistry.latency, apiRegistry.throttles)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status should be the
// HTTP status that was written to the client.
func (m *apiMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOrUnknown(route)
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
	if duration > 0 {
		m.latency.WithLabelValues(route).Observe(duration.Seconds())
	}
}

// RecordThrottle increments the throttle counter.
func (m *apiMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOrUnknown(reason)).Inc()
}

// TxMetrics wraps collectors tracking the transaction controller.
type TxMetrics struct {
	transitions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	busy         prometheus.Counter
	stale        prometheus.Counter
	confirmation *prometheus.HistogramVec
}

// Transactions exposes the transaction controller registry.
func Transactions() *TxMetrics {
	txMetricsOnce.Do(func() {
		txRegistry = &TxMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "transitions_total",
				Help:      "Transaction phase transitions segmented by source and target phase.",
			}, []string{"from", "to"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "failures_total",
				Help:      "Transaction failures segmented by error kind.",
			}, []string{"kind"}),
			busy: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "busy_rejections_total",
				Help:      "Submissions rejected because another transaction was in flight.",
			}),
			stale: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "stale_responses_total",
				Help:      "Late ledger responses discarded after a reset.",
			}),
			confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "lifecycle_seconds",
				Help:      "Time from submission to a terminal phase.",
				Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
			}, []string{"method", "outcome"}),
		}
		prometheus.MustRegister(
			txRegistry.transitions,
			txRegistry.failures,
			txRegistry.busy,
			txRegistry.stale,
			txRegistry.confirmation,
		)
	})
	return txRegistry
}

// RecordTransition counts a phase transition.
func (m *TxMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordFailure counts a failure by kind.
func (m *TxMetrics) RecordFailure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelOrUnknown(kind)).Inc()
}

// RecordBusy counts a rejected submission.
func (m *TxMetrics) RecordBusy() {
	if m == nil {
		return
	}
	m.busy.Inc()
}

// RecordStale counts a discarded late response.
func (m *TxMetrics) RecordStale() {
	if m == nil {
		return
	}
	m.stale.Inc()
}

// ObserveLifecycle records how long an attempt took to reach a terminal phase.
func (m *TxMetrics) ObserveLifecycle(method, outcome string, d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.confirmation.WithLabelValues(labelOrUnknown(method), outcome).Observe(d.Seconds())
}

// EscrowMetrics wraps collectors tracking the escrow aggregator.
type EscrowMetrics struct {
	reads     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	refreshes *prometheus.CounterVec
	records   prometheus.Gauge
}

// Escrow exposes the aggregator registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			reads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "reads_total",
				Help:      "Ledger read queries segmented by query and outcome.",
			}, []string{"query", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "read_duration_seconds",
				Help:      "Latency of ledger read queries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"query"}),
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "refreshes_total",
				Help:      "Aggregator refreshes segmented by outcome.",
			}, []string{"outcome"}),
			records: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "records",
				Help:      "Escrow records held in the latest snapshot.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.reads,
			escrowRegistry.latency,
			escrowRegistry.refreshes,
			escrowRegistry.records,
		)
	})
	return escrowRegistry
}

// ObserveRead records a read query outcome and latency.
func (m *EscrowMetrics) ObserveRead(query string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.reads.WithLabelValues(query, outcome).Inc()
	if d > 0 {
		m.latency.WithLabelValues(query).Observe(d.Seconds())
	}
}

// RecordRefresh counts a refresh and its outcome.
func (m *EscrowMetrics) RecordRefresh(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

// SetRecords reports the snapshot size.
func (m *EscrowMetrics) SetRecords(n int) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}

func labelOrUnknown(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
