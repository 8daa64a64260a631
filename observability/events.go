package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type notificationMetrics struct {
	shown *prometheus.CounterVec
}

var (
	notificationMetricsOnce sync.Once
	notificationRegistry    *notificationMetrics
)

// Notifications returns the registry counting user-visible notifications.
func Notifications() *notificationMetrics {
	notificationMetricsOnce.Do(func() {
		notificationRegistry = &notificationMetrics{
			shown: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "shown_total",
				Help:      "Count of notifications shown segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(notificationRegistry.shown)
	})
	return notificationRegistry
}

// RecordShown increments the counter for the supplied notification kind.
func (m *notificationMetrics) RecordShown(kind string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		normalized = "unknown"
	}
	m.shown.WithLabelValues(normalized).Inc()
}
