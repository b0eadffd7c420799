package notifications

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	droppedTotal prometheus.Counter

	metricsOnce       sync.Once
	metricsRegistered bool
)

// InitMetrics registers the dropped-event counter. Call once at
// startup when metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "vaultpilot_notifications_dropped_total",
			Help: "Total number of notification events dropped due to queue overflow",
		})
		metricsRegistered = true
	})
}

// incrementDroppedCounter is safe to call with metrics uninitialized.
func incrementDroppedCounter() {
	if metricsRegistered && droppedTotal != nil {
		droppedTotal.Inc()
	}
}
