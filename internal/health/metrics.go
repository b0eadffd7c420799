// Package health exposes Prometheus metrics for the rotation engine
// and the HTTP server that serves them.
package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       *prometheus.HistogramVec
	rotationRetriesTotal   *prometheus.CounterVec
	rollbackTotal          *prometheus.CounterVec
	quotaDeniedTotal       *prometheus.CounterVec
	backupsPurgedTotal     prometheus.Counter
	credentialsDue         *prometheus.GaugeVec

	metricsOnce       sync.Once
	metricsRegistered bool
)

// RotationMetrics records rotation engine metrics. All methods are
// no-ops until InitMetrics has run.
type RotationMetrics struct{}

// NewRotationMetrics creates a recorder.
func NewRotationMetrics() *RotationMetrics {
	return &RotationMetrics{}
}

// InitMetrics registers all engine metrics. Call once at startup when
// metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultpilot_rotation_started_total",
				Help: "Total number of rotation operations started",
			},
			[]string{"tenant", "credential_type"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultpilot_rotation_completed_total",
				Help: "Total number of rotation operations completed",
			},
			[]string{"tenant", "credential_type", "outcome"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultpilot_rotation_duration_seconds",
				Help:    "Duration of rotation operations in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120},
			},
			[]string{"credential_type"},
		)

		rotationRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultpilot_rotation_retries_total",
				Help: "Total number of rotation retry attempts",
			},
			[]string{"credential_type"},
		)

		rollbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultpilot_rollback_total",
				Help: "Total number of rollback operations",
			},
			[]string{"credential_type", "result"},
		)

		quotaDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultpilot_quota_denied_total",
				Help: "Total number of operations denied by plan quotas",
			},
			[]string{"tenant", "resource"},
		)

		backupsPurgedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vaultpilot_backups_purged_total",
				Help: "Total number of expired backups removed by cleanup",
			},
		)

		credentialsDue = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vaultpilot_credentials_due",
				Help: "Number of credentials currently due for rotation",
			},
			[]string{"tenant"},
		)

		metricsRegistered = true
	})
}

// RecordRotationStarted records a rotation beginning.
func (m *RotationMetrics) RecordRotationStarted(tenant, credentialType string) {
	if !metricsRegistered || rotationStartedTotal == nil {
		return
	}
	rotationStartedTotal.WithLabelValues(tenant, credentialType).Inc()
}

// RecordRotationCompleted records a rotation outcome and its duration.
func (m *RotationMetrics) RecordRotationCompleted(tenant, credentialType, outcome string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	if rotationCompletedTotal != nil {
		rotationCompletedTotal.WithLabelValues(tenant, credentialType, outcome).Inc()
	}
	if rotationDuration != nil {
		rotationDuration.WithLabelValues(credentialType).Observe(durationSeconds)
	}
}

// RecordRetry records one retry attempt.
func (m *RotationMetrics) RecordRetry(credentialType string) {
	if !metricsRegistered || rotationRetriesTotal == nil {
		return
	}
	rotationRetriesTotal.WithLabelValues(credentialType).Inc()
}

// RecordRollback records a rollback with its result ("restored" or
// "failed").
func (m *RotationMetrics) RecordRollback(credentialType, result string) {
	if !metricsRegistered || rollbackTotal == nil {
		return
	}
	rollbackTotal.WithLabelValues(credentialType, result).Inc()
}

// RecordQuotaDenied records a plan quota denial.
func (m *RotationMetrics) RecordQuotaDenied(tenant, resource string) {
	if !metricsRegistered || quotaDeniedTotal == nil {
		return
	}
	quotaDeniedTotal.WithLabelValues(tenant, resource).Inc()
}

// SetCredentialsDue publishes the size of a tenant's due set.
func (m *RotationMetrics) SetCredentialsDue(tenant string, count int) {
	if !metricsRegistered || credentialsDue == nil {
		return
	}
	credentialsDue.WithLabelValues(tenant).Set(float64(count))
}

// AddBackupsPurged counts backups removed by an expiry sweep.
func AddBackupsPurged(count int) {
	if !metricsRegistered || backupsPurgedTotal == nil || count <= 0 {
		return
	}
	backupsPurgedTotal.Add(float64(count))
}

// IsMetricsRegistered reports whether InitMetrics has run.
func IsMetricsRegistered() bool {
	return metricsRegistered
}
