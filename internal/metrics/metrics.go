// Package metrics registers the Prometheus instruments exported on
// /metrics. Registration is guarded so tests can call Init freely.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       *prometheus.HistogramVec

	leaseCreatedTotal *prometheus.CounterVec
	leaseClosedTotal  *prometheus.CounterVec

	transitOpsTotal *prometheus.CounterVec

	sealStatusGauge        prometheus.Gauge
	auditWriteFailureTotal prometheus.Counter

	metricsOnce sync.Once
)

// Init registers all instruments. Safe to call more than once.
func Init() {
	metricsOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_rotation_started_total",
				Help: "Total number of rotation attempts started",
			},
			[]string{"strategy"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_rotation_completed_total",
				Help: "Total number of rotation attempts completed",
			},
			[]string{"strategy", "status"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultd_rotation_duration_seconds",
				Help:    "Duration of rotation attempts in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"strategy"},
		)

		leaseCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_lease_created_total",
				Help: "Total number of dynamic leases created",
			},
			[]string{"backend"},
		)

		leaseClosedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_lease_closed_total",
				Help: "Total number of dynamic leases expired or revoked",
			},
			[]string{"backend", "status"},
		)

		transitOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_transit_operations_total",
				Help: "Total number of transit key operations",
			},
			[]string{"operation"},
		)

		sealStatusGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vaultd_sealed",
				Help: "1 when the vault is sealed or unsealing, 0 when unsealed",
			},
		)
		sealStatusGauge.Set(1)

		auditWriteFailureTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vaultd_audit_write_failures_total",
				Help: "Total number of audit records that failed to persist",
			},
		)
	})
}

// RecordRotationStarted increments the rotation-started counter.
func RecordRotationStarted(strategy string) {
	if rotationStartedTotal != nil {
		rotationStartedTotal.WithLabelValues(strategy).Inc()
	}
}

// RecordRotationCompleted records one finished rotation attempt.
func RecordRotationCompleted(strategy, status string, seconds float64) {
	if rotationCompletedTotal != nil {
		rotationCompletedTotal.WithLabelValues(strategy, status).Inc()
		rotationDuration.WithLabelValues(strategy).Observe(seconds)
	}
}

// RecordLeaseCreated increments the lease-created counter.
func RecordLeaseCreated(backend string) {
	if leaseCreatedTotal != nil {
		leaseCreatedTotal.WithLabelValues(backend).Inc()
	}
}

// RecordLeaseClosed records an expired or revoked lease.
func RecordLeaseClosed(backend, status string) {
	if leaseClosedTotal != nil {
		leaseClosedTotal.WithLabelValues(backend, status).Inc()
	}
}

// RecordTransitOp increments the transit operation counter.
func RecordTransitOp(operation string) {
	if transitOpsTotal != nil {
		transitOpsTotal.WithLabelValues(operation).Inc()
	}
}

// SetSealed publishes the current seal state.
func SetSealed(sealed bool) {
	if sealStatusGauge != nil {
		if sealed {
			sealStatusGauge.Set(1)
		} else {
			sealStatusGauge.Set(0)
		}
	}
}

// RecordAuditWriteFailure counts a dropped audit record.
func RecordAuditWriteFailure() {
	if auditWriteFailureTotal != nil {
		auditWriteFailureTotal.Inc()
	}
}
