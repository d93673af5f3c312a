// Package metrics holds the Prometheus instruments for credential operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeInvalid  = "invalid"
	OutcomeLocked   = "locked"
	OutcomeNotFound = "not_found"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

var (
	loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_attempts_total",
		Help: "Authentication attempts by subject type, method, resolution rule and outcome",
	}, []string{"subject_type", "method", "resolution", "outcome"})

	loginDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auth_login_duration_seconds",
		Help:    "Latency of authentication attempts in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// scanCandidates tracks how many stored hashes a PIN lookup had to verify.
	scanCandidates = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auth_pin_scan_candidates",
		Help:    "Number of hash verifications per global PIN login or uniqueness check",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"operation"})

	credentialOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_credential_operations_total",
		Help: "Provisioning, rotation and revocation calls by outcome",
	}, []string{"operation", "method", "outcome"})

	lockouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_credential_lockouts_total",
		Help: "Credentials that entered a lockout window",
	}, []string{"subject_type", "method"})

	auditFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_audit_sink_failures_total",
		Help: "Security events a sink failed to accept",
	}, []string{"sink"})

	dekCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auth_dek_cache_entries",
		Help: "Unwrapped data encryption keys held in memory",
	})
)

func RecordLogin(subjectType, method, resolution, outcome string, took time.Duration) {
	if resolution == "" {
		resolution = "none"
	}
	loginAttempts.WithLabelValues(subjectType, method, resolution, outcome).Inc()
	loginDuration.WithLabelValues(method).Observe(took.Seconds())
}

func RecordScan(operation string, candidates int) {
	scanCandidates.WithLabelValues(operation).Observe(float64(candidates))
}

func RecordCredentialOp(operation, method, outcome string) {
	credentialOps.WithLabelValues(operation, method, outcome).Inc()
}

func RecordLockout(subjectType, method string) {
	lockouts.WithLabelValues(subjectType, method).Inc()
}

func RecordAuditFailure(sink string) {
	auditFailures.WithLabelValues(sink).Inc()
}

func SetDEKCacheEntries(n int) {
	dekCacheEntries.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
