package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Registered(t *testing.T) {
	RecordLogin("patient", "pin", "device_bound", OutcomeSuccess, time.Millisecond)
	RecordScan("global_login", 3)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	registered := make(map[string]bool)
	for _, family := range families {
		registered[family.GetName()] = true
	}

	for _, name := range []string{
		"auth_login_attempts_total",
		"auth_login_duration_seconds",
		"auth_pin_scan_candidates",
	} {
		assert.True(t, registered[name], "metric %q should be registered", name)
	}
}

func TestMetrics_RecordLogin(t *testing.T) {
	before := testutil.ToFloat64(loginAttempts.WithLabelValues("clinician", "password", "none", OutcomeInvalid))

	RecordLogin("clinician", "password", "", OutcomeInvalid, time.Millisecond)

	after := testutil.ToFloat64(loginAttempts.WithLabelValues("clinician", "password", "none", OutcomeInvalid))
	assert.Equal(t, before+1, after)
}

func TestMetrics_Counters(t *testing.T) {
	before := testutil.ToFloat64(lockouts.WithLabelValues("patient", "pin"))
	RecordLockout("patient", "pin")
	assert.Equal(t, before+1, testutil.ToFloat64(lockouts.WithLabelValues("patient", "pin")))

	before = testutil.ToFloat64(credentialOps.WithLabelValues("provision", "pin", OutcomeRejected))
	RecordCredentialOp("provision", "pin", OutcomeRejected)
	assert.Equal(t, before+1, testutil.ToFloat64(credentialOps.WithLabelValues("provision", "pin", OutcomeRejected)))

	before = testutil.ToFloat64(auditFailures.WithLabelValues("kafka"))
	RecordAuditFailure("kafka")
	assert.Equal(t, before+1, testutil.ToFloat64(auditFailures.WithLabelValues("kafka")))
}

func TestMetrics_DEKCacheGauge(t *testing.T) {
	SetDEKCacheEntries(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(dekCacheEntries))

	SetDEKCacheEntries(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(dekCacheEntries))
}

func TestHandler_ServesExposition(t *testing.T) {
	RecordLockout("admin", "password")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_credential_lockouts_total")
}
