package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/":                             "/",
		"/health":                       "/health",
		"/offerings":                    "/offerings",
		"/offerings/":                   "/offerings",
		"/offerings/off-1":              "/offerings/:offering",
		"/offerings/off-1/invest":       "/offerings/:offering/invest",
		"/offerings/off-1/stats":        "/offerings/:offering/stats",
		"/offerings/off-1/claim/extra":  "/offerings/:offering/claim",
		"/feeds":                        "/feeds",
	}
	for raw, want := range cases {
		assert.Equal(t, want, canonicalPath(raw), "path %q", raw)
	}
}

func TestInstrumentHandler_RecordsStatusAndPath(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/offerings/off-42/invest", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)

	counted := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/offerings/:offering/invest", "418"))
	assert.Equal(t, 1.0, counted)
	assert.Equal(t, 0.0, testutil.ToFloat64(httpInFlight), "in-flight gauge must drain")
}

func TestInstrumentHandler_SkipsMetricsEndpoint(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 0.0, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/metrics", "200")))
}

func TestRecordInvestment(t *testing.T) {
	RecordInvestment("accepted", "off-metrics-1", 250)
	RecordInvestment("accepted", "off-metrics-1", 750)
	RecordInvestment("rejected", "off-metrics-1", 0)

	assert.Equal(t, 1000.0, testutil.ToFloat64(raisedValue.WithLabelValues("off-metrics-1")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(investments.WithLabelValues("rejected")), 1.0)
}

func TestRecordEscrowRelease_DefaultsOutcome(t *testing.T) {
	before := testutil.ToFloat64(escrowReleases.WithLabelValues("unknown"))
	RecordEscrowRelease("")
	assert.Equal(t, before+1, testutil.ToFloat64(escrowReleases.WithLabelValues("unknown")))
}

func TestRecordDistributionAndClaim(t *testing.T) {
	RecordDistribution("off-metrics-2")
	RecordDistribution("off-metrics-2")
	assert.Equal(t, 2.0, testutil.ToFloat64(payoutDistributions.WithLabelValues("off-metrics-2")))

	// Non-positive durations are clamped, never dropped.
	RecordPayoutClaim("settled", 0)
	RecordPayoutClaim("settled", 5*time.Millisecond)
}

func TestHandler_ServesRegistry(t *testing.T) {
	RecordDistribution("off-metrics-3")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "offering_layer_positions_distributions_total"))
}
