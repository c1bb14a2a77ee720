package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "offering_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offering_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "offering_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	investments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offering_layer",
			Subsystem: "offerings",
			Name:      "investments_total",
			Help:      "Total number of investment submissions.",
		},
		[]string{"status"},
	)

	raisedValue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offering_layer",
			Subsystem: "offerings",
			Name:      "raised_value_total",
			Help:      "Cumulative normalized value raised across offerings.",
		},
		[]string{"offering_id"},
	)

	escrowReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offering_layer",
			Subsystem: "escrow",
			Name:      "releases_total",
			Help:      "Total escrow terminal transitions.",
		},
		[]string{"outcome"},
	)

	payoutDistributions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offering_layer",
			Subsystem: "positions",
			Name:      "distributions_total",
			Help:      "Total interest period distributions.",
		},
		[]string{"offering_id"},
	)

	payoutClaims = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "offering_layer",
			Subsystem: "positions",
			Name:      "claim_duration_seconds",
			Help:      "Duration of payout claim settlements.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		investments,
		raisedValue,
		escrowReleases,
		payoutDistributions,
		payoutClaims,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordInvestment counts an investment submission by outcome.
func RecordInvestment(status string, offeringID string, normalized int64) {
	investments.WithLabelValues(status).Inc()
	if status == "accepted" && normalized > 0 {
		raisedValue.WithLabelValues(offeringID).Add(float64(normalized))
	}
}

// RecordEscrowRelease counts an escrow terminal transition; outcome is
// "finalized" or "refunds_enabled".
func RecordEscrowRelease(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	escrowReleases.WithLabelValues(outcome).Inc()
}

// RecordDistribution counts an interest period distribution.
func RecordDistribution(offeringID string) {
	if offeringID == "" {
		offeringID = "unknown"
	}
	payoutDistributions.WithLabelValues(offeringID).Inc()
}

// RecordPayoutClaim records the latency of a payout claim settlement.
func RecordPayoutClaim(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	payoutClaims.WithLabelValues(status).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	if parts[0] != "offerings" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/offerings"
	}
	if len(parts) == 2 {
		return "/offerings/:offering"
	}
	resource := parts[2]
	return "/offerings/:offering/" + resource
}
