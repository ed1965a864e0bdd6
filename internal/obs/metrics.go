package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Permission check decisions by outcome.",
		},
		[]string{"outcome"},
	)

	securityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Security events recorded, by type and severity.",
		},
		[]string{"type", "severity"},
	)

	accountLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "account_lockouts_total",
		Help: "Accounts locked after repeated failed logins.",
	})

	securityAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_alerts_total",
			Help: "Security alerts raised, by type.",
		},
		[]string{"type"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authzDecisions, securityEvents, accountLockouts, securityAlerts,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountAuthzDecision records one permission check outcome.
func CountAuthzDecision(allowed bool) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	authzDecisions.WithLabelValues(outcome).Inc()
}

// CountSecurityEvent records one appended security event.
func CountSecurityEvent(eventType, severity string) {
	securityEvents.WithLabelValues(eventType, severity).Inc()
}

// CountLockout records one account lockout.
func CountLockout() {
	accountLockouts.Inc()
}

// CountAlert records one raised security alert.
func CountAlert(alertType string) {
	securityAlerts.WithLabelValues(alertType).Inc()
}

// Instrument measures RPS, latency and in-flight requests for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers to :id so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// /v1/<collection>/<id>[/<action>]
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "permissions", "roles", "users", "events", "alerts", "ip-rules", "organizations":
			if len(parts) == 3 {
				return "/v1/" + parts[1] + "/:id"
			}
			if len(parts) == 4 {
				return "/v1/" + parts[1] + "/:id/" + parts[3]
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter captures the response code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
