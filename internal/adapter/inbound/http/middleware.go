package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentgate/agentgate/internal/domain/gateerr"
)

// API version headers. Every response carries the served and supported
// versions; callers may gate compatibility with the requested-version
// header.
const (
	headerAPIVersion        = "X-AgentGate-API-Version"
	headerSupportedVersions = "X-AgentGate-Supported-Versions"
	headerRequestedVersion  = "X-AgentGate-Requested-Version"
)

// apiVersion is the version this build serves.
const apiVersion = "v1"

// supportedVersions is the accepted requested-version set.
var supportedVersions = []string{"v1"}

// versionMiddleware stamps the version headers and rejects requests
// pinned to an unsupported version before any other check runs.
func versionMiddleware(next http.Handler) http.Handler {
	supported := strings.Join(supportedVersions, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerAPIVersion, apiVersion)
		w.Header().Set(headerSupportedVersions, supported)

		if requested := r.Header.Get(headerRequestedVersion); requested != "" {
			ok := false
			for _, v := range supportedVersions {
				if requested == v {
					ok = true
					break
				}
			}
			if !ok {
				writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
					Kind:   gateerr.KindVersionUnsupported,
					Reason: "requested API version " + requested + " is not supported",
					Hint:   "supported versions: " + supported,
				}})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency per route
// pattern.
func metricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = r.URL.Path
			}
			metrics.RequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
			metrics.RequestDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
		})
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// rateLimitHeaders writes the X-RateLimit-* trio.
func rateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetUnix int64) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetUnix, 10))
}
