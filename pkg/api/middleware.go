package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tomledger/dpl/pkg/log"
	"github.com/tomledger/dpl/pkg/metrics"
)

// RequestIDHeader carries a per-request correlation id, generated here when
// the caller doesn't supply one, and echoed back on the response so a
// client and the server's logs can be joined on the same value.
const RequestIDHeader = "X-Request-Id"

// statusRecorder captures the status code a handler writes so the logging
// middleware can report it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withLogging wraps next with method/path/status/duration logging and
// Prometheus request metrics, replacing the teacher's gRPC interceptor with
// an http.Handler wrapper since the wire protocol here is HTTP.
func withLogging(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("request")

		statusStr := formatStatus(rec.status)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, statusStr).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(duration.Seconds())
	})
}

func formatStatus(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
