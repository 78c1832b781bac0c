package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/ayo6706/ledger-service/internal/observability"
	"github.com/go-chi/chi/v5"
)

// MetricsMiddleware records request durations for Prometheus instrumentation,
// labelled by the ledger resource family the route serves so transfer traffic
// graphs apart from account provisioning, subscription management, and the
// event stream.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		pattern := routePattern(r)
		observability.ObserveHTTP(r.Method, resourceFamily(pattern), pattern, rw.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// resourceFamily buckets a route pattern by the record type it serves.
func resourceFamily(pattern string) string {
	switch {
	case strings.HasPrefix(pattern, "/accounts") && strings.HasSuffix(pattern, "/transfers"):
		return "stream"
	case strings.HasPrefix(pattern, "/transfers"):
		return "transfer"
	case strings.HasPrefix(pattern, "/accounts"):
		return "account"
	case strings.HasPrefix(pattern, "/subscriptions"):
		if strings.Contains(pattern, "/notifications") {
			return "notification"
		}
		return "subscription"
	case strings.HasPrefix(pattern, "/auth"):
		return "auth"
	case strings.HasPrefix(pattern, "/healthz"), strings.HasPrefix(pattern, "/metrics"):
		return "system"
	default:
		return "other"
	}
}
