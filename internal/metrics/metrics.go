package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "council_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "council_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "council_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "council_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	calendarRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "council_calendar_refresh_total",
		Help: "Upstream calendar feed fetches by result.",
	}, []string{"calendar", "result"})

	calendarCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "council_calendar_cache_total",
		Help: "Calendar lookups by cache outcome (hit, miss, stale).",
	}, []string{"calendar", "outcome"})

	ledgerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "council_ledger_retries_total",
		Help: "Leave ledger transactions retried after a store conflict.",
	})

	authDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "council_auth_denials_total",
		Help: "Rejected logins and sessions by internal reason.",
	}, []string{"reason"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "council_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter.",
	}, []string{"scope"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			ctx := context.WithValue(r.Context(), routeLabelKey, route)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			statusCode := strconv.Itoa(status)
			// chi fills in the pattern while routing, so re-read it afterwards.
			route = routePattern(r)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// CalendarRefresh counts an upstream fetch; result is "ok" or "error".
func CalendarRefresh(calendar, result string) {
	calendarRefreshTotal.WithLabelValues(calendar, result).Inc()
}

func CalendarCache(calendar, outcome string) {
	calendarCacheTotal.WithLabelValues(calendar, outcome).Inc()
}

func LedgerRetry() {
	ledgerRetriesTotal.Inc()
}

func AuthDenial(reason string) {
	authDenialsTotal.WithLabelValues(reason).Inc()
}

func RateLimited(scope string) {
	rateLimitedTotal.WithLabelValues(scope).Inc()
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
