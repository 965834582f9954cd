package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Go runtime and process collectors come with the default registry, so
// only gateway metrics are declared here.

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_active_connections",
			Help: "Number of in-flight requests",
		},
	)

	// Admission metrics

	admissionRefusals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_admission_refusals_total",
			Help: "Requests refused before dispatch, by reason",
		},
		[]string{"reason"},
	)

	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_rate_limit_hits_total",
			Help: "Requests refused by the rate limiter",
		},
		[]string{"scope"},
	)

	// Upstream metrics

	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_upstream_requests_total",
			Help: "Total number of upstream provider calls",
		},
		[]string{"provider", "model", "status"},
	)

	upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tollgate_upstream_request_duration_seconds",
			Help:    "Upstream provider latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider", "model"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_tokens_total",
			Help: "Tokens moved through the gateway",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)

	spendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_spend_usd_total",
			Help: "Accounted spend in USD",
		},
		[]string{"tenant"},
	)

	modelAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tollgate_model_available",
			Help: "Whether a model has an active price row (1) or not (0)",
		},
		[]string{"model", "provider"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_cache_lookups_total",
			Help: "In-process cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	// Worker metrics

	ledgerStreamDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_ledger_stream_depth",
			Help: "Entries currently buffered in the ledger event stream",
		},
	)

	workerBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tollgate_worker_batch_size",
			Help:    "Events consumed per stream read",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9),
		},
	)
)

// Metrics collects request-level Prometheus metrics.
func Metrics(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			activeConnections.Inc()
			defer activeConnections.Dec()

			routePattern := getRoutePattern(r)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(ww.Status())
			httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration)
			httpResponseSize.WithLabelValues(r.Method, routePattern).Observe(float64(ww.BytesWritten()))

			if duration > 10 {
				logger.Warn("Slow request detected",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Float64("duration", duration),
					zap.Int("status", ww.Status()),
				)
			}
		})
	}
}

// RecordRefusal counts an admission refusal by reason.
func RecordRefusal(reason string) {
	admissionRefusals.WithLabelValues(reason).Inc()
}

// RecordRateLimitHit counts a throttled request by hint scope.
func RecordRateLimitHit(scope string) {
	rateLimitHits.WithLabelValues(scope).Inc()
}

// RecordUpstream records one provider call.
func RecordUpstream(provider, model string, status int, duration time.Duration) {
	upstreamRequestsTotal.WithLabelValues(provider, model, strconv.Itoa(status)).Inc()
	upstreamRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordTokens records provider-reported token usage.
func RecordTokens(model string, promptTokens, completionTokens int) {
	tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// RecordSpend records accounted spend for a tenant.
func RecordSpend(tenant string, usd float64) {
	spendTotal.WithLabelValues(tenant).Add(usd)
}

// SetModelAvailable publishes whether a model is currently priced.
func SetModelAvailable(model, provider string, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	modelAvailable.WithLabelValues(model, provider).Set(v)
}

// RecordCacheLookup counts one in-process cache probe.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(cache, result).Inc()
}

// SetStreamDepth publishes the ledger stream backlog.
func SetStreamDepth(n int64) {
	ledgerStreamDepth.Set(float64(n))
}

// ObserveWorkerBatch records how many events one stream read returned.
func ObserveWorkerBatch(n int) {
	workerBatchSize.Observe(float64(n))
}

func getRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath keeps endpoint label cardinality bounded when no chi
// pattern is available.
func normalizePath(path string) string {
	for _, known := range []string{
		"/v1/chat/completions",
		"/v1/responses",
		"/v1/models",
		"/health",
		"/ready",
		"/metrics",
	} {
		if strings.HasPrefix(path, known) {
			return known
		}
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		if isNumeric(part) || isIdentifier(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isIdentifier(s string) bool {
	return strings.HasPrefix(s, "tg_") || len(s) >= 32
}
