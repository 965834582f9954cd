package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/services/ratelimit"
)

// rateLimitWindow is the fixed throttle window.
const rateLimitWindow = time.Minute

// Operational surfaces are never throttled; starving a health probe or
// the admin plane during an incident would make it worse.
var rateLimitExempt = []string{
	"/health",
	"/ready",
	"/metrics",
	"/api/admin",
}

type RateLimitMiddleware struct {
	limiter ratelimit.RateLimiter
	limits  *ratelimit.LimitResolver
	logger  *zap.Logger
}

func NewRateLimitMiddleware(limiter ratelimit.RateLimiter, limits *ratelimit.LimitResolver, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, limits: limits, logger: logger}
}

// Throttle enforces the per-minute window before authentication runs, so
// a flood of bad credentials still gets counted and cut off.
func (m *RateLimitMiddleware) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rateLimitExempt {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		hint := RequestHint(r)
		limit := m.limits.LimitFor(r.Context(), hint)

		allowed, err := m.limiter.Allow(r.Context(), hint.BucketKey(), limit, rateLimitWindow)
		if err != nil {
			m.logger.Warn("rate limit check failed, allowing request",
				zap.String("bucket", hint.BucketKey()),
				zap.Error(err))
			allowed = true
		}
		if !allowed {
			RecordRateLimitHit(string(hint.Kind))
			retry := ratelimit.RetryAfter(rateLimitWindow)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestHint derives the throttle bucket without touching the database.
// A forged X-Tenant-Id only moves the caller into that tenant's bucket;
// it cannot raise any limit.
func RequestHint(r *http.Request) ratelimit.Hint {
	if name := r.Header.Get("X-Tenant-Id"); name != "" {
		return ratelimit.Hint{Kind: ratelimit.HintTenant, Value: name}
	}
	if key := ExtractKey(r); auth.ValidateKeyFormat(key) == nil {
		return ratelimit.Hint{Kind: ratelimit.HintKey, Value: auth.LookupPrefix(key)}
	}
	return ratelimit.Hint{Kind: ratelimit.HintIP, Value: clientIP(r)}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
