// Package router assembles the HTTP surface: the OpenAI-compatible
// proxy endpoints, the operational probes, and the admin API.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/handlers"
	"github.com/tollgate/tollgate/internal/middleware"
	"github.com/tollgate/tollgate/internal/services/admission"
	"github.com/tollgate/tollgate/internal/services/budget"
	"github.com/tollgate/tollgate/internal/services/ledger"
	"github.com/tollgate/tollgate/internal/services/pricing"
	"github.com/tollgate/tollgate/internal/services/providers"
	"github.com/tollgate/tollgate/internal/services/ratelimit"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/session"
	"github.com/tollgate/tollgate/internal/services/tags"
	"github.com/tollgate/tollgate/internal/services/usage"
)

// Dependencies carries the services the HTTP surface is built from.
// cmd/server constructs these once at startup and hands them over; the
// router only wires handlers and middleware around them.
type Dependencies struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *gorm.DB

	// Redis is nil when no URL is configured. The health handler and
	// the cache-tier services all tolerate that.
	Redis *redis.Client

	Auth      *auth.Service
	Limiter   ratelimit.RateLimiter
	Limits    *ratelimit.LimitResolver
	Pipeline  *admission.Pipeline
	Registry  *providers.Registry
	Recorder  *ledger.Recorder
	Pricing   *pricing.Service
	Evaluator *budget.Evaluator
	TagCache  *redissvc.TagCache
	Tags      *tags.Service
	Sessions  *session.GormStore
	Tracker   *session.Tracker
	Usage     *usage.Service
}

func NewRouter(deps *Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Metrics(deps.Logger))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	// Throttling runs before authentication so a flood of bad
	// credentials is still counted and cut off.
	if cfg.RateLimit.Enabled {
		rateLimitMiddleware := middleware.NewRateLimitMiddleware(deps.Limiter, deps.Limits, deps.Logger)
		r.Use(rateLimitMiddleware.Throttle)
	}

	healthHandler := handlers.NewHealthHandler(deps.Logger, deps.DB, deps.Redis, deps.Registry)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	proxyHandler := handlers.NewProxyHandler(deps.Logger, deps.Pipeline, deps.Registry, deps.Recorder, deps.Pricing)
	modelsHandler := handlers.NewModelsHandler(deps.Logger, deps.Pricing)
	authMiddleware := middleware.NewAuthMiddleware(deps.Auth, deps.Logger)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat/completions", proxyHandler.ChatCompletions)
			r.Post("/responses", proxyHandler.Responses)
			r.Get("/models", modelsHandler.ListModels)
		})
	})

	// No admin key configured means no admin surface at all.
	if cfg.Admin.APIKey != "" {
		adminRouter := NewAdminSubRouter(&AdminRouterConfig{
			Logger:    deps.Logger,
			DB:        deps.DB,
			Auth:      deps.Auth,
			Evaluator: deps.Evaluator,
			TagCache:  deps.TagCache,
			Tags:      deps.Tags,
			Pricing:   deps.Pricing,
			Sessions:  deps.Sessions,
			Tracker:   deps.Tracker,
			Usage:     deps.Usage,
		}, authMiddleware)
		r.Mount("/api/admin", adminRouter)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "Not found"}`))
	})

	return r
}
