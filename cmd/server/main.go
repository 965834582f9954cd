package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/redis/go-redis/v9"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/database"
	"github.com/tollgate/tollgate/internal/logger"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/router"
	"github.com/tollgate/tollgate/internal/services/admission"
	"github.com/tollgate/tollgate/internal/services/budget"
	"github.com/tollgate/tollgate/internal/services/ledger"
	"github.com/tollgate/tollgate/internal/services/policy"
	"github.com/tollgate/tollgate/internal/services/pricing"
	"github.com/tollgate/tollgate/internal/services/providers"
	"github.com/tollgate/tollgate/internal/services/ratelimit"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/session"
	"github.com/tollgate/tollgate/internal/services/tags"
	"github.com/tollgate/tollgate/internal/services/usage"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// The database is the system of record. Refusing to start without it
	// beats serving unaccountable traffic.
	if err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Logger:          log,
	}); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close()
	db := database.GetDB()

	// Redis is not. A nil client puts every cache-tier service into
	// degraded mode: budgets read through to the database, the ledger
	// hook writes synchronously, throttling allows.
	redisClient, err := redissvc.New(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient == nil {
		log.Warn("Running without Redis, cache tier disabled")
	}

	deps := buildDependencies(cfg, log, db, redisClient)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Gateway server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Gateway server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server shutdown complete")
}

// buildDependencies wires the service graph. Construction order follows
// the admission phases: throttle, auth, tags, sessions, budgets, policy,
// dispatch, accounting.
func buildDependencies(cfg *config.Config, log *zap.Logger, db *gorm.DB, redisClient *redis.Client) *router.Dependencies {
	// Cache tier. Every store tolerates a nil client.
	tagCache := redissvc.NewTagCache(redisClient, log)
	sessionCache := redissvc.NewSessionCache(redisClient, log, cfg.Session.TTL)
	budgetCache := redissvc.NewBudgetCache(redisClient, log)
	counters := redissvc.NewCounterStore(redisClient, log)
	analytics := redissvc.NewAnalyticsStore(redisClient, log)
	events := redissvc.NewEventPublisher(redisClient, log, cfg.Worker.StreamMaxLen)

	authSvc := auth.NewService(auth.NewGormKeyStore(db), cfg.Admin.APIKey, log)

	limiter := ratelimit.NewFixedWindowLimiter(redisClient, log)
	limits := ratelimit.NewLimitResolver(ratelimit.NewGormTenantStore(db), cfg.RateLimit.RequestsPerMinute, log)

	resolver := tags.NewResolver(tags.NewGormStore(db), tagCache, log)
	tagSvc := tags.NewService(db, tagCache, log)

	sessionStore := session.NewGormStore(db)
	tracker := session.NewTracker(sessionStore, sessionCache, log)

	evaluator := budget.NewEvaluator(budget.NewGormStore(db), counters, budgetCache, resolver, budget.Defaults{
		AmountUSD: cfg.Budget.DefaultUSD,
		Periods:   configuredPeriods(cfg),
	}, log)

	var engine policy.Engine = policy.Static{}
	if cfg.Policy.URL != "" {
		engine = policy.NewWebhook(cfg.Policy.URL, cfg.Policy.Timeout, log)
	}

	pipeline := admission.NewPipeline(resolver, tracker, evaluator, engine, log)

	pricingSvc := pricing.NewService(pricing.NewGormStore(db), log)
	registry := providers.NewRegistry(providers.Config{
		OpenAIKey:        cfg.Providers.OpenAIKey,
		AnthropicKey:     cfg.Providers.AnthropicKey,
		GoogleKey:        cfg.Providers.GoogleKey,
		OpenAIBaseURL:    cfg.Providers.OpenAIBaseURL,
		AnthropicBaseURL: cfg.Providers.AnthropicBaseURL,
		GoogleBaseURL:    cfg.Providers.GoogleBaseURL,
		Timeout:          cfg.Providers.Timeout,
	}, pricingSvc, log)

	recorder := ledger.NewRecorder(events, counters, evaluator, resolver, tracker, pricingSvc, db, configuredPeriods(cfg), log)

	return &router.Dependencies{
		Config:    cfg,
		Logger:    log,
		DB:        db,
		Redis:     redisClient,
		Auth:      authSvc,
		Limiter:   limiter,
		Limits:    limits,
		Pipeline:  pipeline,
		Registry:  registry,
		Recorder:  recorder,
		Pricing:   pricingSvc,
		Evaluator: evaluator,
		TagCache:  tagCache,
		Tags:      tagSvc,
		Sessions:  sessionStore,
		Tracker:   tracker,
		Usage:     usage.NewService(db, analytics, log),
	}
}

func configuredPeriods(cfg *config.Config) []models.Period {
	active := cfg.Budget.ActivePeriods()
	periods := make([]models.Period, 0, len(active))
	for _, p := range active {
		periods = append(periods, models.Period(p))
	}
	return periods
}
