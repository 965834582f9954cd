package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/services/providers"
)

const healthCheckTimeout = 3 * time.Second

// DependencyHealth is one dependency's probe result.
type DependencyHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ProvidersHealth reports which providers hold credentials and what
// their live probes returned.
type ProvidersHealth struct {
	Configured []string                    `json:"configured"`
	Healthy    map[string]providers.Health `json:"healthy"`
}

type HealthDependencies struct {
	Database  DependencyHealth `json:"database"`
	Redis     DependencyHealth `json:"redis"`
	Providers ProvidersHealth  `json:"providers"`
}

type HealthResponse struct {
	OK           bool               `json:"ok"`
	Dependencies HealthDependencies `json:"dependencies"`
}

type HealthHandler struct {
	logger   *zap.Logger
	db       *gorm.DB
	redis    *redis.Client
	registry *providers.Registry
}

func NewHealthHandler(logger *zap.Logger, db *gorm.DB, redisClient *redis.Client, registry *providers.Registry) *HealthHandler {
	return &HealthHandler{
		logger:   logger,
		db:       db,
		redis:    redisClient,
		registry: registry,
	}
}

// Health probes the database, cache tier and configured providers.
// Redis being down does not fail the check: the gateway keeps serving
// in degraded mode, so only a database failure turns ok false.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{OK: true}
	resp.Dependencies.Database = h.checkDatabase(ctx)
	resp.Dependencies.Redis = h.checkRedis(ctx)
	resp.Dependencies.Providers = ProvidersHealth{
		Configured: h.registry.Configured(),
		Healthy:    h.registry.Health(ctx),
	}

	status := http.StatusOK
	if !resp.Dependencies.Database.OK {
		resp.OK = false
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Ready reports readiness for load balancer rotation. Unlike Health
// it stays strict: a database failure takes the instance out of
// rotation.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if dep := h.checkDatabase(ctx); !dep.OK {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  dep.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) DependencyHealth {
	if h.db == nil {
		return DependencyHealth{Error: "not configured"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return DependencyHealth{Error: err.Error()}
	}
	return DependencyHealth{OK: true}
}

func (h *HealthHandler) checkRedis(ctx context.Context) DependencyHealth {
	if h.redis == nil {
		return DependencyHealth{Error: "not configured"}
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return DependencyHealth{Error: err.Error()}
	}
	return DependencyHealth{OK: true}
}
