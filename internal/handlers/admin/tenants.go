package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
)

// Tenant names feed cache keys, so they are restricted to slug characters.
var tenantNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type TenantHandler struct {
	baseHandler
	db *gorm.DB
}

func NewTenantHandler(logger *zap.Logger, db *gorm.DB) *TenantHandler {
	return &TenantHandler{
		baseHandler: baseHandler{logger: logger},
		db:          db,
	}
}

type CreateTenantRequest struct {
	Name                    string           `json:"name"`
	RateLimitPerMin         *int             `json:"rate_limit_per_min,omitempty"`
	DefaultSessionBudgetUSD *decimal.Decimal `json:"default_session_budget_usd,omitempty"`
}

// CreateTenant creates a new tenant
func (h *TenantHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !tenantNameRegex.MatchString(req.Name) {
		h.sendError(w, http.StatusBadRequest, "Tenant name must be lowercase alphanumeric with hyphens or underscores")
		return
	}
	if req.RateLimitPerMin != nil && *req.RateLimitPerMin < 0 {
		h.sendError(w, http.StatusBadRequest, "Rate limit must not be negative")
		return
	}

	tenant := models.Tenant{
		Name:                    req.Name,
		Active:                  true,
		RateLimitPerMin:         req.RateLimitPerMin,
		DefaultSessionBudgetUSD: req.DefaultSessionBudgetUSD,
	}
	if err := h.db.WithContext(r.Context()).Create(&tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			h.sendError(w, http.StatusConflict, "Tenant name already exists")
			return
		}
		h.logger.Error("tenant create failed", zap.String("name", req.Name), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to create tenant")
		return
	}

	h.sendJSON(w, http.StatusCreated, tenant)
}

// ListTenants returns all tenants with pagination
func (h *TenantHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := h.db.WithContext(r.Context()).Model(&models.Tenant{})
	if active := r.URL.Query().Get("active"); active != "" {
		if v, err := strconv.ParseBool(active); err == nil {
			query = query.Where("active = ?", v)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to count tenants")
		return
	}

	var tenants []models.Tenant
	if err := query.
		Offset((page - 1) * limit).Limit(limit).
		Order("created_at DESC").
		Find(&tenants).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to list tenants")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": tenants,
		"pagination": map[string]interface{}{
			"page":  page,
			"limit": limit,
			"total": total,
			"pages": (total + int64(limit) - 1) / int64(limit),
		},
	})
}

// GetTenant returns a specific tenant
func (h *TenantHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	h.sendJSON(w, http.StatusOK, tenant)
}

type UpdateTenantRequest struct {
	RateLimitPerMin         *int             `json:"rate_limit_per_min,omitempty"`
	DefaultSessionBudgetUSD *decimal.Decimal `json:"default_session_budget_usd,omitempty"`
	Active                  *bool            `json:"active,omitempty"`
}

// UpdateTenant updates a tenant. The name is immutable: spend counters
// and cache entries are keyed by it.
func (h *TenantHandler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}

	var req UpdateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.RateLimitPerMin != nil {
		if *req.RateLimitPerMin < 0 {
			h.sendError(w, http.StatusBadRequest, "Rate limit must not be negative")
			return
		}
		tenant.RateLimitPerMin = req.RateLimitPerMin
	}
	if req.DefaultSessionBudgetUSD != nil {
		tenant.DefaultSessionBudgetUSD = req.DefaultSessionBudgetUSD
	}
	if req.Active != nil {
		tenant.Active = *req.Active
	}

	if err := h.db.WithContext(r.Context()).Save(tenant).Error; err != nil {
		h.logger.Error("tenant update failed", zap.Uint("tenant_id", tenant.ID), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to update tenant")
		return
	}

	h.sendJSON(w, http.StatusOK, tenant)
}

// DeleteTenant deactivates a tenant. Rows are kept: ledger history
// references them.
func (h *TenantHandler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}

	if err := h.db.WithContext(r.Context()).Model(tenant).Update("active", false).Error; err != nil {
		h.logger.Error("tenant deactivate failed", zap.Uint("tenant_id", tenant.ID), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to deactivate tenant")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]string{"message": "Tenant deactivated"})
}

func (h *TenantHandler) loadTenant(w http.ResponseWriter, r *http.Request) (*models.Tenant, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "tenantID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid tenant ID")
		return nil, false
	}

	var tenant models.Tenant
	if err := h.db.WithContext(r.Context()).First(&tenant, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Tenant not found")
			return nil, false
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch tenant")
		return nil, false
	}
	return &tenant, true
}
