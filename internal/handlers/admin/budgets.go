package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/budget"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
)

type BudgetHandler struct {
	baseHandler
	db        *gorm.DB
	evaluator *budget.Evaluator
	tagCache  *redissvc.TagCache
}

func NewBudgetHandler(logger *zap.Logger, db *gorm.DB, evaluator *budget.Evaluator, tagCache *redissvc.TagCache) *BudgetHandler {
	return &BudgetHandler{
		baseHandler: baseHandler{logger: logger},
		db:          db,
		evaluator:   evaluator,
		tagCache:    tagCache,
	}
}

type CreateBudgetRequest struct {
	Period    models.Period   `json:"period"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	StartsAt  *time.Time      `json:"starts_at,omitempty"`
	EndsAt    *time.Time      `json:"ends_at,omitempty"`
}

// validateWindow normalizes the request's window fields. Custom periods
// need both bounds, with the end snapped to the last instant of its UTC
// day so every writer derives the same period key.
func (req *CreateBudgetRequest) validateWindow() string {
	if !req.Period.Valid() {
		return "Period must be daily, monthly or custom"
	}
	if req.AmountUSD.IsNegative() {
		return "Amount must not be negative"
	}
	if req.Period == models.PeriodCustom {
		if req.StartsAt == nil || req.EndsAt == nil {
			return "Custom budgets require starts_at and ends_at"
		}
		snapped := models.SnapCustomEnd(*req.EndsAt)
		req.EndsAt = &snapped
		if !req.StartsAt.Before(*req.EndsAt) {
			return "starts_at must be before ends_at"
		}
	} else {
		req.StartsAt = nil
		req.EndsAt = nil
	}
	return ""
}

// CreateBudget adds a tenant-scope spending cap. When several active
// rows cover the same instant the lowest amount wins at admission, so
// stacking rows only ever tightens the cap.
func (h *BudgetHandler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}

	var req CreateBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validateWindow(); msg != "" {
		h.sendError(w, http.StatusBadRequest, msg)
		return
	}

	row := models.Budget{
		TenantID:  tenant.ID,
		Period:    req.Period,
		AmountUSD: req.AmountUSD,
		StartsAt:  req.StartsAt,
		EndsAt:    req.EndsAt,
		Active:    true,
	}
	if err := h.db.WithContext(r.Context()).Create(&row).Error; err != nil {
		h.logger.Error("budget create failed", zap.Uint("tenant_id", tenant.ID), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to create budget")
		return
	}
	h.evaluator.InvalidateTenant(r.Context(), tenant.Name)

	h.sendJSON(w, http.StatusCreated, row)
}

// ListBudgets returns a tenant's budget rows, active and not.
func (h *BudgetHandler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}

	var rows []models.Budget
	if err := h.db.WithContext(r.Context()).
		Where("tenant_id = ?", tenant.ID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to list budgets")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"budgets": rows,
		"total":   len(rows),
	})
}

// DeleteBudget deactivates a tenant budget row.
func (h *BudgetHandler) DeleteBudget(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	budgetID, err := strconv.ParseUint(chi.URLParam(r, "budgetID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid budget ID")
		return
	}

	var row models.Budget
	if err := h.db.WithContext(r.Context()).
		Where("tenant_id = ?", tenant.ID).
		First(&row, uint(budgetID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Budget not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch budget")
		return
	}

	if err := h.db.WithContext(r.Context()).Model(&row).Update("active", false).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to deactivate budget")
		return
	}
	h.evaluator.InvalidateTenant(r.Context(), tenant.Name)

	h.sendJSON(w, http.StatusOK, map[string]string{"message": "Budget deactivated"})
}

type CreateTagBudgetRequest struct {
	CreateBudgetRequest
	Weight      *float64               `json:"weight,omitempty"`
	Inheritance models.InheritanceMode `json:"inheritance,omitempty"`
}

// CreateTagBudget adds a tag-scope cap. Weight scales every cost
// attributed to the tag; inheritance decides whether an exhausted
// ancestor blocks this tag's requests.
func (h *BudgetHandler) CreateTagBudget(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	tag, ok := h.loadTag(w, r, tenant.ID)
	if !ok {
		return
	}

	var req CreateTagBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validateWindow(); msg != "" {
		h.sendError(w, http.StatusBadRequest, msg)
		return
	}

	weight := 1.0
	if req.Weight != nil {
		if *req.Weight < 0 {
			h.sendError(w, http.StatusBadRequest, "Weight must not be negative")
			return
		}
		weight = *req.Weight
	}
	inheritance := req.Inheritance
	switch inheritance {
	case "":
		inheritance = models.InheritanceLenient
	case models.InheritanceLenient, models.InheritanceStrict:
	default:
		h.sendError(w, http.StatusBadRequest, "Inheritance must be LENIENT or STRICT")
		return
	}

	row := models.TagBudget{
		TagID:       tag.ID,
		Period:      req.Period,
		AmountUSD:   req.AmountUSD,
		Weight:      weight,
		Inheritance: inheritance,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		Active:      true,
	}
	if err := h.db.WithContext(r.Context()).Create(&row).Error; err != nil {
		h.logger.Error("tag budget create failed", zap.Uint("tag_id", tag.ID), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to create tag budget")
		return
	}
	h.invalidateTag(r.Context(), tenant.ID, tag.ID)

	h.sendJSON(w, http.StatusCreated, row)
}

// ListTagBudgets returns a tag's budget rows.
func (h *BudgetHandler) ListTagBudgets(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	tag, ok := h.loadTag(w, r, tenant.ID)
	if !ok {
		return
	}

	var rows []models.TagBudget
	if err := h.db.WithContext(r.Context()).
		Where("tag_id = ?", tag.ID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to list tag budgets")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"budgets": rows,
		"total":   len(rows),
	})
}

// DeleteTagBudget deactivates a tag budget row.
func (h *BudgetHandler) DeleteTagBudget(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	tag, ok := h.loadTag(w, r, tenant.ID)
	if !ok {
		return
	}
	budgetID, err := strconv.ParseUint(chi.URLParam(r, "budgetID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid budget ID")
		return
	}

	var row models.TagBudget
	if err := h.db.WithContext(r.Context()).
		Where("tag_id = ?", tag.ID).
		First(&row, uint(budgetID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Tag budget not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch tag budget")
		return
	}

	if err := h.db.WithContext(r.Context()).Model(&row).Update("active", false).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to deactivate tag budget")
		return
	}
	h.invalidateTag(r.Context(), tenant.ID, tag.ID)

	h.sendJSON(w, http.StatusOK, map[string]string{"message": "Tag budget deactivated"})
}

// invalidateTag drops both caches a tag budget mutation can go stale
// in: the evaluator's row cache and the tenant tag cache, which bakes
// the attribution weight into cached entries.
func (h *BudgetHandler) invalidateTag(ctx context.Context, tenantID, tagID uint) {
	h.evaluator.InvalidateTag(tagID)
	if err := h.tagCache.InvalidateTenant(ctx, tenantID); err != nil && err != redissvc.ErrUnavailable {
		h.logger.Warn("tag cache invalidation failed",
			zap.Uint("tenant_id", tenantID), zap.Error(err))
	}
}

func (h *BudgetHandler) loadTenant(w http.ResponseWriter, r *http.Request) (*models.Tenant, bool) {
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

func (h *BudgetHandler) loadTag(w http.ResponseWriter, r *http.Request, tenantID uint) (*models.Tag, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "tagID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid tag ID")
		return nil, false
	}
	var tag models.Tag
	if err := h.db.WithContext(r.Context()).
		Where("tenant_id = ?", tenantID).
		First(&tag, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Tag not found")
			return nil, false
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch tag")
		return nil, false
	}
	return &tag, true
}
