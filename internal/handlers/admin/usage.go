package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/usage"
)

type UsageHandler struct {
	baseHandler
	db  *gorm.DB
	svc *usage.Service
}

func NewUsageHandler(logger *zap.Logger, db *gorm.DB, svc *usage.Service) *UsageHandler {
	return &UsageHandler{
		baseHandler: baseHandler{logger: logger},
		db:          db,
		svc:         svc,
	}
}

// usageWindow is a parsed period/from/to query. Explicit bounds win
// over the period shortcut and always read the relational ledger.
type usageWindow struct {
	period models.Period
	start  time.Time
	end    time.Time
	ranged bool
}

// GetTenantUsage summarizes a tenant's accounted spend over a window,
// broken down by model.
func (h *UsageHandler) GetTenantUsage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	win, ok := h.windowQuery(w, r)
	if !ok {
		return
	}

	var (
		report *usage.TenantUsage
		err    error
	)
	if win.ranged {
		report, err = h.svc.TenantUsageRange(r.Context(), tenant.ID, win.start, win.end)
	} else {
		report, err = h.svc.TenantUsageFor(r.Context(), tenant.ID, win.period, time.Now())
	}
	if err != nil {
		h.logger.Error("tenant usage query failed",
			zap.Uint("tenant_id", tenant.ID),
			zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to query usage")
		return
	}

	h.sendJSON(w, http.StatusOK, report)
}

// GetTagUsage reads one tag's subtree spend over a window through the
// projection chain; the response names which store answered.
func (h *UsageHandler) GetTagUsage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.loadTenant(w, r)
	if !ok {
		return
	}
	tag, ok := h.loadTag(w, r, tenant.ID)
	if !ok {
		return
	}
	win, ok := h.windowQuery(w, r)
	if !ok {
		return
	}

	var (
		report *usage.TagSpend
		err    error
	)
	if win.ranged {
		report, err = h.svc.TagSpendRange(r.Context(), tag, win.start, win.end)
	} else {
		report, err = h.svc.TagSpendFor(r.Context(), tenant.ID, tag, win.period, time.Now())
	}
	if err != nil {
		h.logger.Error("tag usage query failed",
			zap.Uint("tag_id", tag.ID),
			zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to query usage")
		return
	}

	h.sendJSON(w, http.StatusOK, report)
}

func (h *UsageHandler) windowQuery(w http.ResponseWriter, r *http.Request) (*usageWindow, bool) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from != "" || to != "" {
		if from == "" || to == "" {
			h.sendError(w, http.StatusBadRequest, "Both from and to are required for a range query")
			return nil, false
		}
		start, err := time.Parse(time.RFC3339, from)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "Invalid from timestamp")
			return nil, false
		}
		end, err := time.Parse(time.RFC3339, to)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "Invalid to timestamp")
			return nil, false
		}
		if !start.Before(end) {
			h.sendError(w, http.StatusBadRequest, "from must precede to")
			return nil, false
		}
		return &usageWindow{start: start, end: end, ranged: true}, true
	}

	period := models.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = models.PeriodDaily
	}
	if period != models.PeriodDaily && period != models.PeriodMonthly {
		h.sendError(w, http.StatusBadRequest, "Period must be daily or monthly, or pass from and to")
		return nil, false
	}
	return &usageWindow{period: period}, true
}

func (h *UsageHandler) loadTenant(w http.ResponseWriter, r *http.Request) (*models.Tenant, bool) {
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

func (h *UsageHandler) loadTag(w http.ResponseWriter, r *http.Request, tenantID uint) (*models.Tag, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "tagID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid tag ID")
		return nil, false
	}

	var tag models.Tag
	if err := h.db.WithContext(r.Context()).
		Where("id = ? AND tenant_id = ?", uint(id), tenantID).
		First(&tag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Tag not found")
			return nil, false
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch tag")
		return nil, false
	}
	return &tag, true
}
