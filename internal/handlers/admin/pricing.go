package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/pricing"
)

type PricingHandler struct {
	baseHandler
	db      *gorm.DB
	pricing *pricing.Service
}

func NewPricingHandler(logger *zap.Logger, db *gorm.DB, pricingSvc *pricing.Service) *PricingHandler {
	return &PricingHandler{
		baseHandler: baseHandler{logger: logger},
		db:          db,
		pricing:     pricingSvc,
	}
}

// ListPricing returns the full rate card.
func (h *PricingHandler) ListPricing(w http.ResponseWriter, r *http.Request) {
	var rows []models.ModelPricing
	if err := h.db.WithContext(r.Context()).
		Order("provider, model_id").
		Find(&rows).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to list pricing")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"pricing": rows,
		"total":   len(rows),
	})
}

// UpsertPricing creates or replaces the price row for a model id. The
// in-process rate card cache is dropped so dispatch and accounting see
// the new prices on their next lookup.
func (h *PricingHandler) UpsertPricing(w http.ResponseWriter, r *http.Request) {
	var row models.ModelPricing
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if row.ModelID == "" {
		h.sendError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	switch row.Provider {
	case models.ProviderOpenAI, models.ProviderAnthropic, models.ProviderGoogle:
	default:
		h.sendError(w, http.StatusBadRequest, "Provider must be openai, anthropic or google")
		return
	}
	if row.InputPerMTok.IsNegative() || row.OutputPerMTok.IsNegative() || row.CachedInputPerMTok.IsNegative() {
		h.sendError(w, http.StatusBadRequest, "Prices must not be negative")
		return
	}

	row.ID = 0
	row.Active = true
	err := h.db.WithContext(r.Context()).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "model_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"provider", "input_per_mtok", "cached_input_per_mtok", "output_per_mtok", "active",
			}),
		}).
		Create(&row).Error
	if err != nil {
		h.logger.Error("pricing upsert failed", zap.String("model_id", row.ModelID), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to upsert pricing")
		return
	}
	h.pricing.Invalidate()

	h.sendJSON(w, http.StatusOK, row)
}

// DeactivatePricing retires a price row. Requests for the model will be
// refused with no-provider once the cache rolls over.
func (h *PricingHandler) DeactivatePricing(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	if modelID == "" {
		h.sendError(w, http.StatusBadRequest, "model_id is required")
		return
	}

	var row models.ModelPricing
	if err := h.db.WithContext(r.Context()).
		Where("model_id = ?", modelID).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Pricing not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch pricing")
		return
	}

	if err := h.db.WithContext(r.Context()).Model(&row).Update("active", false).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to deactivate pricing")
		return
	}
	h.pricing.Invalidate()

	h.sendJSON(w, http.StatusOK, map[string]string{"message": "Pricing deactivated"})
}
