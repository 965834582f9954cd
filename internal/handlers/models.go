package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/services/pricing"
)

type ModelsHandler struct {
	logger  *zap.Logger
	pricing *pricing.Service
}

func NewModelsHandler(logger *zap.Logger, pricingSvc *pricing.Service) *ModelsHandler {
	return &ModelsHandler{logger: logger, pricing: pricingSvc}
}

// ModelObject is the OpenAI list entry for one priced model.
type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListModels answers GET /v1/models with every model that has an
// active price row, in the OpenAI list shape.
func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	ids, err := h.pricing.ModelIDs(r.Context())
	if err != nil {
		h.logger.Error("model listing failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	data := make([]ModelObject, 0, len(ids))
	for _, id := range ids {
		owned := "system"
		if name, err := h.pricing.ProviderFor(r.Context(), id); err == nil {
			owned = string(name)
		}
		data = append(data, ModelObject{ID: id, Object: "model", OwnedBy: owned})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}
