// Package admin serves the management surface: tenants, keys, tags,
// budgets, pricing, sessions and usage queries. Every route is guarded
// by the admin key middleware; none of these handlers run admission.
package admin

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type baseHandler struct {
	logger *zap.Logger
}

func (h *baseHandler) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *baseHandler) sendError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, map[string]string{
		"error": message,
	})
}
