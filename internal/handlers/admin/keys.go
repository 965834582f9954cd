package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/models"
)

type KeyHandler struct {
	baseHandler
	db     *gorm.DB
	auth   *auth.Service
	keyGen *auth.KeyGenerator
}

func NewKeyHandler(logger *zap.Logger, db *gorm.DB, authSvc *auth.Service) *KeyHandler {
	return &KeyHandler{
		baseHandler: baseHandler{logger: logger},
		db:          db,
		auth:        authSvc,
		keyGen:      auth.NewKeyGenerator(),
	}
}

type CreateKeyRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type KeyResponse struct {
	models.APIKey
	PlaintextKey string `json:"plaintext_key,omitempty"` // Only returned on creation
}

// CreateKey mints a key for a tenant. The plaintext is in the response
// exactly once; only the bcrypt hash and lookup prefix are stored.
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseUint(chi.URLParam(r, "tenantID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid tenant ID")
		return
	}

	var tenant models.Tenant
	if err := h.db.WithContext(r.Context()).First(&tenant, uint(tenantID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Tenant not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch tenant")
		return
	}

	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		h.sendError(w, http.StatusBadRequest, "Name is required")
		return
	}

	plaintext, hash, err := h.keyGen.Generate()
	if err != nil {
		h.logger.Error("key generation failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to generate key")
		return
	}

	row := models.APIKey{
		TenantID:  tenant.ID,
		Name:      req.Name,
		KeyPrefix: auth.LookupPrefix(plaintext),
		KeyHash:   hash,
		Active:    true,
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.db.WithContext(r.Context()).Create(&row).Error; err != nil {
		h.logger.Error("key create failed", zap.Uint("tenant_id", tenant.ID), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to create key")
		return
	}

	h.sendJSON(w, http.StatusCreated, KeyResponse{
		APIKey:       row,
		PlaintextKey: plaintext,
	})
}

// ListKeys returns a tenant's keys, newest first.
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseUint(chi.URLParam(r, "tenantID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid tenant ID")
		return
	}

	var keys []models.APIKey
	if err := h.db.WithContext(r.Context()).
		Where("tenant_id = ?", uint(tenantID)).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"total": len(keys),
	})
}

// DeleteKey deactivates a key and drops its cached verification, so the
// revocation takes effect on the next request.
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := strconv.ParseUint(chi.URLParam(r, "keyID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	var key models.APIKey
	if err := h.db.WithContext(r.Context()).First(&key, uint(keyID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Key not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch key")
		return
	}

	if err := h.db.WithContext(r.Context()).Model(&key).Update("active", false).Error; err != nil {
		h.logger.Error("key deactivate failed", zap.Uint("key_id", key.ID), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to deactivate key")
		return
	}
	h.auth.Invalidate(key.KeyPrefix)

	h.sendJSON(w, http.StatusOK, map[string]string{"message": "Key deactivated"})
}
