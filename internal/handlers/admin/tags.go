package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/services/tags"
)

type TagHandler struct {
	baseHandler
	svc *tags.Service
}

func NewTagHandler(logger *zap.Logger, svc *tags.Service) *TagHandler {
	return &TagHandler{
		baseHandler: baseHandler{logger: logger},
		svc:         svc,
	}
}

type CreateTagRequest struct {
	Name             string           `json:"name"`
	ParentID         *uint            `json:"parent_id,omitempty"`
	SessionBudgetUSD *decimal.Decimal `json:"session_budget_usd,omitempty"`
}

// CreateTag creates a tag under a tenant, optionally as a child of an
// existing tag.
func (h *TagHandler) CreateTag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}

	var req CreateTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tag, err := h.svc.Create(r.Context(), tenantID, tags.CreateParams{
		Name:             req.Name,
		ParentID:         req.ParentID,
		SessionBudgetUSD: req.SessionBudgetUSD,
	})
	if err != nil {
		switch {
		case errors.Is(err, tags.ErrDuplicateTag):
			h.sendError(w, http.StatusConflict, "Tag name already exists")
		case errors.Is(err, tags.ErrTagNotFound):
			h.sendError(w, http.StatusNotFound, "Parent tag not found")
		default:
			h.sendError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	h.sendJSON(w, http.StatusCreated, tag)
}

// ListTags returns the tenant's tags in depth-first path order.
func (h *TagHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}

	rows, err := h.svc.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("tag list failed", zap.Uint("tenant_id", tenantID), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to list tags")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tags":  rows,
		"total": len(rows),
	})
}

// GetTag returns one tag scoped to the tenant.
func (h *TagHandler) GetTag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	tagID, ok := h.tagParam(w, r)
	if !ok {
		return
	}

	tag, err := h.svc.Get(r.Context(), tenantID, tagID)
	if err != nil {
		if errors.Is(err, tags.ErrTagNotFound) {
			h.sendError(w, http.StatusNotFound, "Tag not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch tag")
		return
	}

	h.sendJSON(w, http.StatusOK, tag)
}

type MoveTagRequest struct {
	ParentID *uint `json:"parent_id"`
}

// MoveTag reparents a tag and its subtree. A null parent_id moves the
// tag to the root.
func (h *TagHandler) MoveTag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	tagID, ok := h.tagParam(w, r)
	if !ok {
		return
	}

	var req MoveTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tag, err := h.svc.SetParent(r.Context(), tenantID, tagID, req.ParentID)
	if err != nil {
		switch {
		case errors.Is(err, tags.ErrTagNotFound):
			h.sendError(w, http.StatusNotFound, "Tag not found")
		case errors.Is(err, tags.ErrTagCycle):
			h.sendError(w, http.StatusBadRequest, "Tag cannot be moved under its own subtree")
		default:
			h.logger.Error("tag move failed", zap.Uint("tag_id", tagID), zap.Error(err))
			h.sendError(w, http.StatusInternalServerError, "Failed to move tag")
		}
		return
	}

	h.sendJSON(w, http.StatusOK, tag)
}

// DeleteTag removes a leaf tag.
func (h *TagHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	tagID, ok := h.tagParam(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), tenantID, tagID); err != nil {
		switch {
		case errors.Is(err, tags.ErrTagNotFound):
			h.sendError(w, http.StatusNotFound, "Tag not found")
		case errors.Is(err, tags.ErrTagHasChildren):
			h.sendError(w, http.StatusConflict, "Tag has children")
		default:
			h.logger.Error("tag delete failed", zap.Uint("tag_id", tagID), zap.Error(err))
			h.sendError(w, http.StatusInternalServerError, "Failed to delete tag")
		}
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]string{"message": "Tag deleted"})
}

func (h *TagHandler) tenantParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "tenantID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid tenant ID")
		return 0, false
	}
	return uint(id), true
}

func (h *TagHandler) tagParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "tagID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid tag ID")
		return 0, false
	}
	return uint(id), true
}
