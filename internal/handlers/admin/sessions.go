package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/services/session"
)

type SessionHandler struct {
	baseHandler
	store   *session.GormStore
	tracker *session.Tracker
}

func NewSessionHandler(logger *zap.Logger, store *session.GormStore, tracker *session.Tracker) *SessionHandler {
	return &SessionHandler{
		baseHandler: baseHandler{logger: logger},
		store:       store,
		tracker:     tracker,
	}
}

// ListSessions returns a tenant's sessions, most recently active first.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	rows, err := h.store.ListByTenant(r.Context(), tenantID, limit, (page-1)*limit)
	if err != nil {
		h.logger.Error("session list failed", zap.Uint("tenant_id", tenantID), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": rows,
		"page":     page,
		"limit":    limit,
	})
}

// GetSession returns one session. The path carries the client-facing
// session id; the stored sid is namespaced by tenant.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	sid := session.NamespacedSID(tenantID, chi.URLParam(r, "sessionID"))

	row, err := h.store.BySID(r.Context(), sid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Session not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "Failed to fetch session")
		return
	}

	h.sendJSON(w, http.StatusOK, row)
}

// ResetSession reactivates a blocked session with a zeroed counter.
func (h *SessionHandler) ResetSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	sid := session.NamespacedSID(tenantID, chi.URLParam(r, "sessionID"))

	if err := h.tracker.Reset(r.Context(), sid); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "Session not found")
			return
		}
		h.logger.Error("session reset failed", zap.String("sid", sid), zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to reset session")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]string{"message": "Session reset"})
}

func (h *SessionHandler) tenantParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "tenantID"), 10, 32)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid tenant ID")
		return 0, false
	}
	return uint(id), true
}
