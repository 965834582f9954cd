package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/session"
	"github.com/tollgate/tollgate/internal/testutil"
)

func newSessionHandler(t *testing.T, db *gorm.DB) (*SessionHandler, *session.GormStore, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()

	store := session.NewGormStore(db)
	tracker := session.NewTracker(store, redissvc.NewSessionCache(client, logger, time.Hour), logger)
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return NewSessionHandler(logger, store, tracker), store, cleanup
}

func seedSession(t *testing.T, store *session.GormStore, tenantID uint, rawSID string, lastActive time.Time) *models.Session {
	t.Helper()
	row := &models.Session{
		SID:          session.NamespacedSID(tenantID, rawSID),
		TenantID:     tenantID,
		Status:       models.SessionActive,
		LastActiveAt: lastActive,
	}
	require.NoError(t, store.Create(context.Background(), row))
	return row
}

func TestSessionHandler_ListSessions(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	handler, store, hcleanup := newSessionHandler(t, db)
	defer hcleanup()
	tenant := seedTenant(t, db, "acme")

	now := time.Now()
	seedSession(t, store, tenant.ID, "old", now.Add(-2*time.Hour))
	seedSession(t, store, tenant.ID, "recent", now)
	seedSession(t, store, tenant.ID, "middle", now.Add(-1*time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants/1/sessions", nil)
	req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID)})
	w := httptest.NewRecorder()
	handler.ListSessions(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Sessions []models.Session `json:"sessions"`
		Page     int              `json:"page"`
		Limit    int              `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Sessions, 3)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 20, resp.Limit)

	// Most recently active first.
	assert.Equal(t, session.NamespacedSID(tenant.ID, "recent"), resp.Sessions[0].SID)
	assert.Equal(t, session.NamespacedSID(tenant.ID, "old"), resp.Sessions[2].SID)
}

func TestSessionHandler_GetSession(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	handler, store, hcleanup := newSessionHandler(t, db)
	defer hcleanup()
	tenant := seedTenant(t, db, "acme")
	seedSession(t, store, tenant.ID, "job-1", time.Now())

	t.Run("Resolves Client Facing ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants/1/sessions/job-1", nil)
		req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID), "sessionID": "job-1"})
		w := httptest.NewRecorder()
		handler.GetSession(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var got models.Session
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, session.NamespacedSID(tenant.ID, "job-1"), got.SID)
		assert.Equal(t, tenant.ID, got.TenantID)
	})

	t.Run("Unknown Session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants/1/sessions/nope", nil)
		req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID), "sessionID": "nope"})
		w := httptest.NewRecorder()
		handler.GetSession(w, req)

		require.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"Session not found"}`, w.Body.String())
	})
}

func TestSessionHandler_ResetSession(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	handler, store, hcleanup := newSessionHandler(t, db)
	defer hcleanup()
	tenant := seedTenant(t, db, "acme")

	blocked := seedSession(t, store, tenant.ID, "job-1", time.Now())
	require.NoError(t, db.Model(blocked).Updates(map[string]interface{}{
		"status":           models.SessionBudgetExceeded,
		"current_cost_usd": decimal.NewFromFloat(4.2),
	}).Error)

	t.Run("Reactivates With Zeroed Cost", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/tenants/1/sessions/job-1/reset", nil)
		req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID), "sessionID": "job-1"})
		w := httptest.NewRecorder()
		handler.ResetSession(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"message":"Session reset"}`, w.Body.String())

		var stored models.Session
		require.NoError(t, db.First(&stored, blocked.ID).Error)
		assert.Equal(t, models.SessionActive, stored.Status)
		assert.True(t, stored.CurrentCostUSD.IsZero())
	})

	t.Run("Unknown Session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/tenants/1/sessions/nope/reset", nil)
		req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID), "sessionID": "nope"})
		w := httptest.NewRecorder()
		handler.ResetSession(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
