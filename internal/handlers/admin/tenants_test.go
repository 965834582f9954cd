package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/testutil"
)

func TestTenantHandler_CreateTenant(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	handler := NewTenantHandler(zap.NewNop(), db)

	t.Run("Creates Tenant", func(t *testing.T) {
		body := `{"name":"acme","rate_limit_per_min":120,"default_session_budget_usd":"5.00"}`
		req := httptest.NewRequest(http.MethodPost, "/api/admin/tenants", strings.NewReader(body))
		w := httptest.NewRecorder()
		handler.CreateTenant(w, req)

		require.Equal(t, http.StatusCreated, w.Code)
		var created models.Tenant
		require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
		assert.Equal(t, "acme", created.Name)
		assert.True(t, created.Active)
		require.NotNil(t, created.RateLimitPerMin)
		assert.Equal(t, 120, *created.RateLimitPerMin)

		var stored models.Tenant
		require.NoError(t, db.First(&stored, created.ID).Error)
		assert.Equal(t, "acme", stored.Name)
		require.NotNil(t, stored.DefaultSessionBudgetUSD)
		assert.Equal(t, "5", stored.DefaultSessionBudgetUSD.String())
	})

	t.Run("Duplicate Name Conflicts", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/tenants", strings.NewReader(`{"name":"acme"}`))
		w := httptest.NewRecorder()
		handler.CreateTenant(w, req)

		require.Equal(t, http.StatusConflict, w.Code)
		assert.JSONEq(t, `{"error":"Tenant name already exists"}`, w.Body.String())
	})

	t.Run("Rejects Invalid Names", func(t *testing.T) {
		for _, name := range []string{"", "Acme", "has space", "-leading", "trail/"} {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/tenants",
				strings.NewReader(`{"name":`+strconv.Quote(name)+`}`))
			w := httptest.NewRecorder()
			handler.CreateTenant(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code, "name %q", name)
		}
	})

	t.Run("Rejects Negative Rate Limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/tenants",
			strings.NewReader(`{"name":"neg","rate_limit_per_min":-1}`))
		w := httptest.NewRecorder()
		handler.CreateTenant(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"Rate limit must not be negative"}`, w.Body.String())
	})

	t.Run("Malformed Body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/tenants", strings.NewReader(`{not json`))
		w := httptest.NewRecorder()
		handler.CreateTenant(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTenantHandler_ListTenants(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	handler := NewTenantHandler(zap.NewNop(), db)

	seedTenant(t, db, "alpha")
	seedTenant(t, db, "beta")
	inactive := seedTenant(t, db, "gamma")
	require.NoError(t, db.Model(inactive).Update("active", false).Error)

	type listResponse struct {
		Tenants    []models.Tenant `json:"tenants"`
		Pagination struct {
			Page  int   `json:"page"`
			Limit int   `json:"limit"`
			Total int64 `json:"total"`
			Pages int64 `json:"pages"`
		} `json:"pagination"`
	}

	t.Run("Lists With Pagination", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants", nil)
		w := httptest.NewRecorder()
		handler.ListTenants(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp listResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Len(t, resp.Tenants, 3)
		assert.Equal(t, int64(3), resp.Pagination.Total)
		assert.Equal(t, 1, resp.Pagination.Page)
		assert.Equal(t, 20, resp.Pagination.Limit)
		assert.Equal(t, int64(1), resp.Pagination.Pages)
	})

	t.Run("Filters By Active", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants?active=true", nil)
		w := httptest.NewRecorder()
		handler.ListTenants(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp listResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Len(t, resp.Tenants, 2)
		assert.Equal(t, int64(2), resp.Pagination.Total)
		for _, tenant := range resp.Tenants {
			assert.True(t, tenant.Active)
		}
	})

	t.Run("Respects Page Size", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants?limit=2&page=2", nil)
		w := httptest.NewRecorder()
		handler.ListTenants(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp listResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Len(t, resp.Tenants, 1)
		assert.Equal(t, 2, resp.Pagination.Page)
		assert.Equal(t, int64(2), resp.Pagination.Pages)
	})
}

func TestTenantHandler_GetTenant(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	handler := NewTenantHandler(zap.NewNop(), db)
	tenant := seedTenant(t, db, "acme")

	t.Run("Returns Tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants/"+idParam(tenant.ID), nil)
		req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID)})
		w := httptest.NewRecorder()
		handler.GetTenant(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var got models.Tenant
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, "acme", got.Name)
	})

	t.Run("Unknown Tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants/999", nil)
		req = withParams(req, map[string]string{"tenantID": "999"})
		w := httptest.NewRecorder()
		handler.GetTenant(w, req)

		require.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"Tenant not found"}`, w.Body.String())
	})

	t.Run("Invalid Tenant ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/tenants/abc", nil)
		req = withParams(req, map[string]string{"tenantID": "abc"})
		w := httptest.NewRecorder()
		handler.GetTenant(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTenantHandler_UpdateTenant(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	handler := NewTenantHandler(zap.NewNop(), db)
	tenant := seedTenant(t, db, "acme")

	t.Run("Updates Fields", func(t *testing.T) {
		body := `{"rate_limit_per_min":30,"active":false}`
		req := httptest.NewRequest(http.MethodPut, "/api/admin/tenants/"+idParam(tenant.ID), strings.NewReader(body))
		req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID)})
		w := httptest.NewRecorder()
		handler.UpdateTenant(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var stored models.Tenant
		require.NoError(t, db.First(&stored, tenant.ID).Error)
		require.NotNil(t, stored.RateLimitPerMin)
		assert.Equal(t, 30, *stored.RateLimitPerMin)
		assert.False(t, stored.Active)
	})

	t.Run("Ignores Name Changes", func(t *testing.T) {
		body := `{"name":"renamed","active":true}`
		req := httptest.NewRequest(http.MethodPut, "/api/admin/tenants/"+idParam(tenant.ID), strings.NewReader(body))
		req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID)})
		w := httptest.NewRecorder()
		handler.UpdateTenant(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var stored models.Tenant
		require.NoError(t, db.First(&stored, tenant.ID).Error)
		assert.Equal(t, "acme", stored.Name)
		assert.True(t, stored.Active)
	})

	t.Run("Rejects Negative Rate Limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/admin/tenants/"+idParam(tenant.ID),
			strings.NewReader(`{"rate_limit_per_min":-5}`))
		req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID)})
		w := httptest.NewRecorder()
		handler.UpdateTenant(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTenantHandler_DeleteTenant(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	handler := NewTenantHandler(zap.NewNop(), db)
	tenant := seedTenant(t, db, "acme")

	req := httptest.NewRequest(http.MethodDelete, "/api/admin/tenants/"+idParam(tenant.ID), nil)
	req = withParams(req, map[string]string{"tenantID": idParam(tenant.ID)})
	w := httptest.NewRecorder()
	handler.DeleteTenant(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Tenant deactivated"}`, w.Body.String())

	// The row survives for ledger history, only flipped inactive.
	var stored models.Tenant
	require.NoError(t, db.First(&stored, tenant.ID).Error)
	assert.False(t, stored.Active)
}
