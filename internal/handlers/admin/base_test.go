package admin

import (
	"context"
	"net/http"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
)

// withParams injects chi URL params the way the router would.
func withParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func idParam(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func seedTenant(t *testing.T, db *gorm.DB, name string) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{Name: name, Active: true}
	require.NoError(t, db.Create(tenant).Error)
	return tenant
}

func seedTag(t *testing.T, db *gorm.DB, tenantID uint, name string) *models.Tag {
	t.Helper()
	tag := &models.Tag{TenantID: tenantID, Name: name, Path: name, Active: true}
	require.NoError(t, db.Create(tag).Error)
	return tag
}
