package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/tollgate/tollgate/internal/services/pricing"
	"github.com/tollgate/tollgate/internal/services/providers"
	"github.com/tollgate/tollgate/internal/testutil"
)

func emptyRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return providers.NewRegistry(providers.Config{}, pricing.NewService(&fakeRateCard{}, logger), logger)
}

func TestHealth_NoDatabase(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	h := NewHealthHandler(zaptest.NewLogger(t), nil, client, emptyRegistry(t))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := w.Body.String()
	assert.False(t, gjson.Get(body, "ok").Bool())
	assert.Equal(t, "not configured", gjson.Get(body, "dependencies.database.error").String())
	assert.True(t, gjson.Get(body, "dependencies.redis.ok").Bool())

	// No credentials configured: each provider reports why.
	for _, name := range []string{"openai", "anthropic", "google"} {
		got := gjson.Get(body, "dependencies.providers.healthy."+name)
		assert.False(t, got.Get("healthy").Bool())
		assert.Equal(t, "no API key configured", got.Get("error").String())
	}
}

func TestReady_NoDatabase(t *testing.T) {
	h := NewHealthHandler(zaptest.NewLogger(t), nil, nil, emptyRegistry(t))

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	h.Ready(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not ready", gjson.Get(w.Body.String(), "status").String())
}

func TestHealth_DatabaseBacked(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)

	t.Run("Reports Healthy", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer func() { _ = client.Close() }()

		h := NewHealthHandler(logger, db, client, emptyRegistry(t))
		w := httptest.NewRecorder()
		h.Health(w, httptest.NewRequest("GET", "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, gjson.Get(w.Body.String(), "ok").Bool())
	})

	t.Run("Tolerates Redis Loss", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer func() { _ = client.Close() }()
		mr.Close()

		h := NewHealthHandler(logger, db, client, emptyRegistry(t))
		w := httptest.NewRecorder()
		h.Health(w, httptest.NewRequest("GET", "/health", nil))

		// Degraded, not down: only the database gates overall health.
		assert.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.True(t, gjson.Get(body, "ok").Bool())
		assert.False(t, gjson.Get(body, "dependencies.redis.ok").Bool())
	})

	t.Run("Ready", func(t *testing.T) {
		h := NewHealthHandler(logger, db, nil, emptyRegistry(t))
		w := httptest.NewRecorder()
		h.Ready(w, httptest.NewRequest("GET", "/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ready", gjson.Get(w.Body.String(), "status").String())
	})
}
