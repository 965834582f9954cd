package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/pricing"
)

func priceRow(id string, provider models.ProviderName) models.ModelPricing {
	return models.ModelPricing{
		ModelID:       id,
		Provider:      provider,
		InputPerMTok:  decimal.NewFromInt(1),
		OutputPerMTok: decimal.NewFromInt(2),
		Active:        true,
	}
}

func TestListModels(t *testing.T) {
	logger := zaptest.NewLogger(t)
	svc := pricing.NewService(&fakeRateCard{rows: []models.ModelPricing{
		priceRow("gpt-4o", models.ProviderOpenAI),
		priceRow("claude-sonnet-4-5", models.ProviderAnthropic),
		priceRow("gemini-2.5-pro-low", models.ProviderGoogle),
		priceRow("gemini-2.5-pro-high", models.ProviderGoogle),
	}}, logger)
	h := NewModelsHandler(logger, svc)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	h.ListModels(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())

	// Tier variants collapse to their base model; the list is sorted.
	data := gjson.Get(body, "data").Array()
	require.Len(t, data, 3)
	assert.Equal(t, "claude-sonnet-4-5", data[0].Get("id").String())
	assert.Equal(t, "anthropic", data[0].Get("owned_by").String())
	assert.Equal(t, "gemini-2.5-pro", data[1].Get("id").String())
	assert.Equal(t, "google", data[1].Get("owned_by").String())
	assert.Equal(t, "gpt-4o", data[2].Get("id").String())
	assert.Equal(t, "openai", data[2].Get("owned_by").String())
	for _, entry := range data {
		assert.Equal(t, "model", entry.Get("object").String())
	}
}

func TestListModels_StoreFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	svc := pricing.NewService(&fakeRateCard{err: errors.New("database down")}, logger)
	h := NewModelsHandler(logger, svc)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	h.ListModels(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"Service unavailable"}`, w.Body.String())
}
