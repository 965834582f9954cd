package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/middleware"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/admission"
	"github.com/tollgate/tollgate/internal/services/budget"
	"github.com/tollgate/tollgate/internal/services/ledger"
	"github.com/tollgate/tollgate/internal/services/pricing"
	"github.com/tollgate/tollgate/internal/services/providers"
	"github.com/tollgate/tollgate/internal/services/tags"
)

// ProxyHandler serves the OpenAI-shaped proxy surface. Every request
// passes the admission gate before dispatch, and the ledger hook runs
// after the response bytes are already on the wire.
type ProxyHandler struct {
	logger   *zap.Logger
	pipeline *admission.Pipeline
	registry *providers.Registry
	recorder *ledger.Recorder
	pricing  *pricing.Service
}

func NewProxyHandler(logger *zap.Logger, pipeline *admission.Pipeline, registry *providers.Registry, recorder *ledger.Recorder, pricingSvc *pricing.Service) *ProxyHandler {
	return &ProxyHandler{
		logger:   logger,
		pipeline: pipeline,
		registry: registry,
		recorder: recorder,
		pricing:  pricingSvc,
	}
}

// ChatCompletions proxies POST /v1/chat/completions to the model's
// provider after admission.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, providers.RouteChat)
}

// Responses proxies POST /v1/responses under the same admission
// contract as chat completions.
func (h *ProxyHandler) Responses(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, providers.RouteResponses)
}

func (h *ProxyHandler) proxy(w http.ResponseWriter, r *http.Request, route providers.Route) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if gjson.GetBytes(body, "stream").Bool() {
		writeError(w, http.StatusBadRequest, "Streaming is not supported")
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(w, http.StatusBadRequest, "Model is required")
		return
	}

	adm, err := h.pipeline.Admit(r.Context(), &admission.Input{
		Tenant:      identity.Tenant,
		Route:       string(route),
		Model:       model,
		TagHeader:   r.Header.Get("X-Budget-Tags"),
		SessionID:   r.Header.Get("X-Session-Id"),
		SessionName: r.Header.Get("X-Session-Name"),
		SessionPath: r.Header.Get("X-Session-Path"),
	})
	if err != nil {
		h.refuse(w, identity.Tenant, err)
		return
	}

	start := time.Now()
	resp, err := h.registry.Dispatch(r.Context(), route, &providers.Request{
		Model:       model,
		Body:        body,
		OverrideKey: h.overrideKey(r, model),
	})
	if err != nil {
		h.dispatchError(w, model, time.Since(start), err)
		return
	}
	middleware.RecordUpstream(resp.Provider, model, resp.StatusCode, time.Since(start))

	// Upstream verdicts, success or error, are mirrored verbatim.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Warn("response write failed", zap.Error(err))
	}

	h.recorder.Record(&ledger.Entry{
		Tenant:   identity.Tenant,
		Route:    string(route),
		Request:  body,
		Response: resp,
		Tags:     adm.Tags,
		Session:  adm.Session,
	})
}

// overrideKey picks the per-request credential header for whichever
// provider will serve the model. Unresolvable models fall through with
// an empty override; Dispatch owns that refusal.
func (h *ProxyHandler) overrideKey(r *http.Request, model string) string {
	name, err := h.pricing.ProviderFor(r.Context(), model)
	if err != nil {
		return ""
	}
	switch name {
	case models.ProviderOpenAI:
		return r.Header.Get("X-OpenAI-Key")
	case models.ProviderAnthropic:
		return r.Header.Get("X-Anthropic-Key")
	case models.ProviderGoogle:
		return r.Header.Get("X-Google-API-Key")
	}
	return ""
}

// refuse maps an admission error to its HTTP verdict. Typed refusals
// are client errors; anything untyped means admission state could not
// be established and the request fails closed.
func (h *ProxyHandler) refuse(w http.ResponseWriter, tenant *models.Tenant, err error) {
	var (
		tagErr    *tags.ValidationError
		tenantErr *budget.ExceededError
		tagBudget *budget.TagExceededError
		policyErr *admission.PolicyDeniedError
	)
	switch {
	case errors.As(err, &tagErr):
		middleware.RecordRefusal("unknown_tags")
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Unknown tags",
			"missing": tagErr.Missing,
		})
	case errors.As(err, &tenantErr):
		middleware.RecordRefusal("tenant_budget")
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":  "Budget exceeded",
			"period": string(tenantErr.Period),
		})
	case errors.As(err, &tagBudget):
		middleware.RecordRefusal("tag_budget")
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":  "Tag budget exceeded",
			"tag":    tagBudget.TagName,
			"period": string(tagBudget.Period),
		})
	case errors.Is(err, admission.ErrSessionBudgetExceeded):
		middleware.RecordRefusal("session_budget")
		writeError(w, http.StatusPaymentRequired, "Session budget exceeded")
	case errors.As(err, &policyErr):
		middleware.RecordRefusal("policy")
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":  "Request blocked by policy",
			"reason": policyErr.Reason,
		})
	default:
		h.logger.Error("admission failed",
			zap.String("tenant", tenant.Name),
			zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
	}
}

func (h *ProxyHandler) dispatchError(w http.ResponseWriter, model string, elapsed time.Duration, err error) {
	var (
		noProvider *providers.NoProviderError
		upstream   *providers.UpstreamError
	)
	switch {
	case errors.As(err, &noProvider):
		middleware.RecordRefusal("no_provider")
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "No provider for model",
			"model": noProvider.Model,
		})
	case errors.As(err, &upstream):
		middleware.RecordUpstream(upstream.Provider, model, upstream.StatusCode, elapsed)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upstream.StatusCode)
		_, _ = w.Write(upstream.Body)
	default:
		h.logger.Error("dispatch failed",
			zap.String("model", model),
			zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
	}
}
