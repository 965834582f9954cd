// Package policy is the pluggable allow/deny hook that runs after budget
// evaluation and before dispatch. Engines answer with a decision, never
// an admission error: an engine failure means the gateway cannot reach
// its decision point, and the request proceeds.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Input is the request summary an engine decides on.
type Input struct {
	TenantID    uint               `json:"tenant_id"`
	TenantName  string             `json:"tenant"`
	Route       string             `json:"route"`
	Model       string             `json:"model"`
	HourOfDay   int                `json:"hour_of_day"`
	Tags        []string           `json:"tags,omitempty"`
	PeriodSpend map[string]float64 `json:"period_spend,omitempty"`
}

// Decision is an engine's verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

type Engine interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// Static allows everything. The default when no engine is configured.
type Static struct{}

func (Static) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Allow: true}, nil
}

const defaultWebhookTimeout = 3 * time.Second

// Webhook POSTs the input to an external decision point and reads
// {"allow": bool, "reason": string} back.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewWebhook(url string, timeout time.Duration, logger *zap.Logger) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (w *Webhook) Evaluate(ctx context.Context, in Input) (Decision, error) {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal policy input: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to create policy request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to call policy endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("policy endpoint returned status %d", resp.StatusCode)
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("failed to decode policy decision: %w", err)
	}
	return decision, nil
}
