package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider is a passthrough: the inbound wire format already is
// OpenAI's, so bodies move untouched in both directions.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewOpenAIProvider(apiKey, baseURL string, timeout time.Duration, logger *zap.Logger) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req *Request) (*Response, error) {
	return p.post(ctx, "/chat/completions", req)
}

func (p *OpenAIProvider) Responses(ctx context.Context, req *Request) (*Response, error) {
	return p.post(ctx, "/responses", req)
}

func (p *OpenAIProvider) post(ctx context.Context, path string, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.key(req))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call openai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read openai response: %w", err)
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = req.Model
	}
	return &Response{StatusCode: resp.StatusCode, Body: body, Model: model}, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	health := Health{LastChecked: start}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/models", nil)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	health.ResponseTime = time.Since(start)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		health.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return health
	}
	health.Healthy = true
	return health
}

func (p *OpenAIProvider) key(req *Request) string {
	if req.OverrideKey != "" {
		return req.OverrideKey
	}
	return p.apiKey
}
