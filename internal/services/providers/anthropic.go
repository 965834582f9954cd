package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// The Messages API requires max_tokens; OpenAI callers often omit it.
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider translates OpenAI chat requests to the Messages API
// and the replies back.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewAnthropicProvider(apiKey, baseURL string, timeout time.Duration, logger *zap.Logger) *AnthropicProvider {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req *Request) (*Response, error) {
	creq, err := parseChatRequest(req.Body)
	if err != nil {
		return nil, err
	}

	jsonData, err := json.Marshal(p.translateRequest(creq))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.key(req))
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call anthropic: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read anthropic response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &Response{
			StatusCode: resp.StatusCode,
			Body:       ensureErrorEnvelope(body),
			Model:      req.Model,
		}, nil
	}

	translated, model, err := p.translateResponse(body, req.Model)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Body: translated, Model: model}, nil
}

// Responses has no Messages API equivalent.
func (p *AnthropicProvider) Responses(ctx context.Context, req *Request) (*Response, error) {
	return &Response{
		StatusCode: http.StatusBadRequest,
		Body:       ErrorBody("the responses API is not supported for anthropic models", "invalid_request_error"),
		Model:      req.Model,
	}, nil
}

func (p *AnthropicProvider) translateRequest(creq *chatRequest) *anthropicRequest {
	out := &anthropicRequest{
		Model:         creq.Model,
		MaxTokens:     anthropicDefaultMaxTokens,
		Temperature:   creq.Temperature,
		TopP:          creq.TopP,
		StopSequences: stopSequences(creq.Stop),
	}
	if creq.MaxTokens != nil {
		out.MaxTokens = *creq.MaxTokens
	}

	var system []string
	for i := range creq.Messages {
		msg := &creq.Messages[i]
		if msg.Role == "system" {
			system = append(system, msg.Text())
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Text(),
		})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func (p *AnthropicProvider) translateResponse(body []byte, requestModel string) ([]byte, string, error) {
	var aresp anthropicResponse
	if err := json.Unmarshal(body, &aresp); err != nil {
		return nil, "", fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	var text strings.Builder
	for _, c := range aresp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	model := aresp.Model
	if model == "" {
		model = requestModel
	}

	out := openaiResponse{
		ID:      GenerateID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openaiChoice{
			{
				Index: 0,
				Message: openaiMessage{
					Role:    "assistant",
					Content: text.String(),
				},
				FinishReason: mapAnthropicStopReason(aresp.StopReason),
			},
		},
		Usage: openaiUsage{
			PromptTokens:     aresp.Usage.InputTokens,
			CompletionTokens: aresp.Usage.OutputTokens,
			TotalTokens:      aresp.Usage.InputTokens + aresp.Usage.OutputTokens,
		},
	}

	translated, err := json.Marshal(out)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal translated response: %w", err)
	}
	return translated, model, nil
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	health := Health{LastChecked: start}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/v1/models", nil)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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

func (p *AnthropicProvider) key(req *Request) string {
	if req.OverrideKey != "" {
		return req.OverrideKey
	}
	return p.apiKey
}
