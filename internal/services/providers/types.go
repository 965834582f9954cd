// Package providers dispatches admitted requests to upstream LLM APIs.
// The gateway's inbound surface is OpenAI-shaped; anthropic and google
// requests are translated on the way out and their responses translated
// back, so callers and the ledger only ever see one wire format.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Route is an inbound proxy route.
type Route string

const (
	RouteChat      Route = "/v1/chat/completions"
	RouteResponses Route = "/v1/responses"
)

// Request is one dispatch: the parsed model, the raw client body, and an
// optional per-request key that overrides the configured credential.
type Request struct {
	Model       string
	Body        []byte
	OverrideKey string
}

// Response carries the upstream verdict back through the pipeline. Body
// is OpenAI-shaped regardless of provider; Model is the effective model
// for pricing, which may differ from the requested one (tier suffixes).
// Provider is stamped by the registry for metrics labels.
type Response struct {
	StatusCode int
	Body       []byte
	Model      string
	Provider   string
}

// Health is one provider's probe result.
type Health struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	LastChecked  time.Time     `json:"last_checked"`
}

type Provider interface {
	Name() string
	ChatCompletion(ctx context.Context, req *Request) (*Response, error)
	Responses(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) Health
}

// NoProviderError means no provider can serve the model: the model is
// unpriced, unrecognized, or its provider has no credential.
type NoProviderError struct {
	Model string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider for model %s", e.Model)
}

// UpstreamError stands in for an upstream reply the gateway never got:
// an open breaker or a transport failure. Its status and body are
// mirrored to the client like a real upstream error.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider %s failed with status %d", e.Provider, e.StatusCode)
}

// chatRequest is the minimal parse of an OpenAI chat body that the
// translators need. Fields the upstream format has no equivalent for do
// not survive translation.
type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// Text flattens message content to plain text: string content comes back
// as-is, multi-part arrays concatenate their text parts.
func (m *chatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var b strings.Builder
	gjson.ParseBytes(m.Content).ForEach(func(_, part gjson.Result) bool {
		b.WriteString(part.Get("text").String())
		return true
	})
	return b.String()
}

func parseChatRequest(body []byte) (*chatRequest, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse chat request: %w", err)
	}
	return &req, nil
}

// stopSequences accepts the OpenAI stop field in both of its shapes.
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// OpenAI chat completion response shape, for translated replies.

type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorBody builds an OpenAI-shaped error envelope.
func ErrorBody(message, errType string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
	return b
}

// ensureErrorEnvelope passes upstream error bodies through when they
// already carry a top-level error object (anthropic and google both do)
// and wraps anything else so clients always get the same shape.
func ensureErrorEnvelope(body []byte) []byte {
	if gjson.GetBytes(body, "error").Exists() {
		return body
	}
	return ErrorBody(strings.TrimSpace(string(body)), "upstream_error")
}

// GenerateID mints a response id for translated replies.
func GenerateID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
