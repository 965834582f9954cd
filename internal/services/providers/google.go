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

	"github.com/tollgate/tollgate/internal/models"
)

const (
	defaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// Above this total token count a tiered model bills at its -high rate.
	tierTokenThreshold = 200_000
)

// TierFunc reports whether the rate card prices a model in -low/-high
// variants, which decides whether responses get tier-suffixed.
type TierFunc func(ctx context.Context, baseModel string) bool

// GoogleProvider translates OpenAI chat requests to generateContent and
// the replies back. Tiered models come back with their effective pricing
// variant in the model field.
type GoogleProvider struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	logger   *zap.Logger
	hasTiers TierFunc
}

func NewGoogleProvider(apiKey, baseURL string, timeout time.Duration, hasTiers TierFunc, logger *zap.Logger) *GoogleProvider {
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}
	return &GoogleProvider{
		apiKey:   apiKey,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		hasTiers: hasTiers,
	}
}

func (p *GoogleProvider) Name() string { return "google" }

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type googleRequest struct {
	Contents          []googleContent  `json:"contents"`
	SystemInstruction *googleContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenConfig `json:"generationConfig,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *GoogleProvider) ChatCompletion(ctx context.Context, req *Request) (*Response, error) {
	creq, err := parseChatRequest(req.Body)
	if err != nil {
		return nil, err
	}

	jsonData, err := json.Marshal(p.translateRequest(creq))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal google request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, creq.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.key(req))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call google: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read google response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &Response{
			StatusCode: resp.StatusCode,
			Body:       ensureErrorEnvelope(body),
			Model:      req.Model,
		}, nil
	}

	translated, model, err := p.translateResponse(ctx, body, req.Model)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Body: translated, Model: model}, nil
}

// Responses has no generateContent equivalent.
func (p *GoogleProvider) Responses(ctx context.Context, req *Request) (*Response, error) {
	return &Response{
		StatusCode: http.StatusBadRequest,
		Body:       ErrorBody("the responses API is not supported for google models", "invalid_request_error"),
		Model:      req.Model,
	}, nil
}

func (p *GoogleProvider) translateRequest(creq *chatRequest) *googleRequest {
	out := &googleRequest{}

	var system []string
	for i := range creq.Messages {
		msg := &creq.Messages[i]
		switch msg.Role {
		case "system":
			system = append(system, msg.Text())
		case "assistant":
			out.Contents = append(out.Contents, googleContent{
				Role:  "model",
				Parts: []googlePart{{Text: msg.Text()}},
			})
		default:
			out.Contents = append(out.Contents, googleContent{
				Role:  "user",
				Parts: []googlePart{{Text: msg.Text()}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &googleContent{
			Parts: []googlePart{{Text: strings.Join(system, "\n\n")}},
		}
	}

	if creq.Temperature != nil || creq.TopP != nil || creq.MaxTokens != nil || len(creq.Stop) > 0 {
		out.GenerationConfig = &googleGenConfig{
			Temperature:     creq.Temperature,
			TopP:            creq.TopP,
			MaxOutputTokens: creq.MaxTokens,
			StopSequences:   stopSequences(creq.Stop),
		}
	}
	return out
}

func (p *GoogleProvider) translateResponse(ctx context.Context, body []byte, requestModel string) ([]byte, string, error) {
	var gresp googleResponse
	if err := json.Unmarshal(body, &gresp); err != nil {
		return nil, "", fmt.Errorf("failed to parse google response: %w", err)
	}

	var text strings.Builder
	finishReason := "stop"
	if len(gresp.Candidates) > 0 {
		for _, part := range gresp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
		finishReason = mapGoogleFinishReason(gresp.Candidates[0].FinishReason)
	}

	model := p.effectiveModel(ctx, requestModel, gresp.UsageMetadata.TotalTokenCount)

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
				FinishReason: finishReason,
			},
		},
		Usage: openaiUsage{
			PromptTokens:     gresp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gresp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gresp.UsageMetadata.TotalTokenCount,
		},
	}

	translated, err := json.Marshal(out)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal translated response: %w", err)
	}
	return translated, model, nil
}

// effectiveModel picks the pricing variant for tiered models based on
// how large the request turned out to be.
func (p *GoogleProvider) effectiveModel(ctx context.Context, requestModel string, totalTokens int) string {
	if p.hasTiers == nil || !p.hasTiers(ctx, requestModel) {
		return requestModel
	}
	if totalTokens > tierTokenThreshold {
		return requestModel + models.TierSuffixHigh
	}
	return requestModel + models.TierSuffixLow
}

func mapGoogleFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

func (p *GoogleProvider) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	health := Health{LastChecked: start}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/models", nil)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

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

func (p *GoogleProvider) key(req *Request) string {
	if req.OverrideKey != "" {
		return req.OverrideKey
	}
	return p.apiKey
}
