package providers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/services/pricing"
	"github.com/tollgate/tollgate/pkg/circuitbreaker"
)

const defaultDispatchTimeout = 30 * time.Second

// Config carries the upstream credentials and dispatch tuning.
type Config struct {
	OpenAIKey        string
	AnthropicKey     string
	GoogleKey        string
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GoogleBaseURL    string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Registry routes a dispatch to the provider that prices the model. Each
// provider sits behind its own circuit breaker; an open breaker
// short-circuits without an upstream call.
type Registry struct {
	providers map[models.ProviderName]Provider
	breakers  map[models.ProviderName]*circuitbreaker.Breaker
	keys      map[models.ProviderName]string
	pricing   *pricing.Service
	logger    *zap.Logger
}

func NewRegistry(cfg Config, pricingSvc *pricing.Service, logger *zap.Logger) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}

	r := &Registry{
		providers: make(map[models.ProviderName]Provider, 3),
		breakers:  make(map[models.ProviderName]*circuitbreaker.Breaker, 3),
		keys: map[models.ProviderName]string{
			models.ProviderOpenAI:    cfg.OpenAIKey,
			models.ProviderAnthropic: cfg.AnthropicKey,
			models.ProviderGoogle:    cfg.GoogleKey,
		},
		pricing: pricingSvc,
		logger:  logger,
	}

	tierFn := func(ctx context.Context, baseModel string) bool {
		return pricingSvc.HasTierVariants(ctx, baseModel)
	}

	r.providers[models.ProviderOpenAI] = NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIBaseURL, timeout, logger.Named("openai"))
	r.providers[models.ProviderAnthropic] = NewAnthropicProvider(cfg.AnthropicKey, cfg.AnthropicBaseURL, timeout, logger.Named("anthropic"))
	r.providers[models.ProviderGoogle] = NewGoogleProvider(cfg.GoogleKey, cfg.GoogleBaseURL, timeout, tierFn, logger.Named("google"))

	for name := range r.providers {
		r.breakers[name] = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	return r
}

// Dispatch sends one admitted request upstream. Upstream non-2xx replies
// come back as a Response so callers can mirror them; errors mean the
// gateway itself could not complete the call.
func (r *Registry) Dispatch(ctx context.Context, route Route, req *Request) (*Response, error) {
	providerName, err := r.pricing.ProviderFor(ctx, req.Model)
	if err != nil {
		if errors.Is(err, pricing.ErrNoPricing) {
			return nil, &NoProviderError{Model: req.Model}
		}
		return nil, err
	}

	provider, ok := r.providers[providerName]
	if !ok {
		return nil, &NoProviderError{Model: req.Model}
	}
	if req.OverrideKey == "" && r.keys[providerName] == "" {
		return nil, &NoProviderError{Model: req.Model}
	}

	breaker := r.breakers[providerName]
	if !breaker.Allow() {
		return nil, &UpstreamError{
			Provider:   string(providerName),
			StatusCode: http.StatusServiceUnavailable,
			Body:       ErrorBody("provider temporarily unavailable", "provider_error"),
		}
	}

	var resp *Response
	switch route {
	case RouteResponses:
		resp, err = provider.Responses(ctx, req)
	default:
		resp, err = provider.ChatCompletion(ctx, req)
	}
	if err != nil {
		breaker.RecordFailure()
		r.logger.Warn("provider call failed",
			zap.String("provider", string(providerName)),
			zap.String("model", req.Model),
			zap.Error(err))
		return nil, &UpstreamError{
			Provider:   string(providerName),
			StatusCode: http.StatusBadGateway,
			Body:       ErrorBody("upstream request failed", "provider_error"),
		}
	}

	// Server-side upstream failures trip the breaker; client errors are
	// the caller's problem and do not.
	if resp.StatusCode >= http.StatusInternalServerError {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	resp.Provider = string(providerName)
	return resp, nil
}

// Health probes every registered provider concurrently. Providers
// without a configured key report unhealthy with a reason instead of a
// failed probe.
func (r *Registry) Health(ctx context.Context) map[string]Health {
	var mu sync.Mutex
	out := make(map[string]Health, len(r.providers))

	g, ctx := errgroup.WithContext(ctx)
	for name, provider := range r.providers {
		name, provider := name, provider
		g.Go(func() error {
			var h Health
			if r.keys[name] == "" {
				h = Health{Error: "no API key configured", LastChecked: time.Now()}
			} else {
				h = provider.HealthCheck(ctx)
			}
			mu.Lock()
			out[string(name)] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Configured lists the providers that have a credential and so can
// actually serve dispatches.
func (r *Registry) Configured() []string {
	out := make([]string, 0, len(r.keys))
	for name, key := range r.keys {
		if key != "" {
			out = append(out, string(name))
		}
	}
	sort.Strings(out)
	return out
}

// BreakerStates exposes breaker state for the health endpoint.
func (r *Registry) BreakerStates() map[string]bool {
	out := make(map[string]bool, len(r.breakers))
	for name, b := range r.breakers {
		open, _ := b.State()
		out[string(name)] = open
	}
	return out
}
