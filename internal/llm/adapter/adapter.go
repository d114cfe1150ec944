package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/llm/provider/openai"
	"github.com/cardsentry/cardsentry-ai/internal/llm/types"
	"github.com/cardsentry/cardsentry-ai/internal/metrics"
)

// Adapter is the single entry point for LLM calls from the investigation
// runtime. It wraps the configured provider with a circuit breaker so a
// misbehaving provider degrades the runtime to deterministic fallbacks
// instead of stalling it.
type Adapter interface {
	// Complete issues a schema-constrained completion.
	Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error)

	// Embed returns the embedding for a text using the configured model.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Configured reports whether a real provider is wired. When false,
	// callers must take their deterministic path without attempting a call.
	Configured() bool
}

// Provider is the low-level contract a backend must satisfy.
type Provider interface {
	Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error)
	Embed(ctx context.Context, model, text string) ([]float32, string, error)
}

type adapter struct {
	provider     Provider
	providerName string
	embedModel   string
	maxRetries   int
	breaker      *gobreaker.CircuitBreaker
	logger       *zap.Logger
}

// New builds the adapter from configuration. Provider "none" (or a missing
// API key) yields a degraded adapter where every call returns
// types.ErrNotConfigured.
func New(cfg *config.Config, logger *zap.Logger) (Adapter, error) {
	a := &adapter{
		providerName: cfg.LLM.Provider,
		embedModel:   cfg.LLM.EmbeddingModel,
		maxRetries:   cfg.LLM.MaxRetries,
		logger:       logger,
	}

	switch cfg.LLM.Provider {
	case "", "none":
		logger.Warn("no LLM provider configured, running in deterministic mode")
		return a, nil
	case "openai":
		if cfg.LLM.APIKey == "" {
			logger.Warn("LLM provider set but api key missing, running in deterministic mode",
				zap.String("provider", cfg.LLM.Provider))
			return a, nil
		}
		client, err := openai.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL,
			time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("llm adapter: %w", err)
		}
		a.provider = client
	default:
		return nil, fmt.Errorf("llm adapter: unknown provider %q", cfg.LLM.Provider)
	}

	failures := uint32(cfg.LLM.BreakerFailures)
	if failures == 0 {
		failures = 5
	}
	cooldown := time.Duration(cfg.LLM.BreakerCooldownS) * time.Second
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-" + cfg.LLM.Provider,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("LLM circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return a, nil
}

func (a *adapter) Configured() bool {
	return a.provider != nil
}

// Complete runs one completion through the breaker with bounded retries on
// transient failures. Schema violations are not retried; they indicate a
// model problem the retry will not fix.
func (a *adapter) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	if a.provider == nil {
		return nil, types.ErrNotConfigured
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		start := time.Now()
		result, err := a.breaker.Execute(func() (any, error) {
			return a.provider.Complete(ctx, req)
		})
		metrics.LLMRequestDuration.WithLabelValues(a.providerName, req.Model).
			Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.LLMRequestsTotal.WithLabelValues(a.providerName, req.Model, "success").Inc()
			return result.(*types.Completion), nil
		}
		metrics.LLMRequestsTotal.WithLabelValues(a.providerName, req.Model, "failure").Inc()
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", types.ErrUnavailable)
		}
		if errors.Is(err, types.ErrBadResponse) {
			return nil, err
		}
		a.logger.Warn("LLM completion failed",
			zap.String("model", req.Model),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// Embed embeds one text. Failures count toward the same breaker as
// completions since they hit the same provider.
func (a *adapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if a.provider == nil {
		return nil, types.ErrNotConfigured
	}

	result, err := a.breaker.Execute(func() (any, error) {
		vec, _, err := a.provider.Embed(ctx, a.embedModel, text)
		return vec, err
	})
	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(a.providerName, "failure").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", types.ErrUnavailable)
		}
		return nil, err
	}
	metrics.EmbeddingRequestsTotal.WithLabelValues(a.providerName, "success").Inc()
	return result.([]float32), nil
}
