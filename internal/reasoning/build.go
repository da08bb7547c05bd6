package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-inquest/internal/config"
	"github.com/basket/go-inquest/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// Deps carries the ambient collaborators of the reasoning client.
type Deps struct {
	KV      KVStore
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// NewFromConfig builds the failover client from cfg.LLM: the primary
// provider followed by each configured fallback, each behind its own rate
// limiter. Providers without a key are skipped with a warning.
func NewFromConfig(ctx context.Context, cfg config.Config, deps Deps) (*FailoverClient, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second

	build := func(name, model string) (Provider, error) {
		pc := cfg.Providers[name]
		p, err := NewGenkitProvider(ctx, GenkitConfig{
			Provider: name,
			Model:    model,
			APIKey:   cfg.ProviderAPIKey(name),
			BaseURL:  pc.BaseURL,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, err
		}
		return NewRateLimited(p, cfg.LLM.RateLimitRPS, cfg.LLM.RateLimitBurst), nil
	}

	var providers []Provider
	if p, err := build(cfg.LLM.Provider, cfg.LLM.Model); err != nil {
		logger.Warn("primary reasoning provider unavailable", "provider", cfg.LLM.Provider, "error", err)
	} else {
		providers = append(providers, p)
	}
	for _, name := range cfg.LLM.FallbackProviders {
		if name == cfg.LLM.Provider {
			continue
		}
		p, err := build(name, cfg.Providers[name].Model)
		if err != nil {
			logger.Warn("fallback reasoning provider unavailable", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no reasoning provider configured: %w", ErrNoProvider)
	}

	fc := NewFailoverClient(providers[0], providers[1:], FailoverOptions{
		Threshold: cfg.LLM.FailoverThreshold,
		Cooldown:  time.Duration(cfg.LLM.FailoverCooldownSeconds) * time.Second,
		KV:        deps.KV,
		Logger:    logger,
		Metrics:   deps.Metrics,
		Tracer:    deps.Tracer,
	})
	fc.LoadBreakerState(ctx)
	return fc, nil
}
