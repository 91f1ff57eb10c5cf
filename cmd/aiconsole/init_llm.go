package main

import (
	"context"
	"fmt"
	"log/slog"

	"aiconsole/internal/adapter/llm"
	"aiconsole/internal/domain"
	"aiconsole/internal/infra/config"
)

// LLMComponents holds the provider registry and the routing on top of it.
type LLMComponents struct {
	Registry *llm.Registry
	Router   *llm.GPTModeRouter
	Counter  *llm.TokenCounter
}

// initLLM builds every configured provider. Each one is wrapped, inside
// out, with a circuit breaker, failover to the configured fallbacks, and
// stream restarts.
func initLLM(ctx context.Context, cfg *config.Config, bus domain.EventBus, metrics llm.RestartMetrics, log *slog.Logger) (*LLMComponents, error) {
	base := make(map[string]domain.StreamingLLMProvider, len(cfg.LLM.Providers))
	order := make([]string, 0, len(cfg.LLM.Providers))
	for _, pc := range cfg.LLM.Providers {
		provider, err := createLLMProvider(ctx, pc, log)
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
		if cbCfg := cfg.LLM.CircuitBreaker; cbCfg.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, cbCfg, log)
		}
		base[pc.Name] = provider
		order = append(order, pc.Name)
	}

	registry := llm.NewRegistry()
	for _, name := range order {
		provider := base[name]

		var fallbacks []domain.StreamingLLMProvider
		for _, fb := range cfg.LLM.Fallbacks {
			if fb == name {
				continue
			}
			p, ok := base[fb]
			if !ok {
				return nil, fmt.Errorf("failover provider %s: %w", fb, domain.ErrProviderNotFound)
			}
			fallbacks = append(fallbacks, p)
		}
		if len(fallbacks) > 0 {
			provider = llm.NewFailoverProvider(provider, fallbacks, log)
		}
		if cfg.LLM.MaxRestarts > 0 {
			provider = llm.NewRestartingProvider(provider, cfg.LLM.MaxRestarts, bus, metrics, log)
		}
		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", name, err)
		}
	}

	if cfg.LLM.CircuitBreaker.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cfg.LLM.CircuitBreaker.MaxFailures,
			"timeout", cfg.LLM.CircuitBreaker.Timeout,
			"interval", cfg.LLM.CircuitBreaker.Interval,
		)
	}
	if len(cfg.LLM.Fallbacks) > 0 {
		log.Info("model failover enabled", "fallbacks", cfg.LLM.Fallbacks)
	}

	if _, err := registry.Get(cfg.LLM.DefaultProvider); err != nil {
		return nil, fmt.Errorf("default llm provider: %w", err)
	}

	return &LLMComponents{
		Registry: registry,
		Router:   llm.NewGPTModeRouter(cfg.LLM.GPTModes, registry, cfg.LLM.DefaultProvider),
		Counter:  llm.NewTokenCounter(log),
	}, nil
}

// createLLMProvider creates an LLM provider based on the type field.
func createLLMProvider(ctx context.Context, pc config.ProviderConfig, log *slog.Logger) (domain.StreamingLLMProvider, error) {
	switch pc.Type {
	case "openai", "":
		return llm.NewOpenAIProvider(pc, log), nil
	case "bedrock":
		p, err := llm.NewBedrockProvider(ctx, pc, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", pc.Type)
	}
}
