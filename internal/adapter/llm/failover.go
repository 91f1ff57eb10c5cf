package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aiconsole/internal/domain"
)

var _ domain.StreamingLLMProvider = (*FailoverProvider)(nil)

// FailoverProvider tries a primary provider, then each fallback in order.
// Only failures to start a stream fail over; a stream that breaks midway
// is the restarting layer's business.
type FailoverProvider struct {
	primary   domain.StreamingLLMProvider
	fallbacks []domain.StreamingLLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.StreamingLLMProvider, fallbacks []domain.StreamingLLMProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{primary: primary, fallbacks: fallbacks, logger: logger}
}

// Name returns the primary's name: callers see the fallbacks as the same
// provider.
func (f *FailoverProvider) Name() string { return f.primary.Name() }

// ContextSize returns the smallest known context window of the chain so a
// request budgeted for it fits every provider.
func (f *FailoverProvider) ContextSize() int {
	size := 0
	for _, p := range f.chain() {
		cs, ok := p.(ContextSizer)
		if !ok || cs.ContextSize() <= 0 {
			continue
		}
		if size == 0 || cs.ContextSize() < size {
			size = cs.ContextSize()
		}
	}
	return size
}

// Chat tries the chain in order.
func (f *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var errs []error
	for i, p := range f.chain() {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover succeeded", "provider", p.Name())
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("llm provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// ChatStream tries the chain in order.
func (f *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var errs []error
	for i, p := range f.chain() {
		ch, err := p.ChatStream(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("streaming failover succeeded", "provider", p.Name())
			}
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("llm provider failed to stream", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, fmt.Errorf("all streaming providers failed: %w", errors.Join(errs...))
}

func (f *FailoverProvider) chain() []domain.StreamingLLMProvider {
	return append([]domain.StreamingLLMProvider{f.primary}, f.fallbacks...)
}
