package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"aiconsole/internal/domain"
)

// RestartMetrics counts stream restarts.
type RestartMetrics interface {
	StreamRestarted(provider string)
}

// RestartingProvider reopens a stream that fails before its Done delta,
// up to maxRestarts times. Each restart is announced downstream with a
// Clear delta so consumers drop what the broken attempt produced.
type RestartingProvider struct {
	inner       domain.StreamingLLMProvider
	maxRestarts int
	bus         domain.EventBus
	metrics     RestartMetrics
	logger      *slog.Logger
}

var (
	_ domain.StreamingLLMProvider = (*RestartingProvider)(nil)
	_ ContextSizer                = (*RestartingProvider)(nil)
)

// NewRestartingProvider wraps inner. bus and metrics may be nil.
func NewRestartingProvider(inner domain.StreamingLLMProvider, maxRestarts int, bus domain.EventBus, metrics RestartMetrics, logger *slog.Logger) *RestartingProvider {
	return &RestartingProvider{inner: inner, maxRestarts: maxRestarts, bus: bus, metrics: metrics, logger: logger}
}

func (p *RestartingProvider) Name() string { return p.inner.Name() }

func (p *RestartingProvider) ContextSize() int {
	if cs, ok := p.inner.(ContextSizer); ok {
		return cs.ContextSize()
	}
	return 0
}

func (p *RestartingProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.inner.Chat(ctx, req)
}

// ChatStream opens the first attempt synchronously so that initiation
// errors reach the caller directly.
func (p *RestartingProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	first, err := p.inner.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(out)
		in := first
		for attempt := 0; ; attempt++ {
			err := p.forward(ctx, in, out)
			if err == nil || ctx.Err() != nil {
				return
			}
			if attempt >= p.maxRestarts || !restartable(err) {
				sendDelta(ctx, out, domain.StreamDelta{Err: err})
				return
			}

			p.logger.Warn("llm stream failed, restarting",
				"provider", p.inner.Name(), "attempt", attempt+1, "max_restarts", p.maxRestarts, "error", err)
			p.announce(ctx, attempt+1, err)

			next, openErr := p.inner.ChatStream(ctx, req)
			if openErr != nil {
				sendDelta(ctx, out, domain.StreamDelta{Err: openErr})
				return
			}
			if !sendDelta(ctx, out, domain.StreamDelta{Clear: true}) {
				return
			}
			in = next
		}
	}()
	return out, nil
}

// forward copies one attempt to out. It returns nil once Done has been
// forwarded and the failure otherwise. A stream that closes without Done
// counts as failed.
func (p *RestartingProvider) forward(ctx context.Context, in <-chan domain.StreamDelta, out chan<- domain.StreamDelta) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-in:
			if !ok {
				return io.ErrUnexpectedEOF
			}
			if d.Err != nil {
				return d.Err
			}
			if !sendDelta(ctx, out, d) {
				return ctx.Err()
			}
			if d.Done {
				return nil
			}
		}
	}
}

func (p *RestartingProvider) announce(ctx context.Context, attempt int, err error) {
	if p.metrics != nil {
		p.metrics.StreamRestarted(p.inner.Name())
	}
	if p.bus != nil {
		p.bus.Publish(ctx, domain.NewEvent(domain.EventStreamRestarted, "", domain.StreamRestartedPayload{
			Provider: p.inner.Name(),
			Attempt:  attempt,
			Error:    err.Error(),
		}))
	}
}

// restartable excludes failures a retry cannot fix.
func restartable(err error) bool {
	return !errors.Is(err, domain.ErrAuthInvalid) &&
		!errors.Is(err, domain.ErrContextOverflow) &&
		!errors.Is(err, context.Canceled)
}
