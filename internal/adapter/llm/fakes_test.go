package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"aiconsole/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockProvider is a scriptable domain.StreamingLLMProvider.
type mockProvider struct {
	name        string
	contextSize int
	chatFunc    func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
	streamFunc  func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error)

	mu    sync.Mutex
	calls int
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) ContextSize() int { return m.contextSize }

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.chatFunc == nil {
		return nil, errors.New("not implemented")
	}
	return m.chatFunc(ctx, req)
}

func (m *mockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.streamFunc == nil {
		return nil, errors.New("not implemented")
	}
	return m.streamFunc(ctx, req)
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// streamOf returns a closed channel holding deltas.
func streamOf(deltas ...domain.StreamDelta) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch
}

// scriptedStreams returns one script per ChatStream call.
func scriptedStreams(scripts ...[]domain.StreamDelta) func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var (
		mu sync.Mutex
		i  int
	)
	return func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(scripts) {
			return nil, errors.New("script exhausted")
		}
		s := scripts[i]
		i++
		return streamOf(s...), nil
	}
}

func drain(ch <-chan domain.StreamDelta) []domain.StreamDelta {
	var out []domain.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) published() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.events...)
}

type countingMetrics struct {
	mu       sync.Mutex
	restarts map[string]int
}

func (m *countingMetrics) StreamRestarted(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restarts == nil {
		m.restarts = make(map[string]int)
	}
	m.restarts[provider]++
}
