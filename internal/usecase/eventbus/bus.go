// Package eventbus carries internal lifecycle events (turns, renders,
// code runs, asset reloads) between components. Chat mutations never
// travel on it: they are delivered by the chat mutator in commit order.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"aiconsole/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Handlers run on their
// own goroutine and see a context detached from the publisher's
// cancellation, so a cancelled turn still reports its end.
type Bus struct {
	mu        sync.RWMutex
	typed     map[domain.EventType][]subscription
	all       []subscription
	nextID    atomic.Uint64
	published atomic.Uint64
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish fans event out to its typed subscribers and to the catch-all
// subscribers. Events published after Close are dropped.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		b.logger.Debug("event dropped after close", "event", string(event.Type))
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.typed[event.Type])+len(b.all))
	subs = append(subs, b.typed[event.Type]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, sub := range subs {
		b.dispatch(detached, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"chat_id", event.ChatID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = without(b.typed[eventType], id)
	}
}

// SubscribeAll registers a handler for every event and returns its
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.all = append(b.all, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = without(b.all, id)
	}
}

// Published returns how many events were accepted for delivery.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Close stops accepting events and waits for running handlers. It is
// idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// LogEvents returns a handler that records every event at debug level.
func LogEvents(logger *slog.Logger) domain.EventHandler {
	return func(ctx context.Context, e domain.Event) {
		logger.DebugContext(ctx, "event", "type", string(e.Type), "chat_id", e.ChatID, "payload", string(e.Payload))
	}
}
