package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTurnStarted     EventType = "turn.started"
	EventTurnCompleted   EventType = "turn.completed"
	EventTurnFailed      EventType = "turn.failed"
	EventTurnCancelled   EventType = "turn.cancelled"
	EventMutationApplied EventType = "mutation.applied"
	EventMaterialFailed  EventType = "material.render_failed"
	EventCodeExecuted    EventType = "code.executed"
	EventAssetsReloaded  EventType = "assets.reloaded"
	EventStreamRestarted EventType = "stream.restarted"
	EventClientConnected EventType = "client.connected"
	EventClientLeft      EventType = "client.disconnected"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ChatID    string          `json:"chat_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TurnEventPayload accompanies turn lifecycle events.
type TurnEventPayload struct {
	MessageGroupID string `json:"message_group_id"`
	Mode           string `json:"mode,omitempty"`
	Error          string `json:"error,omitempty"`
}

// MutationEventPayload accompanies EventMutationApplied.
type MutationEventPayload struct {
	Kind MutationKind `json:"kind"`
	Seq  int64        `json:"seq"`
}

// MaterialFailedPayload accompanies EventMaterialFailed.
type MaterialFailedPayload struct {
	MaterialID string `json:"material_id"`
	Error      string `json:"error"`
}

// CodeExecutedPayload accompanies EventCodeExecuted.
type CodeExecutedPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Language   string `json:"language"`
	Successful bool   `json:"successful"`
}

// AssetsReloadedPayload accompanies EventAssetsReloaded, one event per
// asset type.
type AssetsReloadedPayload struct {
	AssetType AssetType `json:"asset_type"`
	Count     int       `json:"count"`
}

// NewEvent builds an event, encoding payload as JSON.
func NewEvent(t EventType, chatID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), ChatID: chatID}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for internal events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// StreamRestartedPayload accompanies EventStreamRestarted.
type StreamRestartedPayload struct {
	Provider string `json:"provider"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error"`
}
