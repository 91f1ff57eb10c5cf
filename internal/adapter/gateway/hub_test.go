package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiconsole/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingMetrics struct {
	mu                      sync.Mutex
	opened, closed, dropped int
	messages                map[string]int
	mutations               int
}

func (m *countingMetrics) ConnectionOpened()    { m.mu.Lock(); m.opened++; m.mu.Unlock() }
func (m *countingMetrics) ConnectionClosed()    { m.mu.Lock(); m.closed++; m.mu.Unlock() }
func (m *countingMetrics) SlowConsumerDropped() { m.mu.Lock(); m.dropped++; m.mu.Unlock() }

func (m *countingMetrics) MutationApplied(domain.MutationKind) {
	m.mu.Lock()
	m.mutations++
	m.mu.Unlock()
}

func (m *countingMetrics) MessageReceived(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages == nil {
		m.messages = make(map[string]int)
	}
	m.messages[t]++
}

func (m *countingMetrics) snapshot() (opened, closed, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed, m.dropped
}

func drainTypes(t *testing.T, c *conn) []string {
	t.Helper()
	var out []string
	for {
		select {
		case data := <-c.send:
			var head struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(data, &head))
			out = append(out, head.Type)
		default:
			return out
		}
	}
}

func TestHub_SendToChat(t *testing.T) {
	h := NewHub(HubOptions{Logger: discardLogger()})
	a := h.register("a", nil)
	b := h.register("b", nil)
	other := h.register("other", nil)

	require.True(t, h.Subscribe("a", "chat-1"))
	require.True(t, h.Subscribe("b", "chat-1"))
	require.True(t, h.Subscribe("other", "chat-2"))
	assert.False(t, h.Subscribe("ghost", "chat-1"))

	ctx := context.Background()
	h.SendToChat(ctx, "chat-1", domain.NotificationServerMessage{Title: "t", Message: "m"}, "")
	h.SendToChat(ctx, "chat-1", domain.MutationServerMessage{
		ChatID:   "chat-1",
		Mutation: domain.TaggedMutation{Mutation: domain.SetNameChatMutation{Name: "x"}},
	}, "a")

	assert.Equal(t, []string{"notification"}, drainTypes(t, a))
	assert.Equal(t, []string{"notification", "mutation"}, drainTypes(t, b))
	assert.Empty(t, drainTypes(t, other))
	assert.Equal(t, 2, h.Subscribers("chat-1"))
}

func TestHub_SendToAll(t *testing.T) {
	h := NewHub(HubOptions{Logger: discardLogger()})
	a := h.register("a", nil)
	b := h.register("b", nil)

	h.SendToAll(context.Background(), domain.AssetsUpdatedServerMessage{AssetType: domain.AssetTypeAgent, Count: 3})

	assert.Equal(t, []string{"assets_updated"}, drainTypes(t, a))
	assert.Equal(t, []string{"assets_updated"}, drainTypes(t, b))
}

func TestHub_PreservesOrder(t *testing.T) {
	h := NewHub(HubOptions{SendBuffer: 64, Logger: discardLogger()})
	c := h.register("a", nil)
	h.Subscribe("a", "chat-1")

	for i := 0; i < 20; i++ {
		h.SendToChat(context.Background(), "chat-1", domain.MutationServerMessage{
			RequestID: "r",
			ChatID:    "chat-1",
			Mutation:  domain.TaggedMutation{Mutation: domain.SetDraftMessageChatMutation{DraftMessage: string(rune('a' + i))}},
		}, "")
	}
	for i := 0; i < 20; i++ {
		var msg struct {
			Mutation struct {
				DraftMessage string `json:"draft_message"`
			} `json:"mutation"`
		}
		require.NoError(t, json.Unmarshal(<-c.send, &msg))
		assert.Equal(t, string(rune('a'+i)), msg.Mutation.DraftMessage)
	}
}

func TestHub_SlowConsumerIsDisconnected(t *testing.T) {
	m := &countingMetrics{}
	h := NewHub(HubOptions{SendBuffer: 2, Metrics: m, Logger: discardLogger()})
	slow := h.register("slow", nil)
	fast := h.register("fast", nil)
	h.Subscribe("slow", "chat-1")
	h.Subscribe("fast", "chat-1")

	note := domain.NotificationServerMessage{Title: "t"}
	for i := 0; i < 3; i++ {
		h.SendToChat(context.Background(), "chat-1", note, "")
		if i < 2 {
			drainTypes(t, fast)
		}
	}

	assert.True(t, slow.closed())
	assert.False(t, fast.closed())
	_, _, dropped := m.snapshot()
	assert.Equal(t, 1, dropped)

	// Nothing more is queued for a closed connection.
	h.SendToChat(context.Background(), "chat-1", note, "")
	assert.Len(t, slow.send, 2)
}

func TestHub_Unregister(t *testing.T) {
	m := &countingMetrics{}
	h := NewHub(HubOptions{Metrics: m, Logger: discardLogger()})
	a := h.register("a", nil)
	h.register("b", nil)
	h.Subscribe("a", "chat-1")
	h.Subscribe("a", "chat-2")
	h.Subscribe("b", "chat-2")

	assert.ElementsMatch(t, []string{"chat-1", "chat-2"}, h.ChatsOf("a"))

	h.unregister(a)
	h.unregister(a)
	assert.Equal(t, 1, h.Len())
	assert.Zero(t, h.Subscribers("chat-1"))
	assert.Equal(t, 1, h.Subscribers("chat-2"))

	opened, closed, _ := m.snapshot()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 1, closed)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub(HubOptions{Logger: discardLogger()})
	h.register("a", nil)
	h.register("b", nil)
	h.Subscribe("a", "chat-1")
	h.Subscribe("b", "chat-1")

	assert.False(t, h.Unsubscribe("a", "chat-1"))
	assert.False(t, h.Subscribed("a", "chat-1"))
	assert.True(t, h.Unsubscribe("b", "chat-1"))
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"http://localhost:3000", "https://console.example.com", "*", "app.local"})
	assert.Equal(t, []string{"localhost:3000", "console.example.com", "*", "app.local"}, got)
}
