package gateway

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"aiconsole/internal/domain"
)

// HubMetrics receives connection lifecycle ticks.
type HubMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SlowConsumerDropped()
}

// conn is one websocket client.
type conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte // buffered outbound queue
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce sync.Once
}

func (c *conn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			// Close waits for the peer's close frame; never block a sender on it.
			go c.ws.Close(status, reason)
		}
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Hub tracks connections and the chats each one has open. It is the
// notification transport: delivery is best effort per subscriber, and a
// subscriber that cannot keep up is disconnected rather than skipped.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
	chats map[string]map[string]*conn // chat id -> conn id -> conn

	bufSize     int
	clientRate  rate.Limit
	clientBurst int
	metrics     HubMetrics
	logger      *slog.Logger
}

var _ domain.Notifier = (*Hub)(nil)

// HubOptions configures a Hub.
type HubOptions struct {
	SendBuffer  int
	ClientRate  float64
	ClientBurst int
	Metrics     HubMetrics
	Logger      *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.ClientRate > 0 {
		limit = rate.Limit(opts.ClientRate)
	}
	return &Hub{
		conns:       make(map[string]*conn),
		chats:       make(map[string]map[string]*conn),
		bufSize:     opts.SendBuffer,
		clientRate:  limit,
		clientBurst: max(opts.ClientBurst, 1),
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

func (h *Hub) register(id string, ws *websocket.Conn) *conn {
	c := &conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, h.bufSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(h.clientRate, h.clientBurst),
	}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}
	return c
}

// unregister forgets c and every subscription it had.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for chatID, subs := range h.chats {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.chats, chatID)
		}
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionClosed()
	}
}

// Subscribe adds connID to chatID's subscribers.
func (h *Hub) Subscribe(connID, chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	subs := h.chats[chatID]
	if subs == nil {
		subs = make(map[string]*conn)
		h.chats[chatID] = subs
	}
	subs[connID] = c
	return true
}

// Unsubscribe removes connID from chatID's subscribers and reports whether
// the chat has no subscribers left.
func (h *Hub) Unsubscribe(connID, chatID string) (empty bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.chats[chatID]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.chats, chatID)
		return true
	}
	return false
}

// Subscribed reports whether connID has chatID open.
func (h *Hub) Subscribed(connID, chatID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.chats[chatID][connID]
	return ok
}

// ChatsOf returns the chats connID has open.
func (h *Hub) ChatsOf(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for chatID, subs := range h.chats {
		if _, ok := subs[connID]; ok {
			out = append(out, chatID)
		}
	}
	return out
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) SendToChat(_ context.Context, chatID string, msg domain.ServerMessage, exclude string) {
	data, err := domain.MarshalServerMessage(msg)
	if err != nil {
		h.logger.Error("encode server message", "type", msg.MessageType(), "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.chats[chatID]))
	for id, c := range h.chats[chatID] {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, data)
	}
}

func (h *Hub) SendToAll(_ context.Context, msg domain.ServerMessage) {
	data, err := domain.MarshalServerMessage(msg)
	if err != nil {
		h.logger.Error("encode server message", "type", msg.MessageType(), "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, data)
	}
}

// sendTo delivers msg to a single connection.
func (h *Hub) sendTo(c *conn, msg domain.ServerMessage) {
	data, err := domain.MarshalServerMessage(msg)
	if err != nil {
		h.logger.Error("encode server message", "type", msg.MessageType(), "error", err)
		return
	}
	h.enqueue(c, data)
}

// enqueue queues data for c. A full queue means the client fell behind; it
// is disconnected so that it never observes a gap in a chat's mutations.
func (h *Hub) enqueue(c *conn, data []byte) {
	if c.closed() {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("disconnecting slow websocket client", "conn_id", c.id, "buffer", cap(c.send))
		if h.metrics != nil {
			h.metrics.SlowConsumerDropped()
		}
		c.close(websocket.StatusPolicyViolation, "send buffer overflow")
	}
}

// Subscribers returns how many connections have chatID open.
func (h *Hub) Subscribers(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chats[chatID])
}
