package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"aiconsole/internal/domain"
	"aiconsole/internal/infra/logger"
	"aiconsole/internal/usecase/chat"
	"aiconsole/internal/usecase/execmode"
)

// TurnRunner runs turns. *execmode.Dispatcher implements it.
type TurnRunner interface {
	ProcessChat(ctx context.Context, req execmode.Request) error
	AcceptCode(ctx context.Context, req execmode.Request, toolCallID string) error
}

// Metrics receives gateway and mutation ticks.
type Metrics interface {
	HubMetrics
	chat.Metrics
	MessageReceived(msgType string)
}

// HandlerDeps holds dependencies needed by client message handlers.
type HandlerDeps struct {
	Sessions *chat.Registry
	Locks    *chat.LockManager
	Turns    *chat.Turns
	Store    domain.ChatStore
	Runner   TurnRunner
	Relay    chat.Relay // can be nil (single node)
	Metrics  Metrics    // can be nil
	Bus      domain.EventBus
	Logger   *slog.Logger
	// BaseContext parents every turn. Cancelling it stops them all.
	BaseContext context.Context
	// LockWait bounds how long a request waits for a chat lock. Default 10s.
	LockWait time.Duration
}

// Handlers executes client messages on behalf of connections.
type Handlers struct {
	deps HandlerDeps
	hub  *Hub
	wg   sync.WaitGroup
}

// NewHandlers creates the message handlers delivering through hub.
func NewHandlers(hub *Hub, deps HandlerDeps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.LockWait <= 0 {
		deps.LockWait = 10 * time.Second
	}
	return &Handlers{deps: deps, hub: hub}
}

// Handle executes msg for c. Turns run in the background; every other
// message is answered before Handle returns.
func (h *Handlers) Handle(ctx context.Context, c *conn, msg ClientMessage) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.MessageReceived(string(msg.Type))
	}

	var err error
	switch msg.Type {
	case MsgOpenChat:
		err = h.openChat(ctx, c, msg)
	case MsgCloseChat:
		err = h.closeChat(ctx, c, msg)
	case MsgAcquireLock:
		err = h.acquireLock(ctx, c, msg)
	case MsgReleaseLock:
		err = h.releaseLock(ctx, c, msg)
	case MsgMutate:
		err = h.mutate(ctx, c, msg)
	case MsgProcessChat:
		err = h.processChat(ctx, c, msg)
	case MsgAcceptCode:
		err = h.acceptCode(ctx, c, msg)
	case MsgStopChat:
		err = h.stopChat(c, msg)
	default:
		err = domain.NewDomainError("Handlers.Handle", domain.ErrUnknownMessageType, string(msg.Type))
	}
	if err != nil {
		h.deps.Logger.Debug("client message failed",
			"conn_id", c.id, "type", string(msg.Type), "chat_id", msg.ChatID, "request_id", msg.RequestID, "error", err)
		h.respondErr(c, msg, err)
	}
}

func (h *Handlers) openChat(ctx context.Context, c *conn, msg ClientMessage) error {
	if err := requireFields(msg, false); err != nil {
		return err
	}
	session, err := h.deps.Sessions.Open(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	session.Observe(func(snapshot *domain.Chat) {
		h.hub.Subscribe(c.id, msg.ChatID)
		h.hub.sendTo(c, domain.ChatOpenedServerMessage{RequestID: msg.RequestID, Chat: snapshot})
	})
	return nil
}

func (h *Handlers) closeChat(ctx context.Context, c *conn, msg ClientMessage) error {
	if err := requireFields(msg, false); err != nil {
		return err
	}
	h.deps.Turns.CancelOwned(msg.ChatID, c.id)
	if holder, ok := h.deps.Locks.Holder(msg.ChatID); ok && holder.ConnectionID == c.id {
		if err := h.deps.Locks.Release(ctx, msg.ChatID, holder.RequestID); err != nil {
			h.deps.Logger.Warn("release lock on close failed", "chat_id", msg.ChatID, "error", err)
		}
	}
	if h.hub.Unsubscribe(c.id, msg.ChatID) {
		h.evictIdle(ctx, msg.ChatID)
	}
	h.respond(c, msg.RequestID)
	return nil
}

func (h *Handlers) acquireLock(ctx context.Context, c *conn, msg ClientMessage) error {
	if err := requireFields(msg, true); err != nil {
		return err
	}
	if !h.hub.Subscribed(c.id, msg.ChatID) {
		return domain.NewDomainError("Handlers.acquireLock", domain.ErrInvalidInput, "chat is not open")
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.deps.LockWait)
	defer cancel()
	if err := h.deps.Locks.Acquire(waitCtx, msg.ChatID, chat.Holder{RequestID: msg.RequestID, ConnectionID: c.id}); err != nil {
		return err
	}
	h.respond(c, msg.RequestID)
	return nil
}

func (h *Handlers) releaseLock(ctx context.Context, c *conn, msg ClientMessage) error {
	if err := requireFields(msg, true); err != nil {
		return err
	}
	if !h.deps.Locks.IsHeldBy(msg.ChatID, c.id, msg.RequestID) {
		return domain.NewDomainError("Handlers.releaseLock", domain.ErrLockNotHeld, msg.ChatID)
	}
	if err := h.deps.Locks.Release(ctx, msg.ChatID, msg.RequestID); err != nil {
		return err
	}
	h.respond(c, msg.RequestID)
	return nil
}

// mutate applies a client mutation. Only the lock holder may submit, and
// the submitting connection does not get its own mutation echoed back.
func (h *Handlers) mutate(ctx context.Context, c *conn, msg ClientMessage) error {
	const op = "Handlers.mutate"
	if err := requireFields(msg, true); err != nil {
		return err
	}
	if !h.deps.Locks.IsHeldBy(msg.ChatID, c.id, msg.RequestID) {
		return domain.NewDomainError(op, domain.ErrLockNotHeld, msg.ChatID)
	}
	if len(msg.Mutation) == 0 {
		return domain.NewDomainError(op, domain.ErrInvalidPayload, "missing mutation")
	}
	m, err := domain.UnmarshalMutation(msg.Mutation)
	if err != nil {
		return err
	}
	session, err := h.deps.Sessions.Open(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	if err := h.mutator(session, msg.RequestID, c.id).Mutate(ctx, m); err != nil {
		return err
	}
	h.respond(c, msg.RequestID)
	return nil
}

// processChat starts a turn answering the conversation. Without a
// message_group_id a new group acted by the director is appended first.
// The response is sent when the turn ends.
func (h *Handlers) processChat(ctx context.Context, c *conn, msg ClientMessage) error {
	if err := requireFields(msg, true); err != nil {
		return err
	}
	return h.startTurn(ctx, c, msg, func(turnCtx context.Context, req execmode.Request) error {
		if req.MessageGroupID == "" {
			req.MessageGroupID = chat.NewID()
			err := req.Mutator.Mutate(turnCtx, domain.CreateMessageGroupMutation{
				MessageGroupID: req.MessageGroupID,
				ActorID:        domain.DefaultDirector().ActorID(),
				Role:           domain.RoleAssistant,
				MaterialsIDs:   []string{},
			})
			if err != nil {
				return err
			}
		}
		return h.deps.Runner.ProcessChat(turnCtx, req)
	})
}

// acceptCode runs a confirmed tool call and continues the turn.
func (h *Handlers) acceptCode(ctx context.Context, c *conn, msg ClientMessage) error {
	if err := requireFields(msg, true); err != nil {
		return err
	}
	if msg.ToolCallID == "" {
		return domain.NewDomainError("Handlers.acceptCode", domain.ErrInvalidPayload, "missing tool_call_id")
	}
	return h.startTurn(ctx, c, msg, func(turnCtx context.Context, req execmode.Request) error {
		return h.deps.Runner.AcceptCode(turnCtx, req, msg.ToolCallID)
	})
}

func (h *Handlers) stopChat(c *conn, msg ClientMessage) error {
	if msg.ChatID == "" {
		return domain.NewDomainError("Handlers.stopChat", domain.ErrInvalidPayload, "missing chat_id")
	}
	if h.deps.Turns.Cancel(msg.ChatID) {
		h.deps.Logger.Info("turn stop requested", "chat_id", msg.ChatID, "conn_id", c.id)
	}
	h.respond(c, msg.RequestID)
	return nil
}

// startTurn registers the turn, takes the chat lock for the request unless
// it already holds it, and runs fn in the background.
func (h *Handlers) startTurn(ctx context.Context, c *conn, msg ClientMessage, fn func(context.Context, execmode.Request) error) error {
	session, err := h.deps.Sessions.Open(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	turnCtx, done, err := h.deps.Turns.Start(h.deps.BaseContext, msg.ChatID, c.id)
	if err != nil {
		return err
	}
	turnCtx = logger.WithAttrs(turnCtx, "request_id", msg.RequestID, "conn_id", c.id)

	acquired := false
	if !h.deps.Locks.IsHeldBy(msg.ChatID, c.id, msg.RequestID) {
		waitCtx, cancel := context.WithTimeout(turnCtx, h.deps.LockWait)
		err := h.deps.Locks.Acquire(waitCtx, msg.ChatID, chat.Holder{RequestID: msg.RequestID, ConnectionID: c.id})
		cancel()
		if err != nil {
			done()
			return err
		}
		acquired = true
	}

	req := execmode.Request{
		Mutator:        h.mutator(session, msg.RequestID, ""),
		ChatID:         msg.ChatID,
		MessageGroupID: msg.MessageGroupID,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer done()

		err := fn(turnCtx, req)

		if acquired {
			if rerr := h.deps.Locks.Release(context.WithoutCancel(turnCtx), msg.ChatID, msg.RequestID); rerr != nil && !errors.Is(rerr, domain.ErrLockNotHeld) {
				h.deps.Logger.Warn("release turn lock failed", "chat_id", msg.ChatID, "error", rerr)
			}
		}
		if err != nil {
			h.respondErr(c, msg, err)
			return
		}
		h.respond(c, msg.RequestID)
	}()
	return nil
}

// Connected records a new connection.
func (h *Handlers) Connected(ctx context.Context, connID string) {
	h.publish(ctx, domain.EventClientConnected, connID)
}

// Disconnected cancels the connection's turns, releases its locks and
// evicts chats nobody has open anymore.
func (h *Handlers) Disconnected(ctx context.Context, c *conn) {
	chats := h.hub.ChatsOf(c.id)
	h.hub.unregister(c)

	cancelled := h.deps.Turns.CancelConnection(c.id)
	released := h.deps.Locks.ReleaseConnection(ctx, c.id)
	for _, chatID := range chats {
		h.evictIdle(ctx, chatID)
	}

	h.deps.Logger.Info("websocket client disconnected",
		"conn_id", c.id, "open_chats", len(chats), "turns_cancelled", cancelled, "locks_released", len(released))
	h.publish(ctx, domain.EventClientLeft, c.id)
}

// ApplyRemote applies a mutation another node persisted to the local
// session, if the chat is open here.
func (h *Handlers) ApplyRemote(ctx context.Context, chatID, requestID string, m domain.Mutation) {
	session, ok := h.deps.Sessions.Lookup(chatID)
	if !ok {
		return
	}
	if err := chat.ApplyRemote(ctx, session, h.hub, requestID, m); err != nil {
		h.deps.Logger.Warn("remote mutation rejected", "chat_id", chatID, "kind", string(m.Kind()), "error", err)
	}
}

// Wait blocks until every running turn has returned or ctx is done.
func (h *Handlers) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handlers) evictIdle(ctx context.Context, chatID string) {
	if h.hub.Subscribers(chatID) > 0 || h.deps.Turns.Running(chatID) {
		return
	}
	if _, held := h.deps.Locks.Holder(chatID); held {
		return
	}
	if err := h.deps.Sessions.Evict(ctx, chatID); err != nil {
		h.deps.Logger.Warn("evict chat failed", "chat_id", chatID, "error", err)
	}
}

func (h *Handlers) mutator(s *chat.Session, requestID, origin string) *chat.SessionMutator {
	var metrics chat.Metrics
	if h.deps.Metrics != nil {
		metrics = h.deps.Metrics
	}
	return chat.NewMutator(s, h.deps.Store, h.hub, chat.MutatorOptions{
		RequestID: requestID,
		Origin:    origin,
		Relay:     h.deps.Relay,
		Metrics:   metrics,
		Bus:       h.deps.Bus,
		Logger:    h.deps.Logger,
	})
}

func (h *Handlers) respond(c *conn, requestID string) {
	if requestID == "" {
		return
	}
	h.hub.sendTo(c, domain.ResponseServerMessage{RequestID: requestID})
}

func (h *Handlers) respondErr(c *conn, msg ClientMessage, err error) {
	if msg.RequestID == "" {
		h.hub.sendTo(c, domain.ErrorServerMessage{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
		return
	}
	h.hub.sendTo(c, domain.ErrorResponse(msg.RequestID, err))
}

func (h *Handlers) publish(ctx context.Context, t domain.EventType, connID string) {
	if h.deps.Bus == nil {
		return
	}
	h.deps.Bus.Publish(ctx, domain.NewEvent(t, "", map[string]string{"conn_id": connID}))
}

func requireFields(msg ClientMessage, needRequest bool) error {
	const op = "Handlers.Handle"
	if msg.ChatID == "" {
		return domain.NewDomainError(op, domain.ErrInvalidPayload, "missing chat_id")
	}
	if needRequest && msg.RequestID == "" {
		return domain.NewDomainError(op, domain.ErrInvalidPayload, "missing request_id")
	}
	return nil
}

var _ StatusSource = (*Handlers)(nil)

func (h *Handlers) OpenChats() int    { return h.deps.Sessions.Len() }
func (h *Handlers) LockedChats() int  { return h.deps.Locks.ActiveCount() }
func (h *Handlers) RunningTurns() int { return h.deps.Turns.Len() }
