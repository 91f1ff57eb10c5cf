package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"aiconsole/internal/domain"
)

// memStore is an in-memory domain.ChatStore.
type memStore struct {
	mu        sync.Mutex
	chats     map[string]*domain.Chat
	snapSeq   map[string]int64
	log       map[string][]domain.Mutation
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{
		chats:   make(map[string]*domain.Chat),
		snapSeq: make(map[string]int64),
		log:     make(map[string][]domain.Mutation),
	}
}

func (s *memStore) LoadChat(_ context.Context, id string) (*domain.Chat, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, 0, domain.ErrChatNotFound
	}
	chat := c.Clone()
	for _, m := range s.log[id] {
		if err := domain.ApplyMutation(chat, m); err != nil {
			return nil, 0, err
		}
	}
	return chat, s.snapSeq[id] + int64(len(s.log[id])), nil
}

func (s *memStore) CreateChat(_ context.Context, chat *domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat.Clone()
	return nil
}

func (s *memStore) AppendMutation(_ context.Context, chatID string, m domain.Mutation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	s.log[chatID] = append(s.log[chatID], m)
	return s.snapSeq[chatID] + int64(len(s.log[chatID])), nil
}

func (s *memStore) SaveSnapshot(_ context.Context, chat *domain.Chat, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	covered := int(seq - s.snapSeq[chat.ID])
	if covered > len(s.log[chat.ID]) {
		return fmt.Errorf("snapshot beyond log")
	}
	s.chats[chat.ID] = chat.Clone()
	s.log[chat.ID] = s.log[chat.ID][covered:]
	s.snapSeq[chat.ID] = seq
	return nil
}

func (s *memStore) ListChats(context.Context) ([]domain.ChatHeadline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatHeadline
	for _, c := range s.chats {
		out = append(out, domain.ChatHeadline{ID: c.ID, Name: c.Name})
	}
	return out, nil
}

func (s *memStore) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, id)
	delete(s.log, id)
	return nil
}

type sent struct {
	chatID  string
	exclude string
	msg     domain.ServerMessage
}

// recordingNotifier captures every message in delivery order.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
	all  []domain.ServerMessage
}

func (n *recordingNotifier) SendToChat(_ context.Context, chatID string, msg domain.ServerMessage, exclude string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{chatID: chatID, exclude: exclude, msg: msg})
}

func (n *recordingNotifier) SendToAll(_ context.Context, msg domain.ServerMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, msg)
}

func (n *recordingNotifier) mutations() []domain.Mutation {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Mutation
	for _, s := range n.sent {
		if m, ok := s.msg.(domain.MutationServerMessage); ok {
			out = append(out, m.Mutation.Mutation)
		}
	}
	return out
}

// newTestMutator opens a fresh chat with one user group holding one message
// and one empty agent group "g-agent".
func newTestMutator(t *testing.T) (*SessionMutator, *memStore, *recordingNotifier) {
	store := newMemStore()
	chat := &domain.Chat{ID: "chat-1"}
	for _, m := range []domain.Mutation{
		domain.CreateMessageGroupMutation{MessageGroupID: "g-user", ActorID: "user/alice", Role: domain.RoleUser},
		domain.CreateMessageMutation{MessageGroupID: "g-user", MessageID: "m-user", Content: "what is 1+1?"},
		domain.CreateMessageGroupMutation{MessageGroupID: "g-agent", ActorID: "agent/automator", Role: domain.RoleAssistant},
	} {
		require.NoError(t, domain.ApplyMutation(chat, m))
	}
	_ = store.CreateChat(context.Background(), chat)

	notifier := &recordingNotifier{}
	session := NewSession(chat, 0)
	mut := NewMutator(session, store, notifier, MutatorOptions{RequestID: "req-1"})
	return mut, store, notifier
}

// scriptedStream returns a closed channel pre-filled with deltas.
func scriptedStream(deltas ...domain.StreamDelta) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}
