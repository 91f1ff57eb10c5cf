package chat

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"aiconsole/internal/domain"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new lexically sortable identifier.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Session is the authoritative in-memory copy of one open chat.
type Session struct {
	mu          sync.RWMutex
	chat        *domain.Chat
	seq         int64
	snapshotSeq int64
}

// NewSession wraps chat as loaded at seq.
func NewSession(chat *domain.Chat, seq int64) *Session {
	return &Session{chat: chat, seq: seq, snapshotSeq: seq}
}

// ID returns the chat id.
func (s *Session) ID() string { return s.chat.ID }

// Snapshot returns a deep copy of the current chat.
func (s *Session) Snapshot() *domain.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chat.Clone()
}

// Observe calls fn with a snapshot while no mutation can be delivered, so
// that a subscriber registered inside fn sees every later mutation exactly
// once.
func (s *Session) Observe(fn func(snapshot *domain.Chat)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.chat.Clone())
}

// Seq returns the log sequence of the last applied mutation.
func (s *Session) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// apply resolves m, persists it via persist, commits it and then calls
// deliver, all while holding the session lock so that concurrent writers
// deliver in commit order.
func (s *Session) apply(m domain.Mutation, persist func(domain.Mutation) (int64, error), deliver func(seq int64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit, err := domain.PrepareMutation(s.chat, m)
	if err != nil {
		return err
	}

	// Mutations persisted elsewhere keep the local sequence untouched so that
	// only the writing node snapshots them.
	seq := s.seq
	if persist != nil {
		if seq, err = persist(m); err != nil {
			return err
		}
	}
	commit()
	s.chat.LastModified = time.Now()
	s.seq = seq

	if deliver != nil {
		deliver(seq)
	}
	return nil
}

// dirty reports whether mutations were applied since the last snapshot.
func (s *Session) dirty() (snapshot *domain.Chat, seq int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seq == s.snapshotSeq {
		return nil, 0, false
	}
	return s.chat.Clone(), s.seq, true
}

func (s *Session) markSnapshot(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.snapshotSeq {
		s.snapshotSeq = seq
	}
}

// Registry owns every open chat session of the process.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    domain.ChatStore
	logger   *slog.Logger
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store domain.ChatStore, logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		logger:   logger,
	}
}

// Open returns the session for chatID, loading it from the store or
// creating an empty chat when none is stored yet.
func (r *Registry) Open(ctx context.Context, chatID string) (*Session, error) {
	if chatID == "" {
		return nil, domain.NewDomainError("Registry.Open", domain.ErrInvalidInput, "empty chat id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[chatID]; ok {
		return s, nil
	}

	chat, seq, err := r.store.LoadChat(ctx, chatID)
	switch {
	case errors.Is(err, domain.ErrChatNotFound):
		chat = &domain.Chat{
			ID:            chatID,
			Name:          "New chat",
			LastModified:  time.Now(),
			MessageGroups: []domain.MessageGroup{},
		}
		if err := r.store.CreateChat(ctx, chat); err != nil {
			return nil, fmt.Errorf("create chat %s: %w", chatID, err)
		}
		seq = 0
		r.logger.Info("chat created", "chat_id", chatID)
	case err != nil:
		return nil, fmt.Errorf("load chat %s: %w", chatID, err)
	}

	s := NewSession(chat, seq)
	r.sessions[chatID] = s
	return s, nil
}

// Lookup returns an already open session.
func (r *Registry) Lookup(chatID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// Evict snapshots and forgets a session.
func (r *Registry) Evict(ctx context.Context, chatID string) error {
	r.mu.Lock()
	s, ok := r.sessions[chatID]
	delete(r.sessions, chatID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.snapshot(ctx, s)
}

// Compact writes a snapshot for every session changed since its last one.
// Returns the number of snapshots written.
func (r *Registry) Compact(ctx context.Context) (int, error) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var errs []error
	written := 0
	for _, s := range sessions {
		if _, _, ok := s.dirty(); !ok {
			continue
		}
		if err := r.snapshot(ctx, s); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshot(ctx context.Context, s *Session) error {
	chat, seq, ok := s.dirty()
	if !ok {
		return nil
	}
	if err := r.store.SaveSnapshot(ctx, chat, seq); err != nil {
		return fmt.Errorf("snapshot chat %s: %w", chat.ID, err)
	}
	s.markSnapshot(seq)
	r.logger.Debug("chat snapshot written", "chat_id", chat.ID, "seq", seq)
	return nil
}
