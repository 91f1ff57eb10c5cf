package chat

import (
	"context"
	"log/slog"

	"aiconsole/internal/domain"
)

// Mutator is the only way to change a chat. Reads return a snapshot;
// writes are applied, persisted and delivered as one step.
type Mutator interface {
	// Chat returns a snapshot that already reflects every successful Mutate.
	Chat() *domain.Chat
	// Mutate applies m. On error nothing was applied or delivered and the
	// caller must abandon the turn.
	Mutate(ctx context.Context, m domain.Mutation) error
}

// Relay forwards applied mutations to other nodes serving the same chat.
type Relay interface {
	PublishMutation(ctx context.Context, chatID, requestID string, m domain.Mutation) error
}

// Metrics receives a tick per applied mutation.
type Metrics interface {
	MutationApplied(kind domain.MutationKind)
}

// MutatorOptions configures a SessionMutator.
type MutatorOptions struct {
	// RequestID tags every delivered mutation; it is the lock holder's request.
	RequestID string
	// Origin is the connection that submitted the mutations, excluded from
	// delivery. Empty for server-generated mutations.
	Origin  string
	Relay   Relay
	Metrics Metrics
	Bus     domain.EventBus
	Logger  *slog.Logger
}

// SessionMutator applies mutations to a Session, appending them to the
// store's log before they become visible.
type SessionMutator struct {
	session  *Session
	store    domain.ChatStore
	notifier domain.Notifier
	opts     MutatorOptions
}

var _ Mutator = (*SessionMutator)(nil)

// NewMutator creates a mutator for one logical caller of session.
func NewMutator(session *Session, store domain.ChatStore, notifier domain.Notifier, opts MutatorOptions) *SessionMutator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SessionMutator{session: session, store: store, notifier: notifier, opts: opts}
}

// RequestID returns the request the mutations are delivered under.
func (m *SessionMutator) RequestID() string { return m.opts.RequestID }

func (m *SessionMutator) Chat() *domain.Chat { return m.session.Snapshot() }

func (m *SessionMutator) Mutate(ctx context.Context, mutation domain.Mutation) error {
	chatID := m.session.ID()

	persist := func(mu domain.Mutation) (int64, error) {
		seq, err := m.store.AppendMutation(ctx, chatID, mu)
		if err != nil {
			return 0, domain.NewDomainError("Mutator.Mutate", domain.ErrStoreUnavailable, err.Error())
		}
		return seq, nil
	}

	deliver := func(seq int64) {
		if m.notifier != nil {
			m.notifier.SendToChat(ctx, chatID, domain.MutationServerMessage{
				RequestID: m.opts.RequestID,
				ChatID:    chatID,
				Mutation:  domain.TaggedMutation{Mutation: mutation},
			}, m.opts.Origin)
		}
		if m.opts.Metrics != nil {
			m.opts.Metrics.MutationApplied(mutation.Kind())
		}
		if m.opts.Bus != nil {
			m.opts.Bus.Publish(ctx, domain.NewEvent(domain.EventMutationApplied, chatID,
				domain.MutationEventPayload{Kind: mutation.Kind(), Seq: seq}))
		}
	}

	if err := m.session.apply(mutation, persist, deliver); err != nil {
		m.opts.Logger.Warn("mutation rejected",
			"chat_id", chatID, "kind", string(mutation.Kind()), "error", err)
		return err
	}

	if m.opts.Relay != nil {
		if err := m.opts.Relay.PublishMutation(ctx, chatID, m.opts.RequestID, mutation); err != nil {
			m.opts.Logger.Warn("mutation relay failed", "chat_id", chatID, "error", err)
		}
	}
	return nil
}

// ApplyRemote applies a mutation that another node already persisted and
// delivers it to this node's subscribers.
func ApplyRemote(ctx context.Context, session *Session, notifier domain.Notifier, requestID string, m domain.Mutation) error {
	return session.apply(m, nil, func(int64) {
		if notifier != nil {
			notifier.SendToChat(ctx, session.ID(), domain.MutationServerMessage{
				RequestID: requestID,
				ChatID:    session.ID(),
				Mutation:  domain.TaggedMutation{Mutation: m},
			}, "")
		}
	})
}
