package domain

import (
	"context"
	"time"
)

// Notifier delivers server messages to connected clients. Delivery is best
// effort: a message for a chat nobody has open is dropped.
type Notifier interface {
	// SendToChat delivers msg to every connection subscribed to chatID,
	// skipping the connection whose id equals exclude (if non-empty).
	SendToChat(ctx context.Context, chatID string, msg ServerMessage, exclude string)
	// SendToAll delivers msg to every connection.
	SendToAll(ctx context.Context, msg ServerMessage)
}

// AssetRepository resolves stored assets.
type AssetRepository interface {
	// GetAsset returns ErrAssetNotFound when no asset of that type has the id.
	GetAsset(ctx context.Context, assetType AssetType, id string) (Asset, error)
	AllAssets(ctx context.Context, assetType AssetType) ([]Asset, error)
	SaveAsset(ctx context.Context, asset Asset) error
}

// ChatHeadline is the listing view of a stored chat.
type ChatHeadline struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LastModified time.Time `json:"last_modified"`
}

// ChatStore persists chats as snapshots plus an append-only mutation log.
type ChatStore interface {
	// LoadChat rebuilds a chat from its newest snapshot and the log entries
	// after it. Returns ErrChatNotFound for unknown ids.
	LoadChat(ctx context.Context, id string) (*Chat, int64, error)
	// CreateChat stores an empty chat.
	CreateChat(ctx context.Context, chat *Chat) error
	// AppendMutation adds m to the chat's log and returns its sequence number.
	AppendMutation(ctx context.Context, chatID string, m Mutation) (int64, error)
	// SaveSnapshot stores chat as of seq and prunes log entries it covers.
	SaveSnapshot(ctx context.Context, chat *Chat, seq int64) error
	ListChats(ctx context.Context) ([]ChatHeadline, error)
	DeleteChat(ctx context.Context, id string) error
}
