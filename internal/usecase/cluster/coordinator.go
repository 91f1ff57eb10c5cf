// Package cluster lets several nodes serve the same chats: a Redis lock
// keeps one mutation writer per chat across nodes, and applied mutations
// are relayed so every node's subscribers see them.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aiconsole/internal/domain"
	"aiconsole/internal/usecase/chat"
)

const (
	lockKeyPrefix   = "aiconsole:chat:lock:"
	mutationChannel = "aiconsole:mutations"
	defaultLockTTL  = 30 * time.Second
)

// RedisClient abstracts the Redis operations the coordinator needs.
type RedisClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// Get returns the value of key, or "" when it does not exist.
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	// Expire resets key's time to live. Returns false if key is gone.
	Expire(ctx context.Context, key string, expiration time.Duration) (bool, error)
	Publish(ctx context.Context, channel string, message string) error
	// Subscribe returns the payloads published on channel until ctx ends.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	Close() error
}

// RemoteMutation is a mutation another node applied and persisted.
type RemoteMutation struct {
	ChatID    string
	RequestID string
	Mutation  domain.Mutation
}

// MutationHandler receives relayed mutations from other nodes.
type MutationHandler func(ctx context.Context, rm RemoteMutation)

type envelope struct {
	NodeID    string                `json:"node_id"`
	ChatID    string                `json:"chat_id"`
	RequestID string                `json:"request_id"`
	Mutation  domain.TaggedMutation `json:"mutation"`
}

// CoordinatorConfig holds configuration for the coordinator.
type CoordinatorConfig struct {
	NodeID  string
	LockTTL time.Duration
}

// Coordinator implements chat.DistributedLock and chat.Relay over Redis.
// Held locks are refreshed every third of their TTL while Run is active.
type Coordinator struct {
	nodeID  string
	client  RedisClient
	logger  *slog.Logger
	lockTTL time.Duration

	mu       sync.Mutex
	held     map[string]string // lock key -> value
	stopOnce sync.Once
	stopCh   chan struct{}
}

var (
	_ chat.DistributedLock = (*Coordinator)(nil)
	_ chat.Relay           = (*Coordinator)(nil)
)

// NewCoordinator creates a coordinator over client.
func NewCoordinator(client RedisClient, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Coordinator{
		nodeID:  cfg.NodeID,
		client:  client,
		logger:  logger,
		lockTTL: ttl,
		held:    make(map[string]string),
		stopCh:  make(chan struct{}),
	}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

func (c *Coordinator) lockValue(owner string) string { return c.nodeID + "|" + owner }

// TryAcquire takes the cluster-wide lock of chatID for owner. Acquiring a
// lock owner already holds succeeds.
func (c *Coordinator) TryAcquire(ctx context.Context, chatID, owner string) (bool, error) {
	key := lockKeyPrefix + chatID
	value := c.lockValue(owner)

	ok, err := c.client.SetNX(ctx, key, value, c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire chat lock: %w", err)
	}
	if !ok {
		current, err := c.client.Get(ctx, key)
		if err != nil {
			return false, fmt.Errorf("read chat lock: %w", err)
		}
		if current != value {
			c.logger.Debug("chat lock held elsewhere", "chat_id", chatID, "holder", current)
			return false, nil
		}
	}

	c.mu.Lock()
	c.held[key] = value
	c.mu.Unlock()
	c.logger.Debug("chat lock acquired", "chat_id", chatID, "node", c.nodeID)
	return true, nil
}

// Release gives up owner's lock of chatID. A lock held by someone else is
// left alone.
func (c *Coordinator) Release(ctx context.Context, chatID, owner string) error {
	key := lockKeyPrefix + chatID
	value := c.lockValue(owner)

	c.mu.Lock()
	delete(c.held, key)
	c.mu.Unlock()

	current, err := c.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read chat lock: %w", err)
	}
	if current != value {
		c.logger.Debug("skipping chat lock release (not owner)", "chat_id", chatID, "holder", current)
		return nil
	}
	if err := c.client.Del(ctx, key); err != nil {
		return fmt.Errorf("release chat lock: %w", err)
	}
	return nil
}

// PublishMutation relays an applied mutation to the other nodes.
func (c *Coordinator) PublishMutation(ctx context.Context, chatID, requestID string, m domain.Mutation) error {
	data, err := json.Marshal(envelope{
		NodeID:    c.nodeID,
		ChatID:    chatID,
		RequestID: requestID,
		Mutation:  domain.TaggedMutation{Mutation: m},
	})
	if err != nil {
		return fmt.Errorf("marshal relayed mutation: %w", err)
	}
	return c.client.Publish(ctx, mutationChannel, string(data))
}

// Run subscribes to relayed mutations and refreshes held locks until ctx
// ends or Stop is called. Mutations this node published are skipped.
func (c *Coordinator) Run(ctx context.Context, handle MutationHandler) error {
	ch, err := c.client.Subscribe(ctx, mutationChannel)
	if err != nil {
		return fmt.Errorf("subscribe mutations: %w", err)
	}

	go func() {
		ticker := time.NewTicker(c.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refresh(ctx)
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.receive(ctx, msg, handle)
			}
		}
	}()
	return nil
}

func (c *Coordinator) receive(ctx context.Context, msg string, handle MutationHandler) {
	var env envelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		c.logger.Warn("dropping malformed relayed mutation", "error", err)
		return
	}
	if env.NodeID == c.nodeID || env.Mutation.Mutation == nil {
		return
	}
	handle(ctx, RemoteMutation{ChatID: env.ChatID, RequestID: env.RequestID, Mutation: env.Mutation.Mutation})
}

func (c *Coordinator) refresh(ctx context.Context) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.held))
	for k := range c.held {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, key := range keys {
		ok, err := c.client.Expire(ctx, key, c.lockTTL)
		if err != nil {
			c.logger.Warn("chat lock refresh failed", "key", key, "error", err)
			continue
		}
		if !ok {
			c.logger.Warn("chat lock expired before refresh", "key", key)
			c.mu.Lock()
			delete(c.held, key)
			c.mu.Unlock()
		}
	}
}

// Stop ends Run and closes the Redis client.
func (c *Coordinator) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		err = c.client.Close()
	})
	return err
}
