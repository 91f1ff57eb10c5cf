package chat

import (
	"context"
	"fmt"
	"sync"

	"aiconsole/internal/domain"
)

// Holder identifies who currently holds a chat's lock.
type Holder struct {
	RequestID    string
	ConnectionID string
}

// DistributedLock extends chat locks across nodes.
type DistributedLock interface {
	TryAcquire(ctx context.Context, chatID, owner string) (bool, error)
	Release(ctx context.Context, chatID, owner string) error
}

// LockManager grants at most one holder per chat the right to submit
// mutations. Waiters block until the holder releases or their context ends.
type LockManager struct {
	mu     sync.Mutex
	locks  map[string]*chatLock
	remote DistributedLock
}

type chatLock struct {
	sem      chan struct{}
	holder   Holder
	held     bool
	refCount int
}

// NewLockManager creates a lock manager. remote may be nil.
func NewLockManager(remote DistributedLock) *LockManager {
	return &LockManager{
		locks:  make(map[string]*chatLock),
		remote: remote,
	}
}

// Acquire blocks until h holds the lock for chatID or ctx is done.
// Re-acquiring with the same request id is a no-op.
func (lm *LockManager) Acquire(ctx context.Context, chatID string, h Holder) error {
	lm.mu.Lock()
	cl, ok := lm.locks[chatID]
	if !ok {
		cl = &chatLock{sem: make(chan struct{}, 1)}
		lm.locks[chatID] = cl
	}
	if cl.held && cl.holder.RequestID == h.RequestID {
		lm.mu.Unlock()
		return nil
	}
	cl.refCount++
	lm.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
	case <-ctx.Done():
		lm.drop(chatID, cl)
		return fmt.Errorf("chat lock %s: %w: %w", chatID, domain.ErrLockHeld, ctx.Err())
	}

	if lm.remote != nil {
		ok, err := lm.remote.TryAcquire(ctx, chatID, h.RequestID)
		if err != nil || !ok {
			<-cl.sem
			lm.drop(chatID, cl)
			if err != nil {
				return fmt.Errorf("chat lock %s: %w", chatID, err)
			}
			return domain.NewDomainError("LockManager.Acquire", domain.ErrLockHeld, chatID)
		}
	}

	lm.mu.Lock()
	cl.holder = h
	cl.held = true
	lm.mu.Unlock()
	return nil
}

// Release gives up the lock if requestID holds it.
func (lm *LockManager) Release(ctx context.Context, chatID, requestID string) error {
	lm.mu.Lock()
	cl, ok := lm.locks[chatID]
	if !ok || !cl.held || cl.holder.RequestID != requestID {
		lm.mu.Unlock()
		return domain.NewDomainError("LockManager.Release", domain.ErrLockNotHeld, chatID)
	}
	cl.held = false
	cl.holder = Holder{}
	lm.mu.Unlock()

	var err error
	if lm.remote != nil {
		err = lm.remote.Release(ctx, chatID, requestID)
	}
	<-cl.sem
	lm.drop(chatID, cl)
	return err
}

// ReleaseConnection releases every lock held by connID and returns the
// chats that were released.
func (lm *LockManager) ReleaseConnection(ctx context.Context, connID string) []string {
	lm.mu.Lock()
	type held struct{ chatID, requestID string }
	var owned []held
	for chatID, cl := range lm.locks {
		if cl.held && cl.holder.ConnectionID == connID {
			owned = append(owned, held{chatID, cl.holder.RequestID})
		}
	}
	lm.mu.Unlock()

	released := make([]string, 0, len(owned))
	for _, o := range owned {
		if err := lm.Release(ctx, o.chatID, o.requestID); err == nil {
			released = append(released, o.chatID)
		}
	}
	return released
}

// Holder returns the current holder of chatID.
func (lm *LockManager) Holder(chatID string) (Holder, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	cl, ok := lm.locks[chatID]
	if !ok || !cl.held {
		return Holder{}, false
	}
	return cl.holder, true
}

// IsHeldBy reports whether connID holds chatID's lock under requestID.
// An empty requestID matches any request of the connection.
func (lm *LockManager) IsHeldBy(chatID, connID, requestID string) bool {
	h, ok := lm.Holder(chatID)
	if !ok || h.ConnectionID != connID {
		return false
	}
	return requestID == "" || h.RequestID == requestID
}

// ActiveCount returns the number of chats with held or pending locks.
func (lm *LockManager) ActiveCount() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks)
}

func (lm *LockManager) drop(chatID string, cl *chatLock) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	cl.refCount--
	if cl.refCount == 0 && !cl.held {
		delete(lm.locks, chatID)
	}
}
