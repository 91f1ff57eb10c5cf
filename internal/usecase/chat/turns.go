package chat

import (
	"context"
	"sync"

	"aiconsole/internal/domain"
)

type turn struct {
	id           uint64
	connectionID string
	cancel       context.CancelFunc
}

// Turns tracks the single in-flight turn of each chat so it can be stopped.
type Turns struct {
	mu     sync.Mutex
	active map[string]turn
	nextID uint64
}

// NewTurns creates an empty tracker.
func NewTurns() *Turns {
	return &Turns{active: make(map[string]turn)}
}

// Start registers a turn for chatID and returns its context and a done
// function that must be called when the turn ends.
func (t *Turns) Start(parent context.Context, chatID, connectionID string) (context.Context, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.active[chatID]; busy {
		return nil, nil, domain.NewDomainError("Turns.Start", domain.ErrTurnInProgress, chatID)
	}

	ctx, cancel := context.WithCancel(parent)
	t.nextID++
	id := t.nextID
	t.active[chatID] = turn{id: id, connectionID: connectionID, cancel: cancel}

	done := func() {
		cancel()
		t.mu.Lock()
		if cur, ok := t.active[chatID]; ok && cur.id == id {
			delete(t.active, chatID)
		}
		t.mu.Unlock()
	}
	return ctx, done, nil
}

// Cancel stops the turn running for chatID. Returns false if none was running.
func (t *Turns) Cancel(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.active[chatID]
	if ok {
		cur.cancel()
	}
	return ok
}

// CancelConnection stops every turn started by connectionID.
func (t *Turns) CancelConnection(connectionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, cur := range t.active {
		if cur.connectionID == connectionID {
			cur.cancel()
			n++
		}
	}
	return n
}

// Running reports whether chatID has an in-flight turn.
func (t *Turns) Running(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[chatID]
	return ok
}

// Len returns the number of in-flight turns.
func (t *Turns) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// CancelOwned stops chatID's turn only if connectionID started it.
func (t *Turns) CancelOwned(chatID, connectionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.active[chatID]
	if !ok || cur.connectionID != connectionID {
		return false
	}
	cur.cancel()
	return true
}
