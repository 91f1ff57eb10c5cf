// Package execmode decides how an agent answers a turn: interpreter and
// automator stream code through the assembler, the director picks who acts.
package execmode

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"aiconsole/internal/domain"
	"aiconsole/internal/usecase/chat"
)

// Turn is the state one mode invocation works on.
type Turn struct {
	Mutator        chat.Mutator
	ChatID         string
	MessageGroupID string
	Agent          *domain.Agent
	// Materials are the assets selected for this turn; Rendered holds their
	// prompt text in the same order.
	Materials []*domain.Material
	Rendered  []domain.RenderedMaterial

	// onState reports dispatcher state changes made inside a mode.
	onState func(State)
}

func (t *Turn) report(s State) {
	if t.onState != nil {
		t.onState(s)
	}
}

// Mode is one execution strategy. The set of modes is closed: every
// implementation lives in this package.
type Mode interface {
	Kind() domain.ExecutionModeKind
	// ProcessChat produces the agent's answer inside t.MessageGroupID.
	ProcessChat(ctx context.Context, t *Turn) error
	// AcceptCode runs a tool call the user confirmed and continues the turn.
	AcceptCode(ctx context.Context, t *Turn, toolCallID string) error
}

// Registry resolves execution mode kinds to modes.
type Registry struct {
	mu    sync.RWMutex
	modes map[domain.ExecutionModeKind]Mode
}

// NewRegistry creates a registry holding modes.
func NewRegistry(modes ...Mode) *Registry {
	r := &Registry{modes: make(map[domain.ExecutionModeKind]Mode)}
	for _, m := range modes {
		r.Register(m)
	}
	return r
}

// Register adds or replaces the mode for m.Kind().
func (r *Registry) Register(m Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[m.Kind()] = m
}

// Resolve returns the mode for kind.
func (r *Registry) Resolve(kind domain.ExecutionModeKind) (Mode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modes[kind]
	if !ok {
		return nil, domain.NewDomainError("Registry.Resolve", domain.ErrUnknownExecutionMode, fmt.Sprintf("%q", kind))
	}
	return m, nil
}

// Kinds lists the registered kinds in name order.
func (r *Registry) Kinds() []domain.ExecutionModeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ExecutionModeKind, 0, len(r.modes))
	for k := range r.modes {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
