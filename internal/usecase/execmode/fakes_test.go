package execmode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"aiconsole/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMutator applies mutations to an in-memory chat.
type fakeMutator struct {
	mu        sync.Mutex
	chat      *domain.Chat
	mutations []domain.Mutation
}

func (f *fakeMutator) Chat() *domain.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chat.Clone()
}

func (f *fakeMutator) Mutate(_ context.Context, m domain.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := domain.ApplyMutation(f.chat, m); err != nil {
		return err
	}
	f.mutations = append(f.mutations, m)
	return nil
}

func (f *fakeMutator) kinds() []domain.MutationKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.MutationKind, 0, len(f.mutations))
	for _, m := range f.mutations {
		out = append(out, m.Kind())
	}
	return out
}

// scriptedProvider replays one scripted stream per ChatStream call; once
// the script runs out the last stream repeats.
type scriptedProvider struct {
	mu      sync.Mutex
	streams [][]domain.StreamDelta
	reqs    []domain.ChatRequest
	// hang makes ChatStream return a stream that never yields.
	hang bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

func (p *scriptedProvider) ChatStream(_ context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.hang {
		return make(chan domain.StreamDelta), nil
	}
	i := min(len(p.reqs)-1, len(p.streams)-1)
	ch := make(chan domain.StreamDelta, len(p.streams[i])+1)
	for _, d := range p.streams[i] {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) requests() []domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatRequest(nil), p.reqs...)
}

type fakeRouter struct{ p domain.StreamingLLMProvider }

func (r fakeRouter) Route(domain.GPTMode) (domain.StreamingLLMProvider, error) { return r.p, nil }

type fixedCounter int

func (c fixedCounter) CountRequest(domain.ChatRequest) int { return int(c) }

// memAssets is an in-memory domain.AssetRepository.
type memAssets struct {
	assets map[domain.AssetType]map[string]domain.Asset
}

func newMemAssets(assets ...domain.Asset) *memAssets {
	r := &memAssets{assets: make(map[domain.AssetType]map[string]domain.Asset)}
	for _, a := range assets {
		_ = r.SaveAsset(context.Background(), a)
	}
	return r
}

func (r *memAssets) GetAsset(_ context.Context, t domain.AssetType, id string) (domain.Asset, error) {
	a, ok := r.assets[t][id]
	if !ok {
		return nil, domain.ErrAssetNotFound
	}
	return a, nil
}

func (r *memAssets) AllAssets(_ context.Context, t domain.AssetType) ([]domain.Asset, error) {
	var out []domain.Asset
	for _, a := range r.assets[t] {
		out = append(out, a)
	}
	return out, nil
}

func (r *memAssets) SaveAsset(_ context.Context, a domain.Asset) error {
	if r.assets[a.Type()] == nil {
		r.assets[a.Type()] = make(map[string]domain.Asset)
	}
	r.assets[a.Type()][a.Meta().ID] = a
	return nil
}

type notification struct {
	chatID string
	msg    domain.NotificationServerMessage
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (n *recordingNotifier) SendToChat(_ context.Context, chatID string, msg domain.ServerMessage, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if note, ok := msg.(domain.NotificationServerMessage); ok {
		n.notes = append(n.notes, notification{chatID: chatID, msg: note})
	}
}

func (n *recordingNotifier) SendToAll(context.Context, domain.ServerMessage) {}

func (n *recordingNotifier) notifications() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.notes...)
}

type runCall struct {
	language string
	code     string
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    []runCall
	output   string
	exitCode int
	err      error
}

func (r *fakeRunner) Run(_ context.Context, language, code string, onOutput func(string)) (*domain.CodeResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{language: language, code: code})
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	onOutput(r.output)
	return &domain.CodeResult{Output: r.output, ExitCode: r.exitCode}, nil
}

func (r *fakeRunner) Languages() []string { return []string{ToolPython, ToolShell, ToolAppleScript} }

func (r *fakeRunner) runs() []runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runCall(nil), r.calls...)
}

// fakeRenderer renders static content with the usual header.
type fakeRenderer struct{}

func (fakeRenderer) RenderAll(_ context.Context, materials []*domain.Material, _ domain.EvaluationContext) []domain.RenderedMaterial {
	out := make([]domain.RenderedMaterial, 0, len(materials))
	for _, m := range materials {
		out = append(out, domain.RenderedMaterial{ID: m.ID, Content: "# " + m.Name + "\n\n" + m.Content})
	}
	return out
}

type turnCount struct {
	mode    domain.ExecutionModeKind
	outcome string
}

type recordingMetrics struct {
	mu    sync.Mutex
	turns []turnCount
}

func (m *recordingMetrics) TurnFinished(mode domain.ExecutionModeKind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turnCount{mode: mode, outcome: outcome})
}

func textDelta(s string) domain.StreamDelta { return domain.StreamDelta{Content: s} }

func callDelta(id, name, args string) domain.StreamDelta {
	return domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: id, Name: name, Arguments: args}}}
}

func codeArgs(code string) string {
	return `{"code": "` + strings.ReplaceAll(code, `"`, `\"`) + `"}`
}
