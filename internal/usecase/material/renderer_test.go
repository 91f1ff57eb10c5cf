package material

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiconsole/internal/domain"
)

type fakeEvaluator struct {
	mu      sync.Mutex
	sources []string
	out     string
	err     error
}

func (f *fakeEvaluator) Evaluate(_ context.Context, source []byte, _ domain.EvaluationContext) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, string(source))
	return f.out, f.err
}

type fakeDocumenter struct{ out string }

func (f fakeDocumenter) Document(source []byte) (string, error) {
	return f.out + ":" + string(source), nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

type countingMetrics struct {
	mu     sync.Mutex
	failed map[domain.MaterialContentType]int
}

func (c *countingMetrics) RenderFailed(ct domain.MaterialContentType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[ct]++
}

func material(id string, ct domain.MaterialContentType, content string) *domain.Material {
	return &domain.Material{
		AssetMeta:   domain.AssetMeta{ID: id, Name: "Material " + id},
		ContentType: ct,
		Content:     content,
	}
}

func newTestRenderer(t *testing.T, opts Options) *Renderer {
	t.Helper()
	if opts.AssetsDir == "" {
		opts.AssetsDir = t.TempDir()
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRenderer(opts)
}

func ectx() domain.EvaluationContext {
	return domain.EvaluationContext{Chat: &domain.Chat{ID: "chat-1"}}
}

func TestRender_StaticText(t *testing.T) {
	r := newTestRenderer(t, Options{})

	got := r.Render(context.Background(), material("m", domain.ContentStaticText, "Use metric units."), ectx())
	assert.Equal(t, domain.RenderedMaterial{ID: "m", Content: "# Material m\n\nUse metric units."}, got)
	assert.False(t, got.Failed())
}

func TestRender_InlinesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", "style.md"), []byte("Be terse."), 0o644))
	r := newTestRenderer(t, Options{AssetsDir: dir})

	got := r.Render(context.Background(), material("m", domain.ContentStaticText, "file://notes/style.md"), ectx())
	assert.Equal(t, "# Material m\n\nBe terse.", got.Content)
}

func TestRender_RejectsTraversal(t *testing.T) {
	r := newTestRenderer(t, Options{})

	for _, path := range []string{"file://../secret", "file:///etc/passwd", "file://a/../../b"} {
		got := r.Render(context.Background(), material("m", domain.ContentStaticText, path), ectx())
		assert.True(t, got.Failed(), path)
		assert.Empty(t, got.Content)
		assert.Contains(t, got.Error, "escapes assets directory")
	}
}

func TestRender_DynamicText(t *testing.T) {
	script := &fakeEvaluator{out: "It is Monday."}
	r := newTestRenderer(t, Options{Script: script})

	got := r.Render(context.Background(), material("d", domain.ContentDynamicText, "def content(context): ..."), ectx())
	assert.Equal(t, "# Material d\n\nIt is Monday.", got.Content)
	assert.Equal(t, []string{"def content(context): ..."}, script.sources)
}

func TestRender_WASMSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clock.wasm"), []byte("\x00asm-file"), 0o644))
	wasm := &fakeEvaluator{out: "tick"}
	script := &fakeEvaluator{}
	r := newTestRenderer(t, Options{AssetsDir: dir, WASM: wasm, Script: script})

	inline := "wasm;base64," + base64.StdEncoding.EncodeToString([]byte("\x00asm-inline"))
	assert.Equal(t, "# Material a\n\ntick", r.Render(context.Background(), material("a", domain.ContentDynamicText, inline), ectx()).Content)
	assert.Equal(t, "# Material b\n\ntick", r.Render(context.Background(), material("b", domain.ContentDynamicText, "wasm://clock.wasm"), ectx()).Content)

	assert.Equal(t, []string{"\x00asm-inline", "\x00asm-file"}, wasm.sources)
	assert.Empty(t, script.sources)

	bad := r.Render(context.Background(), material("c", domain.ContentDynamicText, "wasm;base64,!!!"), ectx())
	assert.True(t, bad.Failed())
}

func TestRender_API(t *testing.T) {
	r := newTestRenderer(t, Options{Documenter: fakeDocumenter{out: "docs"}})

	got := r.Render(context.Background(), material("api", domain.ContentAPI, "def f(): pass"), ectx())
	assert.Equal(t, "# Material api\n\ndocs:def f(): pass", got.Content)
}

func TestRender_FailureIsCapturedAndReported(t *testing.T) {
	bus := &recordingBus{}
	metrics := &countingMetrics{failed: map[domain.MaterialContentType]int{}}
	script := &fakeEvaluator{err: errors.New("Traceback: line 3: boom")}
	r := newTestRenderer(t, Options{Script: script, Bus: bus, Metrics: metrics})

	got := r.Render(context.Background(), material("d", domain.ContentDynamicText, "x"), ectx())
	assert.True(t, got.Failed())
	assert.Empty(t, got.Content)
	assert.Contains(t, got.Error, "line 3: boom")

	require.Len(t, bus.events, 1)
	assert.Equal(t, domain.EventMaterialFailed, bus.events[0].Type)
	assert.Equal(t, "chat-1", bus.events[0].ChatID)
	assert.Equal(t, 1, metrics.failed[domain.ContentDynamicText])
}

func TestRender_UnknownContentTypeAndDisabledEvaluators(t *testing.T) {
	r := newTestRenderer(t, Options{})

	for _, m := range []*domain.Material{
		material("x", "", "text"),
		material("d", domain.ContentDynamicText, "def content(c): pass"),
		material("w", domain.ContentDynamicText, "wasm;base64,AA=="),
		material("a", domain.ContentAPI, "def f(): pass"),
	} {
		got := r.Render(context.Background(), m, ectx())
		assert.True(t, got.Failed(), m.ID)
	}
}

func TestRenderAll_KeepsOrderAndIsolatesFailures(t *testing.T) {
	script := &fakeEvaluator{err: errors.New("boom")}
	r := newTestRenderer(t, Options{Script: script, Concurrency: 2})

	materials := []*domain.Material{
		material("1", domain.ContentStaticText, "one"),
		material("2", domain.ContentDynamicText, "broken"),
		material("3", domain.ContentStaticText, "three"),
	}
	got := r.RenderAll(context.Background(), materials, ectx())

	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "# Material 1\n\none", got[0].Content)
	assert.True(t, got[1].Failed())
	assert.Equal(t, "# Material 3\n\nthree", got[2].Content)
}
