// Package material turns stored material assets into prompt text.
package material

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"aiconsole/internal/domain"
	"aiconsole/internal/infra/tracer"
)

// Source prefixes recognized in material content.
const (
	filePrefix       = "file://"
	wasmFilePrefix   = "wasm://"
	wasmInlinePrefix = "wasm;base64,"
)

// Metrics receives a tick per failed render.
type Metrics interface {
	RenderFailed(contentType domain.MaterialContentType)
}

// Options wires a Renderer.
type Options struct {
	// AssetsDir is the root that file:// and wasm:// paths resolve against.
	AssetsDir  string
	Script     domain.Evaluator
	WASM       domain.Evaluator
	Documenter domain.APIDocumenter
	Bus        domain.EventBus
	Metrics    Metrics
	// Concurrency caps parallel renders in RenderAll. Default 4.
	Concurrency int
	Logger      *slog.Logger
}

// Renderer renders materials. Failures never escape as errors; they are
// reported in RenderedMaterial.Error.
type Renderer struct {
	opts Options
}

// NewRenderer creates a renderer.
func NewRenderer(opts Options) *Renderer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Renderer{opts: opts}
}

// Render produces the prompt text of m for ectx.
func (r *Renderer) Render(ctx context.Context, m *domain.Material, ectx domain.EvaluationContext) domain.RenderedMaterial {
	ctx, span := tracer.StartSpan(ctx, "material.render",
		trace.WithAttributes(
			tracer.StringAttr("material.id", m.ID),
			tracer.StringAttr("material.content_type", string(m.ContentType)),
		))
	defer span.End()

	header := "# " + m.Name + "\n\n"
	body, err := r.body(ctx, m, ectx)
	if err != nil {
		tracer.RecordError(span, err)
		r.failed(ctx, m, ectx, err)
		return domain.RenderedMaterial{ID: m.ID, Error: err.Error()}
	}
	tracer.SetOK(span)
	return domain.RenderedMaterial{ID: m.ID, Content: header + body}
}

// RenderAll renders materials concurrently, keeping their order.
func (r *Renderer) RenderAll(ctx context.Context, materials []*domain.Material, ectx domain.EvaluationContext) []domain.RenderedMaterial {
	out := make([]domain.RenderedMaterial, len(materials))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, m := range materials {
		i, m := i, m
		g.Go(func() error {
			out[i] = r.Render(gctx, m, ectx)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Renderer) body(ctx context.Context, m *domain.Material, ectx domain.EvaluationContext) (string, error) {
	const op = "Renderer.Render"

	switch m.ContentType {
	case domain.ContentStaticText:
		return r.inline(m.Content)

	case domain.ContentDynamicText:
		if src, isWASM, err := r.wasmSource(m.Content); isWASM {
			if err != nil {
				return "", err
			}
			if r.opts.WASM == nil {
				return "", domain.NewDomainError(op, domain.ErrRenderFailed, "wasm materials are disabled")
			}
			return r.opts.WASM.Evaluate(ctx, src, ectx)
		}
		src, err := r.inline(m.Content)
		if err != nil {
			return "", err
		}
		if r.opts.Script == nil {
			return "", domain.NewDomainError(op, domain.ErrRenderFailed, "dynamic materials are disabled")
		}
		return r.opts.Script.Evaluate(ctx, []byte(src), ectx)

	case domain.ContentAPI:
		src, err := r.inline(m.Content)
		if err != nil {
			return "", err
		}
		if r.opts.Documenter == nil {
			return "", domain.NewDomainError(op, domain.ErrRenderFailed, "api materials are disabled")
		}
		return r.opts.Documenter.Document([]byte(src))
	}
	return "", domain.NewDomainError(op, domain.ErrRenderFailed, fmt.Sprintf("material has no content type %q", m.ContentType))
}

// inline resolves a file:// reference under the assets directory.
func (r *Renderer) inline(content string) (string, error) {
	rel, ok := strings.CutPrefix(content, filePrefix)
	if !ok {
		return content, nil
	}
	b, err := r.readAsset(strings.TrimSpace(rel))
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}

// wasmSource decodes inline base64 modules or reads wasm:// files.
func (r *Renderer) wasmSource(content string) ([]byte, bool, error) {
	content = strings.TrimSpace(content)
	if enc, ok := strings.CutPrefix(content, wasmInlinePrefix); ok {
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, true, domain.NewSubSystemError("wasm", "Renderer.wasmSource", domain.ErrInvalidInput, err.Error())
		}
		return b, true, nil
	}
	if rel, ok := strings.CutPrefix(content, wasmFilePrefix); ok {
		b, err := r.readAsset(rel)
		return b, true, err
	}
	return nil, false, nil
}

func (r *Renderer) readAsset(rel string) ([]byte, error) {
	const op = "Renderer.readAsset"
	if r.opts.AssetsDir == "" {
		return nil, domain.NewDomainError(op, domain.ErrRenderFailed, "no assets directory configured")
	}
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return nil, domain.NewDomainError(op, domain.ErrPermissionDenied, "path escapes assets directory: "+rel)
	}
	b, err := os.ReadFile(filepath.Join(r.opts.AssetsDir, rel))
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrRenderFailed, err.Error())
	}
	return b, nil
}

func (r *Renderer) failed(ctx context.Context, m *domain.Material, ectx domain.EvaluationContext, err error) {
	chatID := ""
	if ectx.Chat != nil {
		chatID = ectx.Chat.ID
	}
	r.opts.Logger.Warn("material render failed",
		"material_id", m.ID, "content_type", string(m.ContentType), "chat_id", chatID, "error", err)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RenderFailed(m.ContentType)
	}
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(ctx, domain.NewEvent(domain.EventMaterialFailed, chatID, domain.MaterialFailedPayload{
			MaterialID: m.ID,
			Error:      err.Error(),
		}))
	}
}
