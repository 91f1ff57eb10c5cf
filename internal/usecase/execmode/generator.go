package execmode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"aiconsole/internal/domain"
	"aiconsole/internal/infra/tracer"
	"aiconsole/internal/usecase/chat"
)

// Defaults for inference requests.
const (
	DefaultMinTokens       = 250
	DefaultPreferredTokens = 2000
	DefaultTemperature     = 0.2
	DefaultContextSize     = 8192
)

// TokenCounter estimates the prompt size of a request.
type TokenCounter interface {
	CountRequest(req domain.ChatRequest) int
}

// ContextSizer is implemented by providers that know their context window.
type ContextSizer interface {
	ContextSize() int
}

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	Router  domain.ModelRouter
	Counter TokenCounter
	// Notifier surfaces responses that ignore a requested format.
	Notifier        domain.Notifier
	MinTokens       int
	PreferredTokens int
	Temperature     float64
	// ContextSize applies to providers that are not a ContextSizer.
	ContextSize int
	Now         func() time.Time
	NewID       func() string
	Logger      *slog.Logger
}

// Generator builds inference requests from chat state and streams the
// answer into a message group.
type Generator struct {
	opts GeneratorOptions
}

// NewGenerator creates a generator, filling zero options with defaults.
func NewGenerator(opts GeneratorOptions) *Generator {
	if opts.MinTokens <= 0 {
		opts.MinTokens = DefaultMinTokens
	}
	if opts.PreferredTokens <= 0 {
		opts.PreferredTokens = DefaultPreferredTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.ContextSize <= 0 {
		opts.ContextSize = DefaultContextSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Generator{opts: opts}
}

// Stream routes req to the provider for mode after fitting MaxTokens into
// the remaining context window.
func (g *Generator) Stream(ctx context.Context, mode domain.GPTMode, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.gpt_mode", string(mode)),
			tracer.IntAttr("llm.tools", len(req.Tools)),
		))
	defer span.End()

	provider, err := g.opts.Router.Route(mode)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	maxTokens, err := g.budget(provider, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	req.MaxTokens = maxTokens
	if req.Temperature == 0 {
		req.Temperature = g.opts.Temperature
	}
	span.SetAttributes(
		tracer.StringAttr("llm.provider", provider.Name()),
		tracer.IntAttr("llm.max_tokens", maxTokens),
	)

	stream, err := provider.ChatStream(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return stream, nil
}

func (g *Generator) budget(provider domain.StreamingLLMProvider, req domain.ChatRequest) (int, error) {
	size := g.opts.ContextSize
	if s, ok := provider.(ContextSizer); ok && s.ContextSize() > 0 {
		size = s.ContextSize()
	}
	used := 0
	if g.opts.Counter != nil {
		used = g.opts.Counter.CountRequest(req)
	}
	left := size - used
	if left < g.opts.MinTokens {
		return 0, domain.NewDomainError("Generator.budget", domain.ErrTokenBudget,
			fmt.Sprintf("%d tokens left of %d, need at least %d", left, size, g.opts.MinTokens))
	}
	return min(g.opts.PreferredTokens, left), nil
}

// Generate streams one answer for t into a new message, declaring tools.
func (g *Generator) Generate(ctx context.Context, t *Turn, system string, tools *Toolset) (*chat.AssembledMessage, error) {
	snapshot := t.Mutator.Chat()
	req := domain.ChatRequest{
		SystemPrompt: system,
		Messages:     chat.ToInferenceMessages(snapshot),
		Tools:        tools.Definitions(),
	}

	formats := requestedFormats(snapshot)
	req.Tools = append(req.Tools, formats...)
	var forced *domain.ToolDefinition
	if last, ok := chat.LastUserMessage(snapshot); ok && last.RequestedFormat != nil {
		forced = last.RequestedFormat
		req.ToolChoice = forced.Function.Name
	}

	stream, err := g.Stream(ctx, t.Agent.GPTMode, req)
	if err != nil {
		return nil, err
	}

	codeTools := tools.Languages()
	data := make(map[string]bool, len(formats))
	for _, f := range formats {
		if _, isCode := codeTools[f.Function.Name]; !isCode {
			data[f.Function.Name] = true
		}
	}
	asm := chat.NewAssembler(t.Mutator, t.MessageGroupID, chat.AssemblerOptions{
		CodeTools:     codeTools,
		DataFunctions: data,
		Now:           g.opts.Now,
		NewID:         g.opts.NewID,
		Logger:        g.opts.Logger,
	})
	msg, err := asm.Run(ctx, stream)
	if err != nil {
		return msg, err
	}

	for _, tc := range msg.ToolCalls {
		if !tools.Allows(tc.Name) || !json.Valid([]byte(tc.Arguments)) {
			continue
		}
		if verr := tools.Validate(tc.Name, tc.Arguments); verr != nil {
			g.opts.Logger.Warn("tool call arguments do not match schema",
				"chat_id", t.ChatID, "tool_call_id", tc.ID, "error", verr)
		}
	}
	if forced != nil {
		g.checkFormat(ctx, t, *forced, msg)
	}
	return msg, nil
}

// checkFormat validates the answer to a requested format and tells the
// chat when it does not conform.
func (g *Generator) checkFormat(ctx context.Context, t *Turn, format domain.ToolDefinition, msg *chat.AssembledMessage) {
	var err error
	found := false
	for _, tc := range msg.ToolCalls {
		if tc.Name != format.Function.Name {
			continue
		}
		found = true
		err = validateArguments(format.Function.Parameters, tc.Arguments)
		break
	}
	if !found {
		err = fmt.Errorf("no %s call in response", format.Function.Name)
	}
	if err == nil {
		return
	}
	g.opts.Logger.Warn("response ignores requested format",
		"chat_id", t.ChatID, "format", format.Function.Name, "error", err)
	if g.opts.Notifier != nil {
		g.opts.Notifier.SendToChat(ctx, t.ChatID, domain.NotificationServerMessage{
			Title:   "Invalid response format",
			Message: err.Error(),
		}, "")
	}
}

// requestedFormats collects every distinct requested format in the chat.
func requestedFormats(c *domain.Chat) []domain.ToolDefinition {
	var out []domain.ToolDefinition
	seen := make(map[string]bool)
	for _, g := range c.MessageGroups {
		for _, m := range g.Messages {
			if m.RequestedFormat == nil || seen[m.RequestedFormat.Function.Name] {
				continue
			}
			seen[m.RequestedFormat.Function.Name] = true
			out = append(out, *m.RequestedFormat)
		}
	}
	return out
}

// validateArguments checks a JSON document against a JSON Schema.
func validateArguments(schema json.RawMessage, arguments string) error {
	var data any
	if err := json.Unmarshal([]byte(arguments), &data); err != nil {
		return fmt.Errorf("arguments are not JSON: %w", err)
	}
	if len(schema) == 0 || string(schema) == "null" {
		return nil
	}
	compiled, err := jsonschema.NewCompiler().Compile([]byte(schema))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	result := compiled.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}
