package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	"aiconsole/internal/domain"
	"aiconsole/internal/infra/config"
	"aiconsole/internal/infra/tracer"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	name        string
	model       string
	contextSize int
	client      *openai.Client
	logger      *slog.Logger
}

var (
	_ domain.StreamingLLMProvider = (*OpenAIProvider)(nil)
	_ ContextSizer                = (*OpenAIProvider)(nil)
)

// NewOpenAIProvider creates a provider from cfg. An empty BaseURL means
// the public OpenAI endpoint.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = NewHTTPClient(cfg)

	return &OpenAIProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		contextSize: cfg.ContextSize,
		client:      openai.NewClientWithConfig(oc),
		logger:      logger,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// ContextSize returns the configured context window, 0 when unknown.
func (p *OpenAIProvider) ContextSize() int { return p.contextSize }

// Chat implements domain.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat", p.spanAttrs(req))
	defer span.End()

	resp, err := p.client.CreateChatCompletion(ctx, p.toRequest(req, false))
	if err != nil {
		err = mapOpenAIError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	out := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		CreatedAt: time.Unix(resp.Created, 0),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Message: domain.Message{Role: domain.RoleAssistant},
	}
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		out.Message.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			out.Message.ToolCalls = append(out.Message.ToolCalls, domain.FunctionCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	setUsageAttrs(span, out.Usage)
	tracer.SetOK(span)
	p.logger.Debug("llm chat completed", "provider", p.name, "model", out.Model, "tokens", out.Usage.TotalTokens)
	return out, nil
}

// ChatStream implements domain.StreamingLLMProvider. Every chunk becomes
// one delta; a chunk without choices becomes an Empty delta.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.toRequest(req, true))
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				sendDelta(ctx, ch, domain.StreamDelta{Done: true})
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				sendDelta(ctx, ch, domain.StreamDelta{Err: mapOpenAIError(err)})
				return
			}
			if !sendDelta(ctx, ch, fromStreamResponse(resp)) {
				return
			}
		}
	}()
	return ch, nil
}

func fromStreamResponse(resp openai.ChatCompletionStreamResponse) domain.StreamDelta {
	if len(resp.Choices) == 0 {
		return domain.StreamDelta{Empty: true}
	}
	delta := resp.Choices[0].Delta
	out := domain.StreamDelta{Content: delta.Content}
	for i, tc := range delta.ToolCalls {
		index := i
		if tc.Index != nil {
			index = *tc.Index
		}
		out.ToolCalls = append(out.ToolCalls, domain.FunctionCallDelta{
			Index:     index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

func (p *OpenAIProvider) toRequest(req domain.ChatRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      stream,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	if req.ToolChoice != "" {
		out.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ToolChoice},
		}
	}
	return out
}

func toOpenAIMessages(req domain.ChatRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, fc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:       fc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: fc.Name, Arguments: fc.Arguments},
			})
		}
		out = append(out, msg)
	}
	return out
}

// mapOpenAIError classifies client errors by HTTP status. Context errors
// pass through untouched.
func mapOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return mapHTTPError(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return mapHTTPError(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return fmt.Errorf("%w: %w", domain.ErrProviderError, err)
}

func (p *OpenAIProvider) spanAttrs(req domain.ChatRequest) trace.SpanStartOption {
	model := req.Model
	if model == "" {
		model = p.model
	}
	return trace.WithAttributes(
		tracer.StringAttr("llm.provider", p.name),
		tracer.StringAttr("llm.model", model),
	)
}
