package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"aiconsole/internal/domain"
	"aiconsole/internal/infra/config"
	"aiconsole/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockProvider streams through the AWS Bedrock Converse API.
type BedrockProvider struct {
	name        string
	model       string
	contextSize int
	client      bedrockConverseAPI
	logger      *slog.Logger
}

var (
	_ domain.StreamingLLMProvider = (*BedrockProvider)(nil)
	_ ContextSizer                = (*BedrockProvider)(nil)
)

// NewBedrockProvider creates a Bedrock provider using the default AWS credential chain.
func NewBedrockProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(NewHTTPClient(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	p := newBedrockProviderWithClient(cfg.Name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger)
	p.contextSize = cfg.ContextSize
	return p, nil
}

func newBedrockProviderWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{name: name, model: model, client: client, logger: logger}
}

func (p *BedrockProvider) Name() string { return p.name }

func (p *BedrockProvider) ContextSize() int { return p.contextSize }

// Chat implements domain.LLMProvider.
func (p *BedrockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	output, err := p.client.Converse(ctx, toBedrockConverseInput(req))
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromBedrockConverseOutput(output, req.Model)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	p.logger.Debug("llm chat completed", "provider", p.name, "model", result.Model, "tokens", result.Usage.TotalTokens)
	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *BedrockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ci := toBedrockConverseInput(req)
	output, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         ci.ModelId,
		Messages:        ci.Messages,
		System:          ci.System,
		InferenceConfig: ci.InferenceConfig,
		ToolConfig:      ci.ToolConfig,
	})
	if err != nil {
		return nil, mapBedrockError(err)
	}

	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		for evt := range stream.Events() {
			delta, ok := processBedrockStreamEvent(evt)
			if !ok {
				continue
			}
			if !sendDelta(ctx, ch, delta) {
				return
			}
			if delta.Done {
				return
			}
		}

		if err := stream.Err(); err != nil {
			sendDelta(ctx, ch, domain.StreamDelta{Err: mapBedrockError(err)})
			return
		}
		sendDelta(ctx, ch, domain.StreamDelta{Done: true})
	}()
	return ch, nil
}

// --- Bedrock request/response conversion ---

func toBedrockConverseInput(req domain.ChatRequest) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{ModelId: aws.String(req.Model)}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			input.System = append(input.System, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		msg, ok := toBedrockMessage(m)
		if !ok {
			continue
		}
		// Converse requires alternating roles; tool results following a
		// user turn are folded into it.
		if n := len(input.Messages); n > 0 && input.Messages[n-1].Role == msg.Role {
			input.Messages[n-1].Content = append(input.Messages[n-1].Content, msg.Content...)
			continue
		}
		input.Messages = append(input.Messages, msg)
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = toBedrockToolConfig(req.Tools, req.ToolChoice)
	}
	return input
}

func toBedrockMessage(m domain.Message) (types.Message, bool) {
	switch m.Role {
	case domain.RoleTool:
		return types.Message{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
				}},
			},
		}, true

	case domain.RoleAssistant:
		msg := types.Message{Role: types.ConversationRoleAssistant}
		if m.Content != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, fc := range m.ToolCalls {
			input := map[string]any{}
			if fc.Arguments != "" {
				_ = json.Unmarshal([]byte(fc.Arguments), &input)
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(fc.ID),
				Name:      aws.String(fc.Name),
				Input:     document.NewLazyDocument(input),
			}})
		}
		return msg, len(msg.Content) > 0

	case domain.RoleUser:
		return types.Message{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		}, true
	}
	return types.Message{}, false
}

func toBedrockToolConfig(tools []domain.ToolDefinition, choice string) *types.ToolConfiguration {
	cfg := &types.ToolConfiguration{}
	for _, t := range tools {
		var schema map[string]any
		if len(t.Function.Parameters) > 0 {
			_ = json.Unmarshal(t.Function.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		cfg.Tools = append(cfg.Tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Function.Name),
				Description: aws.String(t.Function.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	if choice != "" {
		cfg.ToolChoice = &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(choice)}}
	}
	return cfg
}

func fromBedrockConverseOutput(output *bedrockruntime.ConverseOutput, model string) *domain.ChatResponse {
	result := &domain.ChatResponse{
		Model:     model,
		CreatedAt: time.Now(),
		Message:   domain.Message{Role: domain.RoleAssistant},
	}
	if output.Usage != nil {
		result.Usage = bedrockUsage(output.Usage)
	}

	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				result.Message.Content += b.Value
			case *types.ContentBlockMemberToolUse:
				result.Message.ToolCalls = append(result.Message.ToolCalls, domain.FunctionCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: marshalDocument(b.Value.Input),
				})
			}
		}
	}
	return result
}

func bedrockUsage(u *types.TokenUsage) domain.Usage {
	in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
	return domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// marshalDocument renders a Bedrock document as JSON text.
func marshalDocument(doc document.Interface) string {
	if doc == nil {
		return "{}"
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// processBedrockStreamEvent maps one stream event to a delta. Tool use
// blocks are correlated by content block index. Metadata (usage) is the
// last event Bedrock sends and ends the stream.
func processBedrockStreamEvent(evt types.ConverseStreamOutput) (domain.StreamDelta, bool) {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse)
		if !ok {
			return domain.StreamDelta{}, false
		}
		return domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{
			Index: int(aws.ToInt32(e.Value.ContentBlockIndex)),
			ID:    aws.ToString(start.Value.ToolUseId),
			Name:  aws.ToString(start.Value.Name),
		}}}, true

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			return domain.StreamDelta{Content: d.Value}, true
		case *types.ContentBlockDeltaMemberToolUse:
			return domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{
				Index:     int(aws.ToInt32(e.Value.ContentBlockIndex)),
				Arguments: aws.ToString(d.Value.Input),
			}}}, true
		}
		return domain.StreamDelta{}, false

	case *types.ConverseStreamOutputMemberMetadata:
		delta := domain.StreamDelta{Done: true}
		if e.Value.Usage != nil {
			u := bedrockUsage(e.Value.Usage)
			delta.Usage = &u
		}
		return delta, true
	}
	return domain.StreamDelta{}, false
}

// --- Error mapping ---

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException" || code == "ModelStreamErrorException":
			return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
		}
	}
	return fmt.Errorf("bedrock: %w", err)
}
