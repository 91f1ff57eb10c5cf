package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiconsole/internal/domain"
)

type fakeConverseClient struct {
	input  *bedrockruntime.ConverseInput
	output *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeConverseClient) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.output, f.err
}

func (f *fakeConverseClient) ConverseStream(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, f.err
}

func TestToBedrockConverseInput(t *testing.T) {
	in := toBedrockConverseInput(domain.ChatRequest{
		Model:        "anthropic.claude",
		SystemPrompt: "be brief",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "extra"},
			{Role: domain.RoleUser, Content: "list files"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.FunctionCall{{ID: "c1", Name: "shell", Arguments: `{"code":"ls"}`}}},
			{Role: domain.RoleTool, ToolCallID: "c1", Content: "a.txt"},
			{Role: domain.RoleUser, Content: "thanks"},
		},
		Tools:       []domain.ToolDefinition{domain.NewFunctionTool("shell", "run shell", json.RawMessage(`{"type":"object"}`))},
		ToolChoice:  "shell",
		Temperature: 0.5,
	})

	assert.Equal(t, "anthropic.claude", aws.ToString(in.ModelId))
	assert.Equal(t, int32(4096), aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.5, aws.ToFloat32(in.InferenceConfig.Temperature), 1e-6)
	require.Len(t, in.System, 2)

	// The tool result and the following user text share one user turn.
	require.Len(t, in.Messages, 3)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, types.ConversationRoleAssistant, in.Messages[1].Role)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[2].Role)
	require.Len(t, in.Messages[2].Content, 2)
	result, ok := in.Messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "c1", aws.ToString(result.Value.ToolUseId))

	use, ok := in.Messages[1].Content[0].(*types.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "shell", aws.ToString(use.Value.Name))

	require.NotNil(t, in.ToolConfig)
	require.Len(t, in.ToolConfig.Tools, 1)
	spec, ok := in.ToolConfig.Tools[0].(*types.ToolMemberToolSpec)
	require.True(t, ok)
	assert.Equal(t, "shell", aws.ToString(spec.Value.Name))
	choice, ok := in.ToolConfig.ToolChoice.(*types.ToolChoiceMemberTool)
	require.True(t, ok)
	assert.Equal(t, "shell", aws.ToString(choice.Value.Name))
}

func TestBedrockChat(t *testing.T) {
	client := &fakeConverseClient{output: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "running"},
				&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String("c9"),
					Name:      aws.String("python"),
					Input:     document.NewLazyDocument(map[string]any{"code": "print(1)"}),
				}},
			},
		}},
		Usage: &types.TokenUsage{InputTokens: aws.Int32(12), OutputTokens: aws.Int32(4)},
	}}
	p := newBedrockProviderWithClient("bedrock", "model-x", client, newTestLogger())

	resp, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "go"}}})
	require.NoError(t, err)
	assert.Equal(t, "model-x", aws.ToString(client.input.ModelId))
	assert.Equal(t, "running", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "c9", resp.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"code":"print(1)"}`, resp.Message.ToolCalls[0].Arguments)
	assert.Equal(t, domain.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16}, resp.Usage)
}

func TestBedrockChatStream_InitiationError(t *testing.T) {
	client := &fakeConverseClient{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	p := newBedrockProviderWithClient("bedrock", "model-x", client, newTestLogger())

	_, err := p.ChatStream(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrRateLimit)
}

func TestProcessBedrockStreamEvent(t *testing.T) {
	tests := []struct {
		name string
		evt  types.ConverseStreamOutput
		want domain.StreamDelta
		ok   bool
	}{
		{
			name: "text",
			evt: &types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
				ContentBlockIndex: aws.Int32(0),
				Delta:             &types.ContentBlockDeltaMemberText{Value: "hi"},
			}},
			want: domain.StreamDelta{Content: "hi"},
			ok:   true,
		},
		{
			name: "tool start",
			evt: &types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
				ContentBlockIndex: aws.Int32(1),
				Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
					ToolUseId: aws.String("t1"),
					Name:      aws.String("python"),
				}},
			}},
			want: domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 1, ID: "t1", Name: "python"}}},
			ok:   true,
		},
		{
			name: "tool input",
			evt: &types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
				ContentBlockIndex: aws.Int32(1),
				Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"code":`)}},
			}},
			want: domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 1, Arguments: `{"code":`}}},
			ok:   true,
		},
		{
			name: "metadata",
			evt: &types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
				Usage: &types.TokenUsage{InputTokens: aws.Int32(3), OutputTokens: aws.Int32(2)},
			}},
			want: domain.StreamDelta{Done: true, Usage: &domain.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
			ok:   true,
		},
		{
			name: "message stop is skipped",
			evt:  &types.ConverseStreamOutputMemberMessageStop{},
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := processBedrockStreamEvent(tt.evt)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMapBedrockError(t *testing.T) {
	tests := []struct {
		code string
		msg  string
		want error
	}{
		{"ThrottlingException", "rate", domain.ErrRateLimit},
		{"AccessDeniedException", "denied", domain.ErrAuthInvalid},
		{"ValidationException", "input is too long", domain.ErrContextOverflow},
		{"ModelStreamErrorException", "broken", domain.ErrProviderError},
		{"InternalServerException", "oops", domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapBedrockError(&smithy.GenericAPIError{Code: tt.code, Message: tt.msg})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.ErrorIs(t, mapBedrockError(context.Canceled), context.Canceled)
	assert.Nil(t, mapBedrockError(nil))

	other := mapBedrockError(errors.New("dial tcp"))
	assert.Contains(t, other.Error(), "bedrock")
	assert.NotErrorIs(t, other, domain.ErrProviderError)
}
