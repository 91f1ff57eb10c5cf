package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MutationKind is the wire discriminator of a mutation.
type MutationKind string

const (
	KindCreateMessageGroup        MutationKind = "CreateMessageGroupMutation"
	KindDeleteMessageGroup        MutationKind = "DeleteMessageGroupMutation"
	KindSetActorIDMessageGroup    MutationKind = "SetActorIdMessageGroupMutation"
	KindSetTaskMessageGroup       MutationKind = "SetTaskMessageGroupMutation"
	KindSetRoleMessageGroup       MutationKind = "SetRoleMessageGroupMutation"
	KindSetMaterialsIDsMessageGrp MutationKind = "SetMaterialsIdsMessageGroupMutation"
	KindAppendToMaterialsIDsGroup MutationKind = "AppendToMaterialsIdsMessageGroupMutation"
	KindSetAnalysisMessageGroup   MutationKind = "SetAnalysisMessageGroupMutation"
	KindCreateMessage             MutationKind = "CreateMessageMutation"
	KindDeleteMessage             MutationKind = "DeleteMessageMutation"
	KindSetContentMessage         MutationKind = "SetContentMessageMutation"
	KindAppendToContentMessage    MutationKind = "AppendToContentMessageMutation"
	KindSetIsStreamingMessage     MutationKind = "SetIsStreamingMessageMutation"
	KindSetRequestedFormatMessage MutationKind = "SetRequestedFormatMessageMutation"
	KindCreateToolCall            MutationKind = "CreateToolCallMutation"
	KindDeleteToolCall            MutationKind = "DeleteToolCallMutation"
	KindSetHeadlineToolCall       MutationKind = "SetHeadlineToolCallMutation"
	KindAppendToHeadlineToolCall  MutationKind = "AppendToHeadlineToolCallMutation"
	KindSetCodeToolCall           MutationKind = "SetCodeToolCallMutation"
	KindAppendToCodeToolCall      MutationKind = "AppendToCodeToolCallMutation"
	KindSetLanguageToolCall       MutationKind = "SetLanguageToolCallMutation"
	KindSetOutputToolCall         MutationKind = "SetOutputToolCallMutation"
	KindAppendToOutputToolCall    MutationKind = "AppendToOutputToolCallMutation"
	KindSetIsStreamingToolCall    MutationKind = "SetIsStreamingToolCallMutation"
	KindSetIsExecutingToolCall    MutationKind = "SetIsExecutingToolCallMutation"
	KindSetIsSuccessfulToolCall   MutationKind = "SetIsSuccessfulToolCallMutation"
	KindSetNameChat               MutationKind = "SetNameChatMutation"
	KindSetDraftMessageChat       MutationKind = "SetDraftMessageChatMutation"
)

// Mutation is one atomic, typed change to a chat.
type Mutation interface {
	Kind() MutationKind
}

type CreateMessageGroupMutation struct {
	MessageGroupID string   `json:"message_group_id"`
	ActorID        string   `json:"actor_id"`
	Role           string   `json:"role"`
	Task           string   `json:"task"`
	MaterialsIDs   []string `json:"materials_ids"`
	Analysis       string   `json:"analysis"`
}

type DeleteMessageGroupMutation struct {
	MessageGroupID string `json:"message_group_id"`
}

type SetActorIDMessageGroupMutation struct {
	MessageGroupID string `json:"message_group_id"`
	ActorID        string `json:"actor_id"`
}

type SetTaskMessageGroupMutation struct {
	MessageGroupID string `json:"message_group_id"`
	Task           string `json:"task"`
}

type SetRoleMessageGroupMutation struct {
	MessageGroupID string `json:"message_group_id"`
	Role           string `json:"role"`
}

type SetMaterialsIDsMessageGroupMutation struct {
	MessageGroupID string   `json:"message_group_id"`
	MaterialsIDs   []string `json:"materials_ids"`
}

type AppendToMaterialsIDsMessageGroupMutation struct {
	MessageGroupID string `json:"message_group_id"`
	MaterialID     string `json:"material_id"`
}

type SetAnalysisMessageGroupMutation struct {
	MessageGroupID string `json:"message_group_id"`
	Analysis       string `json:"analysis"`
}

type CreateMessageMutation struct {
	MessageGroupID string    `json:"message_group_id"`
	MessageID      string    `json:"message_id"`
	Timestamp      time.Time `json:"timestamp"`
	Content        string    `json:"content"`
}

type DeleteMessageMutation struct {
	MessageID string `json:"message_id"`
}

type SetContentMessageMutation struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type AppendToContentMessageMutation struct {
	MessageID    string `json:"message_id"`
	ContentDelta string `json:"content_delta"`
}

type SetIsStreamingMessageMutation struct {
	MessageID   string `json:"message_id"`
	IsStreaming bool   `json:"is_streaming"`
}

type SetRequestedFormatMessageMutation struct {
	MessageID       string          `json:"message_id"`
	RequestedFormat *ToolDefinition `json:"requested_format"`
}

// CreateToolCallMutation starts a tool call on a message.
type CreateToolCallMutation struct {
	MessageID  string `json:"message_id"`
	ToolCallID string `json:"tool_call_id"`
	Code       string `json:"code"`
	Language   string `json:"language,omitempty"`
	Headline   string `json:"headline"`
	Output     string `json:"output,omitempty"`
}

type DeleteToolCallMutation struct {
	ToolCallID string `json:"tool_call_id"`
}

type SetHeadlineToolCallMutation struct {
	ToolCallID string `json:"tool_call_id"`
	Headline   string `json:"headline"`
}

type AppendToHeadlineToolCallMutation struct {
	ToolCallID    string `json:"tool_call_id"`
	HeadlineDelta string `json:"headline_delta"`
}

type SetCodeToolCallMutation struct {
	ToolCallID string `json:"tool_call_id"`
	Code       string `json:"code"`
}

type AppendToCodeToolCallMutation struct {
	ToolCallID string `json:"tool_call_id"`
	CodeDelta  string `json:"code_delta"`
}

type SetLanguageToolCallMutation struct {
	ToolCallID string `json:"tool_call_id"`
	Language   string `json:"language"`
}

type SetOutputToolCallMutation struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

type AppendToOutputToolCallMutation struct {
	ToolCallID  string `json:"tool_call_id"`
	OutputDelta string `json:"output_delta"`
}

type SetIsStreamingToolCallMutation struct {
	ToolCallID  string `json:"tool_call_id"`
	IsStreaming bool   `json:"is_streaming"`
}

type SetIsExecutingToolCallMutation struct {
	ToolCallID  string `json:"tool_call_id"`
	IsExecuting bool   `json:"is_executing"`
}

type SetIsSuccessfulToolCallMutation struct {
	ToolCallID   string `json:"tool_call_id"`
	IsSuccessful bool   `json:"is_successful"`
}

type SetNameChatMutation struct {
	Name string `json:"name"`
}

type SetDraftMessageChatMutation struct {
	DraftMessage string `json:"draft_message"`
}

func (CreateMessageGroupMutation) Kind() MutationKind { return KindCreateMessageGroup }
func (DeleteMessageGroupMutation) Kind() MutationKind { return KindDeleteMessageGroup }
func (SetActorIDMessageGroupMutation) Kind() MutationKind { return KindSetActorIDMessageGroup }
func (SetTaskMessageGroupMutation) Kind() MutationKind { return KindSetTaskMessageGroup }
func (SetRoleMessageGroupMutation) Kind() MutationKind { return KindSetRoleMessageGroup }
func (SetMaterialsIDsMessageGroupMutation) Kind() MutationKind { return KindSetMaterialsIDsMessageGrp }
func (AppendToMaterialsIDsMessageGroupMutation) Kind() MutationKind { return KindAppendToMaterialsIDsGroup }
func (SetAnalysisMessageGroupMutation) Kind() MutationKind { return KindSetAnalysisMessageGroup }
func (CreateMessageMutation) Kind() MutationKind { return KindCreateMessage }
func (DeleteMessageMutation) Kind() MutationKind { return KindDeleteMessage }
func (SetContentMessageMutation) Kind() MutationKind { return KindSetContentMessage }
func (AppendToContentMessageMutation) Kind() MutationKind { return KindAppendToContentMessage }
func (SetIsStreamingMessageMutation) Kind() MutationKind { return KindSetIsStreamingMessage }
func (SetRequestedFormatMessageMutation) Kind() MutationKind { return KindSetRequestedFormatMessage }
func (CreateToolCallMutation) Kind() MutationKind { return KindCreateToolCall }
func (DeleteToolCallMutation) Kind() MutationKind { return KindDeleteToolCall }
func (SetHeadlineToolCallMutation) Kind() MutationKind { return KindSetHeadlineToolCall }
func (AppendToHeadlineToolCallMutation) Kind() MutationKind { return KindAppendToHeadlineToolCall }
func (SetCodeToolCallMutation) Kind() MutationKind { return KindSetCodeToolCall }
func (AppendToCodeToolCallMutation) Kind() MutationKind { return KindAppendToCodeToolCall }
func (SetLanguageToolCallMutation) Kind() MutationKind { return KindSetLanguageToolCall }
func (SetOutputToolCallMutation) Kind() MutationKind { return KindSetOutputToolCall }
func (AppendToOutputToolCallMutation) Kind() MutationKind { return KindAppendToOutputToolCall }
func (SetIsStreamingToolCallMutation) Kind() MutationKind { return KindSetIsStreamingToolCall }
func (SetIsExecutingToolCallMutation) Kind() MutationKind { return KindSetIsExecutingToolCall }
func (SetIsSuccessfulToolCallMutation) Kind() MutationKind { return KindSetIsSuccessfulToolCall }
func (SetNameChatMutation) Kind() MutationKind { return KindSetNameChat }
func (SetDraftMessageChatMutation) Kind() MutationKind { return KindSetDraftMessageChat }

type mutationDecoder func(json.RawMessage) (Mutation, error)

func decodeAs[T Mutation](raw json.RawMessage) (Mutation, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var mutationDecoders = map[MutationKind]mutationDecoder{
	KindCreateMessageGroup:        decodeAs[CreateMessageGroupMutation],
	KindDeleteMessageGroup:        decodeAs[DeleteMessageGroupMutation],
	KindSetActorIDMessageGroup:    decodeAs[SetActorIDMessageGroupMutation],
	KindSetTaskMessageGroup:       decodeAs[SetTaskMessageGroupMutation],
	KindSetRoleMessageGroup:       decodeAs[SetRoleMessageGroupMutation],
	KindSetMaterialsIDsMessageGrp: decodeAs[SetMaterialsIDsMessageGroupMutation],
	KindAppendToMaterialsIDsGroup: decodeAs[AppendToMaterialsIDsMessageGroupMutation],
	KindSetAnalysisMessageGroup:   decodeAs[SetAnalysisMessageGroupMutation],
	KindCreateMessage:             decodeAs[CreateMessageMutation],
	KindDeleteMessage:             decodeAs[DeleteMessageMutation],
	KindSetContentMessage:         decodeAs[SetContentMessageMutation],
	KindAppendToContentMessage:    decodeAs[AppendToContentMessageMutation],
	KindSetIsStreamingMessage:     decodeAs[SetIsStreamingMessageMutation],
	KindSetRequestedFormatMessage: decodeAs[SetRequestedFormatMessageMutation],
	KindCreateToolCall:            decodeAs[CreateToolCallMutation],
	KindDeleteToolCall:            decodeAs[DeleteToolCallMutation],
	KindSetHeadlineToolCall:       decodeAs[SetHeadlineToolCallMutation],
	KindAppendToHeadlineToolCall:  decodeAs[AppendToHeadlineToolCallMutation],
	KindSetCodeToolCall:           decodeAs[SetCodeToolCallMutation],
	KindAppendToCodeToolCall:      decodeAs[AppendToCodeToolCallMutation],
	KindSetLanguageToolCall:       decodeAs[SetLanguageToolCallMutation],
	KindSetOutputToolCall:         decodeAs[SetOutputToolCallMutation],
	KindAppendToOutputToolCall:    decodeAs[AppendToOutputToolCallMutation],
	KindSetIsStreamingToolCall:    decodeAs[SetIsStreamingToolCallMutation],
	KindSetIsExecutingToolCall:    decodeAs[SetIsExecutingToolCallMutation],
	KindSetIsSuccessfulToolCall:   decodeAs[SetIsSuccessfulToolCallMutation],
	KindSetNameChat:               decodeAs[SetNameChatMutation],
	KindSetDraftMessageChat:       decodeAs[SetDraftMessageChatMutation],
}

// MarshalMutation encodes m as a tagged object: {"type": <kind>, ...fields}.
func MarshalMutation(m Mutation) ([]byte, error) {
	if m == nil {
		return nil, NewDomainError("MarshalMutation", ErrInvalidMutation, "nil mutation")
	}
	return marshalTagged(string(m.Kind()), m)
}

// marshalTagged encodes v as a JSON object with a leading "type" field.
func marshalTagged(tag string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", tag, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("marshal %s: not an object", tag)
	}
	tagJSON, _ := json.Marshal(tag)

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tagJSON) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tagJSON)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 1 {
		buf.WriteByte(',')
		buf.Write(rest)
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// UnmarshalMutation decodes a tagged mutation object.
func UnmarshalMutation(data []byte) (Mutation, error) {
	var head struct {
		Type MutationKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, NewDomainError("UnmarshalMutation", ErrInvalidMutation, err.Error())
	}
	decode, ok := mutationDecoders[head.Type]
	if !ok {
		return nil, NewDomainError("UnmarshalMutation", ErrInvalidMutation, fmt.Sprintf("unknown mutation type %q", head.Type))
	}
	m, err := decode(data)
	if err != nil {
		return nil, NewDomainError("UnmarshalMutation", ErrInvalidMutation, err.Error())
	}
	return m, nil
}

// TaggedMutation carries a Mutation through JSON using the tagged form.
type TaggedMutation struct {
	Mutation
}

func (t TaggedMutation) MarshalJSON() ([]byte, error) {
	return MarshalMutation(t.Mutation)
}

func (t *TaggedMutation) UnmarshalJSON(data []byte) error {
	m, err := UnmarshalMutation(data)
	if err != nil {
		return err
	}
	t.Mutation = m
	return nil
}
