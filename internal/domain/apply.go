package domain

import (
	"fmt"
	"slices"
)

// PrepareMutation resolves every target of m against chat and returns a
// commit function that performs the change. Nothing in chat is modified until
// commit is called, and commit cannot fail.
func PrepareMutation(chat *Chat, m Mutation) (commit func(), err error) {
	const op = "PrepareMutation"
	if chat == nil {
		return nil, NewDomainError(op, ErrInvalidMutation, "nil chat")
	}

	switch m := m.(type) {
	case CreateMessageGroupMutation:
		if _, ok := chat.FindMessageGroup(m.MessageGroupID); ok {
			return nil, invalid(op, m, fmt.Errorf("%w: message group %s", ErrDuplicate, m.MessageGroupID))
		}
		return func() {
			chat.MessageGroups = append(chat.MessageGroups, MessageGroup{
				ID:           m.MessageGroupID,
				ActorID:      m.ActorID,
				Role:         m.Role,
				Task:         m.Task,
				Analysis:     m.Analysis,
				MaterialsIDs: append([]string(nil), m.MaterialsIDs...),
				Messages:     []ChatMessage{},
			})
		}, nil

	case DeleteMessageGroupMutation:
		idx := slices.IndexFunc(chat.MessageGroups, func(g MessageGroup) bool { return g.ID == m.MessageGroupID })
		if idx < 0 {
			return nil, invalid(op, m, groupNotFound(m.MessageGroupID))
		}
		return func() { chat.MessageGroups = slices.Delete(chat.MessageGroups, idx, idx+1) }, nil

	case SetActorIDMessageGroupMutation:
		return withGroup(op, chat, m, m.MessageGroupID, func(g *MessageGroup) { g.ActorID = m.ActorID })
	case SetTaskMessageGroupMutation:
		return withGroup(op, chat, m, m.MessageGroupID, func(g *MessageGroup) { g.Task = m.Task })
	case SetRoleMessageGroupMutation:
		return withGroup(op, chat, m, m.MessageGroupID, func(g *MessageGroup) { g.Role = m.Role })
	case SetAnalysisMessageGroupMutation:
		return withGroup(op, chat, m, m.MessageGroupID, func(g *MessageGroup) { g.Analysis = m.Analysis })
	case SetMaterialsIDsMessageGroupMutation:
		return withGroup(op, chat, m, m.MessageGroupID, func(g *MessageGroup) {
			g.MaterialsIDs = append([]string(nil), m.MaterialsIDs...)
		})
	case AppendToMaterialsIDsMessageGroupMutation:
		return withGroup(op, chat, m, m.MessageGroupID, func(g *MessageGroup) {
			if !slices.Contains(g.MaterialsIDs, m.MaterialID) {
				g.MaterialsIDs = append(g.MaterialsIDs, m.MaterialID)
			}
		})

	case CreateMessageMutation:
		if _, _, ok := chat.FindMessage(m.MessageID); ok {
			return nil, invalid(op, m, fmt.Errorf("%w: message %s", ErrDuplicate, m.MessageID))
		}
		return withGroup(op, chat, m, m.MessageGroupID, func(g *MessageGroup) {
			g.Messages = append(g.Messages, ChatMessage{
				ID:        m.MessageID,
				Timestamp: m.Timestamp,
				Content:   m.Content,
				ToolCalls: []ToolCall{},
			})
		})

	case DeleteMessageMutation:
		g, _, ok := chat.FindMessage(m.MessageID)
		if !ok {
			return nil, invalid(op, m, messageNotFound(m.MessageID))
		}
		return func() {
			g.Messages = slices.DeleteFunc(g.Messages, func(msg ChatMessage) bool { return msg.ID == m.MessageID })
		}, nil

	case SetContentMessageMutation:
		return withMessage(op, chat, m, m.MessageID, func(msg *ChatMessage) { msg.Content = m.Content })
	case AppendToContentMessageMutation:
		return withMessage(op, chat, m, m.MessageID, func(msg *ChatMessage) { msg.Content += m.ContentDelta })
	case SetIsStreamingMessageMutation:
		return withMessage(op, chat, m, m.MessageID, func(msg *ChatMessage) { msg.IsStreaming = m.IsStreaming })
	case SetRequestedFormatMessageMutation:
		return withMessage(op, chat, m, m.MessageID, func(msg *ChatMessage) { msg.RequestedFormat = m.RequestedFormat })

	case CreateToolCallMutation:
		if _, _, _, ok := chat.FindToolCall(m.ToolCallID); ok {
			return nil, invalid(op, m, fmt.Errorf("%w: tool call %s", ErrDuplicate, m.ToolCallID))
		}
		return withMessage(op, chat, m, m.MessageID, func(msg *ChatMessage) {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:          m.ToolCallID,
				Language:    m.Language,
				Code:        m.Code,
				Headline:    m.Headline,
				Output:      m.Output,
				HasOutput:   m.Output != "",
				IsStreaming: true,
			})
		})

	case DeleteToolCallMutation:
		_, msg, _, ok := chat.FindToolCall(m.ToolCallID)
		if !ok {
			return nil, invalid(op, m, toolCallNotFound(m.ToolCallID))
		}
		return func() {
			msg.ToolCalls = slices.DeleteFunc(msg.ToolCalls, func(tc ToolCall) bool { return tc.ID == m.ToolCallID })
		}, nil

	case SetHeadlineToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) { tc.Headline = m.Headline })
	case AppendToHeadlineToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) { tc.Headline += m.HeadlineDelta })
	case SetCodeToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) { tc.Code = m.Code })
	case AppendToCodeToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) { tc.Code += m.CodeDelta })
	case SetLanguageToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) { tc.Language = m.Language })
	case SetOutputToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) {
			tc.Output = m.Output
			tc.HasOutput = true
		})
	case AppendToOutputToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) {
			tc.Output += m.OutputDelta
			tc.HasOutput = true
		})
	case SetIsStreamingToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) { tc.IsStreaming = m.IsStreaming })
	case SetIsExecutingToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) { tc.IsExecuting = m.IsExecuting })
	case SetIsSuccessfulToolCallMutation:
		return withToolCall(op, chat, m, m.ToolCallID, func(tc *ToolCall) { tc.IsSuccessful = m.IsSuccessful })

	case SetNameChatMutation:
		return func() { chat.Name = m.Name }, nil
	case SetDraftMessageChatMutation:
		return func() { chat.DraftMessage = m.DraftMessage }, nil
	}

	return nil, NewDomainError(op, ErrInvalidMutation, fmt.Sprintf("unsupported mutation %T", m))
}

// ApplyMutation applies m to chat. On error chat is left untouched.
func ApplyMutation(chat *Chat, m Mutation) error {
	commit, err := PrepareMutation(chat, m)
	if err != nil {
		return err
	}
	commit()
	return nil
}

func withGroup(op string, chat *Chat, m Mutation, id string, fn func(*MessageGroup)) (func(), error) {
	g, ok := chat.FindMessageGroup(id)
	if !ok {
		return nil, invalid(op, m, groupNotFound(id))
	}
	return func() { fn(g) }, nil
}

func withMessage(op string, chat *Chat, m Mutation, id string, fn func(*ChatMessage)) (func(), error) {
	_, msg, ok := chat.FindMessage(id)
	if !ok {
		return nil, invalid(op, m, messageNotFound(id))
	}
	return func() { fn(msg) }, nil
}

func withToolCall(op string, chat *Chat, m Mutation, id string, fn func(*ToolCall)) (func(), error) {
	_, _, tc, ok := chat.FindToolCall(id)
	if !ok {
		return nil, invalid(op, m, toolCallNotFound(id))
	}
	return func() { fn(tc) }, nil
}

func invalid(op string, m Mutation, cause error) error {
	return &DomainError{Op: op, Err: fmt.Errorf("%w: %w", ErrInvalidMutation, cause), Detail: string(m.Kind())}
}

func groupNotFound(id string) error    { return fmt.Errorf("%w: %s", ErrMessageGroupNotFound, id) }
func messageNotFound(id string) error  { return fmt.Errorf("%w: %s", ErrMessageNotFound, id) }
func toolCallNotFound(id string) error { return fmt.Errorf("%w: %s", ErrToolCallNotFound, id) }
