package domain

import (
	"slices"
	"strings"
	"time"
)

// Actor id prefixes used by message groups.
const (
	ActorPrefixAgent = "agent/"
	ActorPrefixUser  = "user/"

	// UserActorID is the synthetic actor the director hands the turn back to.
	UserActorID = "user"
)

// Chat is a conversation made of ordered message groups.
type Chat struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	LastModified  time.Time      `json:"last_modified"`
	DraftMessage  string         `json:"draft_message"`
	MessageGroups []MessageGroup `json:"message_groups"`
}

// MessageGroup is one actor's turn.
type MessageGroup struct {
	ID           string        `json:"id"`
	ActorID      string        `json:"actor_id"`
	Role         string        `json:"role"`
	Task         string        `json:"task"`
	Analysis     string        `json:"analysis"`
	MaterialsIDs []string      `json:"materials_ids"`
	Messages     []ChatMessage `json:"messages"`
}

// ChatMessage is a single (possibly streaming) message inside a group.
type ChatMessage struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	Content         string          `json:"content"`
	IsStreaming     bool            `json:"is_streaming"`
	RequestedFormat *ToolDefinition `json:"requested_format,omitempty"`
	ToolCalls       []ToolCall      `json:"tool_calls"`
}

// ToolCall is a model-requested code invocation attached to a message.
type ToolCall struct {
	ID           string `json:"id"`
	Language     string `json:"language,omitempty"`
	Code         string `json:"code"`
	Headline     string `json:"headline"`
	Output       string `json:"output,omitempty"`
	IsStreaming  bool   `json:"is_streaming"`
	IsExecuting  bool   `json:"is_executing"`
	IsSuccessful bool   `json:"is_successful"`
	HasOutput    bool   `json:"has_output"`
}

// AwaitingConfirmation reports whether the call finished streaming and is
// waiting for the user to accept it.
func (tc ToolCall) AwaitingConfirmation() bool {
	return !tc.IsStreaming && !tc.IsExecuting && !tc.HasOutput && strings.TrimSpace(tc.Code) != ""
}

// HasMessages reports whether any group in the chat has at least one message.
func (c *Chat) HasMessages() bool {
	for _, g := range c.MessageGroups {
		if len(g.Messages) > 0 {
			return true
		}
	}
	return false
}

// FindMessageGroup returns the group with the given id.
func (c *Chat) FindMessageGroup(id string) (*MessageGroup, bool) {
	for i := range c.MessageGroups {
		if c.MessageGroups[i].ID == id {
			return &c.MessageGroups[i], true
		}
	}
	return nil, false
}

// FindMessage returns the message with the given id and its group.
func (c *Chat) FindMessage(id string) (*MessageGroup, *ChatMessage, bool) {
	for i := range c.MessageGroups {
		g := &c.MessageGroups[i]
		for j := range g.Messages {
			if g.Messages[j].ID == id {
				return g, &g.Messages[j], true
			}
		}
	}
	return nil, nil, false
}

// FindToolCall returns the tool call with the given id and its location.
func (c *Chat) FindToolCall(id string) (*MessageGroup, *ChatMessage, *ToolCall, bool) {
	for i := range c.MessageGroups {
		g := &c.MessageGroups[i]
		for j := range g.Messages {
			m := &g.Messages[j]
			for k := range m.ToolCalls {
				if m.ToolCalls[k].ID == id {
					return g, m, &m.ToolCalls[k], true
				}
			}
		}
	}
	return nil, nil, nil, false
}

// Clone returns a deep copy of the chat.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	out.MessageGroups = slices.Clone(c.MessageGroups)
	for i, g := range out.MessageGroups {
		g.MaterialsIDs = slices.Clone(g.MaterialsIDs)
		msgs := slices.Clone(g.Messages)
		for j, m := range msgs {
			m.ToolCalls = slices.Clone(m.ToolCalls)
			if m.RequestedFormat != nil {
				rf := *m.RequestedFormat
				m.RequestedFormat = &rf
			}
			msgs[j] = m
		}
		g.Messages = msgs
		out.MessageGroups[i] = g
	}
	return &out
}

// ActorKind splits an actor id into its prefix kind and bare id.
// Returns ok=false for ids that carry neither the agent nor the user prefix.
func ActorKind(actorID string) (kind AssetType, id string, ok bool) {
	switch {
	case strings.HasPrefix(actorID, ActorPrefixAgent):
		return AssetTypeAgent, strings.TrimPrefix(actorID, ActorPrefixAgent), true
	case strings.HasPrefix(actorID, ActorPrefixUser):
		return AssetTypeUser, strings.TrimPrefix(actorID, ActorPrefixUser), true
	}
	return "", "", false
}

// AgentActorID builds the message-group actor id for an agent.
func AgentActorID(agentID string) string { return ActorPrefixAgent + agentID }

// UserActorIDFor builds the message-group actor id for a user.
func UserActorIDFor(userID string) string { return ActorPrefixUser + userID }
