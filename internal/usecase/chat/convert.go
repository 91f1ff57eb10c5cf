package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"aiconsole/internal/domain"
)

// ToInferenceMessages flattens a chat into inference history. Tool calls
// that produced output become an assistant function call followed by its
// tool result; calls that never ran are inlined as fenced code.
func ToInferenceMessages(chat *domain.Chat) []domain.Message {
	var out []domain.Message
	for _, g := range chat.MessageGroups {
		role := groupRole(g)
		for _, m := range g.Messages {
			if role != domain.RoleAssistant {
				if strings.TrimSpace(m.Content) == "" {
					continue
				}
				out = append(out, domain.Message{Role: role, Content: m.Content})
				continue
			}

			msg := domain.Message{Role: domain.RoleAssistant, Content: m.Content}
			var results []domain.Message
			var inline strings.Builder
			for _, tc := range m.ToolCalls {
				if !tc.HasOutput {
					if tc.Code != "" {
						fmt.Fprintf(&inline, "\n```%s\n%s\n```\n", tc.Language, tc.Code)
					}
					continue
				}
				args, _ := json.Marshal(map[string]string{"code": tc.Code})
				msg.ToolCalls = append(msg.ToolCalls, domain.FunctionCall{
					ID:        tc.ID,
					Name:      toolNameForLanguage(tc.Language),
					Arguments: string(args),
				})
				results = append(results, domain.Message{
					Role:       domain.RoleTool,
					ToolCallID: tc.ID,
					Content:    toolOutput(tc),
				})
			}
			msg.Content += inline.String()
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			out = append(out, msg)
			out = append(out, results...)
		}
	}
	return out
}

func groupRole(g domain.MessageGroup) string {
	switch g.Role {
	case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
		return g.Role
	}
	if kind, _, ok := domain.ActorKind(g.ActorID); ok && kind == domain.AssetTypeUser {
		return domain.RoleUser
	}
	return domain.RoleAssistant
}

func toolNameForLanguage(language string) string {
	switch language {
	case "shell", "applescript":
		return language
	}
	return "python"
}

func toolOutput(tc domain.ToolCall) string {
	if strings.TrimSpace(tc.Output) == "" {
		return "(no output)"
	}
	return tc.Output
}

// LastUserMessage returns the most recent message written by a user group.
func LastUserMessage(chat *domain.Chat) (*domain.ChatMessage, bool) {
	for i := len(chat.MessageGroups) - 1; i >= 0; i-- {
		g := chat.MessageGroups[i]
		if groupRole(g) != domain.RoleUser || len(g.Messages) == 0 {
			continue
		}
		m := g.Messages[len(g.Messages)-1]
		return &m, true
	}
	return nil, false
}
