package domain

import "context"

// RenderedMaterial is a material turned into prompt text for one turn.
// Error is set instead of Content when rendering failed.
type RenderedMaterial struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Failed reports whether rendering produced an error.
func (r RenderedMaterial) Failed() bool { return r.Error != "" }

// EvaluationContext is what a material sees when it is rendered.
type EvaluationContext struct {
	Chat              *Chat
	Agent             *Agent
	GPTMode           GPTMode
	RelevantMaterials []*Material
}

// Evaluator runs dynamic material source in an isolated scope and returns
// the text produced by its content entry point.
type Evaluator interface {
	Evaluate(ctx context.Context, source []byte, ectx EvaluationContext) (string, error)
}

// APIDocumenter turns API source into documentation without executing it.
type APIDocumenter interface {
	Document(source []byte) (string, error)
}

// MaterialRef names a material visible to another material.
type MaterialRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ContextView is the serializable projection of an EvaluationContext that
// sandboxed code can read.
type ContextView struct {
	ChatID            string        `json:"chat_id"`
	ChatName          string        `json:"chat_name"`
	AgentID           string        `json:"agent_id"`
	AgentName         string        `json:"agent_name"`
	GPTMode           GPTMode       `json:"gpt_mode"`
	LastUserMessage   string        `json:"last_user_message"`
	RelevantMaterials []MaterialRef `json:"relevant_materials"`
}

// View projects the context for sandboxed code.
func (e EvaluationContext) View() ContextView {
	v := ContextView{GPTMode: e.GPTMode, RelevantMaterials: []MaterialRef{}}
	if e.Chat != nil {
		v.ChatID = e.Chat.ID
		v.ChatName = e.Chat.Name
		v.LastUserMessage = lastUserContent(e.Chat)
	}
	if e.Agent != nil {
		v.AgentID = e.Agent.ID
		v.AgentName = e.Agent.Name
		if v.GPTMode == "" {
			v.GPTMode = e.Agent.GPTMode
		}
	}
	for _, m := range e.RelevantMaterials {
		v.RelevantMaterials = append(v.RelevantMaterials, MaterialRef{ID: m.ID, Name: m.Name})
	}
	return v
}

func lastUserContent(c *Chat) string {
	for i := len(c.MessageGroups) - 1; i >= 0; i-- {
		g := c.MessageGroups[i]
		if len(g.Messages) == 0 {
			continue
		}
		if kind, _, ok := ActorKind(g.ActorID); (ok && kind == AssetTypeUser) || g.Role == RoleUser {
			return g.Messages[len(g.Messages)-1].Content
		}
	}
	return ""
}
