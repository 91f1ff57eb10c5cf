package execmode

import (
	"fmt"
	"strings"

	"aiconsole/internal/domain"
)

const systemIntro = "You are a helpful assistant working inside AI Console. " +
	"Be concise. When a task needs computation or access to the user's system, write code and call one of your tools."

// SystemPrompt joins the general intro, the agent's own instructions and
// every successfully rendered material.
func SystemPrompt(agent *domain.Agent, rendered []domain.RenderedMaterial) string {
	var b strings.Builder
	b.WriteString(systemIntro)
	if agent != nil && strings.TrimSpace(agent.System) != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(agent.System))
	}
	for _, r := range rendered {
		if r.Failed() || r.Content == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(r.Content)
	}
	return b.String()
}

// directorPrompt lists who can act next and which materials exist.
func directorPrompt(agents []*domain.Agent, materials []*domain.Material) string {
	var b strings.Builder
	b.WriteString("You are the director of a team of AI agents. Read the conversation and decide what happens next.\n")
	b.WriteString("Call plan with your reasoning, the next step, the agent that should take it ")
	b.WriteString("(or \"user\" when the user has to answer), and the ids of the materials that agent needs.\n")

	b.WriteString("\n# Agents\n")
	fmt.Fprintf(&b, "- id: %s, usage: the user has to answer or decide\n", domain.UserActorID)
	for _, a := range agents {
		fmt.Fprintf(&b, "- id: %s, name: %s, usage: %s\n", a.ID, a.Name, oneLine(a.Usage))
	}

	if len(materials) > 0 {
		b.WriteString("\n# Materials\n")
		for _, m := range materials {
			fmt.Fprintf(&b, "- id: %s, name: %s, usage: %s\n", m.ID, m.Name, oneLine(m.Usage))
		}
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
