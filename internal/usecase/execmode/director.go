package execmode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"aiconsole/internal/domain"
	"aiconsole/internal/usecase/chat"
)

// PlanFunction is the function the director is forced to call.
const PlanFunction = "plan"

const planParameters = `{
  "type": "object",
  "properties": {
    "thinking": {"type": "string", "description": "Short reasoning about the state of the conversation."},
    "next_step": {"type": "string", "description": "What should happen next, or an empty string when nothing should."},
    "agent_id": {"type": "string", "description": "Id of the agent that takes the next step, or \"user\"."},
    "materials_ids": {"type": "array", "items": {"type": "string"}, "description": "Ids of the materials the agent needs."}
  },
  "required": ["thinking", "next_step", "agent_id"]
}`

// Analysis is the director's decision for one turn.
type Analysis struct {
	Thinking     string   `json:"thinking"`
	NextStep     string   `json:"next_step"`
	AgentID      string   `json:"agent_id"`
	MaterialsIDs []string `json:"materials_ids"`
}

// MaterialRenderer renders the materials selected for a turn.
type MaterialRenderer interface {
	RenderAll(ctx context.Context, materials []*domain.Material, ectx domain.EvaluationContext) []domain.RenderedMaterial
}

// DirectorOptions configures the director.
type DirectorOptions struct {
	Generator *Generator
	Assets    domain.AssetRepository
	Renderer  MaterialRenderer
	// Modes resolves the delegate's execution mode.
	Modes  *Registry
	Logger *slog.Logger
}

// Director analyses the conversation, picks the next actor and its
// materials, and hands the turn to that actor's mode.
type Director struct {
	opts DirectorOptions
	plan domain.ToolDefinition
}

var _ Mode = (*Director)(nil)

// NewDirector creates the director mode.
func NewDirector(opts DirectorOptions) *Director {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Director{
		opts: opts,
		plan: domain.NewFunctionTool(PlanFunction, "Record the plan for the next step of the conversation.", json.RawMessage(planParameters)),
	}
}

func (d *Director) Kind() domain.ExecutionModeKind { return domain.ExecutionModeDirector }

func (d *Director) AcceptCode(context.Context, *Turn, string) error {
	return domain.NewDomainError("Director.AcceptCode", domain.ErrDirectorCannotRunCode, "")
}

func (d *Director) ProcessChat(ctx context.Context, t *Turn) error {
	const op = "Director.ProcessChat"

	agents, err := d.candidates(ctx)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	materials, err := enabledMaterials(ctx, d.opts.Assets)
	if err != nil {
		return domain.WrapOp(op, err)
	}

	t.report(StateAnalyzing)
	analysis, err := d.Analyze(ctx, t, agents, materials)
	if err != nil {
		return err
	}

	var agent *domain.Agent
	for _, a := range agents {
		if a.ID == analysis.AgentID {
			agent = a
			break
		}
	}
	var selected []*domain.Material
	var selectedIDs []string
	for _, id := range analysis.MaterialsIDs {
		for _, m := range materials {
			if m.ID == id {
				selected = append(selected, m)
				selectedIDs = append(selectedIDs, id)
				break
			}
		}
	}
	if len(selectedIDs) != len(analysis.MaterialsIDs) {
		d.opts.Logger.Debug("director dropped unknown materials",
			"chat_id", t.ChatID, "requested", len(analysis.MaterialsIDs), "kept", len(selectedIDs))
	}

	if agent == nil || strings.TrimSpace(analysis.NextStep) == "" {
		d.opts.Logger.Info("director hands turn back to user",
			"chat_id", t.ChatID, "message_group_id", t.MessageGroupID, "agent_id", analysis.AgentID)
		return d.handBack(ctx, t, selectedIDs, analysis)
	}
	if err := d.record(ctx, t, agent, selectedIDs, analysis); err != nil {
		return err
	}
	if agent.ExecutionMode == domain.ExecutionModeDirector {
		return domain.NewDomainError(op, domain.ErrUnknownExecutionMode,
			fmt.Sprintf("agent %q cannot be delegated to: it is a director", agent.ID))
	}
	mode, err := d.opts.Modes.Resolve(agent.ExecutionMode)
	if err != nil {
		return fmt.Errorf("%s: agent %q: %w", op, agent.ID, err)
	}

	ectx := domain.EvaluationContext{
		Chat:              t.Mutator.Chat(),
		Agent:             agent,
		GPTMode:           agent.GPTMode,
		RelevantMaterials: selected,
	}
	var rendered []domain.RenderedMaterial
	if d.opts.Renderer != nil && len(selected) > 0 {
		rendered = d.opts.Renderer.RenderAll(ctx, selected, ectx)
	}

	t.report(StateDispatched)
	return mode.ProcessChat(ctx, &Turn{
		Mutator:        t.Mutator,
		ChatID:         t.ChatID,
		MessageGroupID: t.MessageGroupID,
		Agent:          agent,
		Materials:      selected,
		Rendered:       rendered,
		onState:        t.onState,
	})
}

// Analyze asks the model for a plan and validates it.
func (d *Director) Analyze(ctx context.Context, t *Turn, agents []*domain.Agent, materials []*domain.Material) (*Analysis, error) {
	const op = "Director.Analyze"
	req := domain.ChatRequest{
		SystemPrompt: directorPrompt(agents, materials),
		Messages:     chat.ToInferenceMessages(t.Mutator.Chat()),
		Tools:        []domain.ToolDefinition{d.plan},
		ToolChoice:   PlanFunction,
	}
	gptMode := domain.GPTModeSpeed
	if t.Agent != nil && t.Agent.GPTMode != "" {
		gptMode = t.Agent.GPTMode
	}
	stream, err := d.opts.Generator.Stream(ctx, gptMode, req)
	if err != nil {
		return nil, err
	}
	args, err := collectArguments(ctx, stream, PlanFunction)
	if err != nil {
		return nil, err
	}
	if args == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidAnalysis, "model did not call plan")
	}
	if err := validateArguments(d.plan.Function.Parameters, args); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrInvalidAnalysis, err.Error())
	}
	var a Analysis
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrInvalidAnalysis, err.Error())
	}
	a.AgentID = strings.TrimSpace(strings.TrimPrefix(a.AgentID, domain.ActorPrefixAgent))
	return &a, nil
}

// record stores the analysis on the message group.
func (d *Director) record(ctx context.Context, t *Turn, agent *domain.Agent, materialsIDs []string, a *Analysis) error {
	var ms []domain.Mutation
	if agent != nil {
		ms = append(ms, domain.SetActorIDMessageGroupMutation{MessageGroupID: t.MessageGroupID, ActorID: agent.ActorID()})
	}
	if materialsIDs == nil {
		materialsIDs = []string{}
	}
	ms = append(ms,
		domain.SetMaterialsIDsMessageGroupMutation{MessageGroupID: t.MessageGroupID, MaterialsIDs: materialsIDs},
		domain.SetAnalysisMessageGroupMutation{MessageGroupID: t.MessageGroupID, Analysis: a.Thinking},
		domain.SetTaskMessageGroupMutation{MessageGroupID: t.MessageGroupID, Task: a.NextStep},
	)
	for _, m := range ms {
		if err := t.Mutator.Mutate(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// handBack ends a turn nobody answers. A group left without messages is
// removed so the chat does not keep an empty assistant turn.
func (d *Director) handBack(ctx context.Context, t *Turn, materialsIDs []string, a *Analysis) error {
	g, ok := t.Mutator.Chat().FindMessageGroup(t.MessageGroupID)
	if ok && len(g.Messages) > 0 {
		return d.record(ctx, t, nil, materialsIDs, a)
	}
	return t.Mutator.Mutate(ctx, domain.DeleteMessageGroupMutation{MessageGroupID: t.MessageGroupID})
}

// candidates lists the enabled agents the director may delegate to. The
// built-in director never delegates to itself.
func (d *Director) candidates(ctx context.Context) ([]*domain.Agent, error) {
	assets, err := d.opts.Assets.AllAssets(ctx, domain.AssetTypeAgent)
	if err != nil {
		return nil, err
	}
	var out []*domain.Agent
	for _, a := range assets {
		agent, ok := a.(*domain.Agent)
		if !ok || !agent.Enabled || agent.ID == domain.DirectorAgentID {
			continue
		}
		out = append(out, agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func enabledMaterials(ctx context.Context, assets domain.AssetRepository) ([]*domain.Material, error) {
	all, err := assets.AllAssets(ctx, domain.AssetTypeMaterial)
	if err != nil {
		return nil, err
	}
	var out []*domain.Material
	for _, a := range all {
		if m, ok := a.(*domain.Material); ok && m.Enabled {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// collectArguments drains stream and returns the arguments of the first
// call to function. A clear delta discards what was collected.
func collectArguments(ctx context.Context, stream <-chan domain.StreamDelta, function string) (string, error) {
	var (
		args  strings.Builder
		index = -1
		name  = make(map[int]string)
	)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case delta, ok := <-stream:
			if !ok {
				return args.String(), nil
			}
			if delta.Err != nil {
				return "", delta.Err
			}
			if delta.Clear {
				args.Reset()
				index = -1
				clear(name)
				continue
			}
			for _, tc := range delta.ToolCalls {
				if tc.Name != "" && name[tc.Index] == "" {
					name[tc.Index] = tc.Name
				}
				if index < 0 && name[tc.Index] == function {
					index = tc.Index
				}
				if tc.Index == index {
					args.WriteString(tc.Arguments)
				}
			}
			if delta.Done {
				return args.String(), nil
			}
		}
	}
}
