package execmode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"aiconsole/internal/domain"
	"aiconsole/internal/infra/tracer"
	"aiconsole/internal/usecase/chat"
)

// State is a step of turn processing.
type State string

const (
	StateAnalyzing  State = "ANALYZING"
	StateDispatched State = "DISPATCHED"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Turn outcomes reported to Metrics.
const (
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Metrics receives one tick per finished turn.
type Metrics interface {
	TurnFinished(mode domain.ExecutionModeKind, outcome string)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Modes    *Registry
	Assets   domain.AssetRepository
	Renderer MaterialRenderer
	Notifier domain.Notifier
	Bus      domain.EventBus
	Metrics  Metrics
	Logger   *slog.Logger
}

// Dispatcher resolves the acting agent of a message group and runs its
// execution mode.
type Dispatcher struct {
	opts DispatcherOptions
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{opts: opts}
}

// Request identifies the turn to run.
type Request struct {
	Mutator        chat.Mutator
	ChatID         string
	MessageGroupID string
}

// ProcessChat answers the conversation inside req.MessageGroupID. A chat
// without any message gets a notification and loses the empty group.
func (d *Dispatcher) ProcessChat(ctx context.Context, req Request) error {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.process_chat", d.spanAttrs(req))
	defer span.End()

	snapshot := req.Mutator.Chat()
	if !snapshot.HasMessages() {
		d.notifyError(ctx, req.ChatID, "No messages to respond to")
		if err := req.Mutator.Mutate(context.WithoutCancel(ctx), domain.DeleteMessageGroupMutation{MessageGroupID: req.MessageGroupID}); err != nil {
			d.opts.Logger.Error("delete empty message group failed",
				"chat_id", req.ChatID, "message_group_id", req.MessageGroupID, "error", err)
		}
		d.metric("", OutcomeRejected)
		err := domain.NewDomainError("Dispatcher.ProcessChat", domain.ErrNoMessages, "")
		tracer.RecordError(span, err)
		return err
	}

	group, ok := snapshot.FindMessageGroup(req.MessageGroupID)
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrMessageGroupNotFound, req.MessageGroupID)
		return d.fail(ctx, span, req, "", err)
	}
	return d.run(ctx, span, req, group, func(mode Mode, t *Turn) error {
		return mode.ProcessChat(ctx, t)
	})
}

// AcceptCode runs a confirmed tool call under the mode of the agent that
// proposed it.
func (d *Dispatcher) AcceptCode(ctx context.Context, req Request, toolCallID string) error {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.accept_code", d.spanAttrs(req),
		trace.WithAttributes(tracer.StringAttr("tool_call.id", toolCallID)))
	defer span.End()

	group, _, _, ok := req.Mutator.Chat().FindToolCall(toolCallID)
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrToolCallNotFound, toolCallID)
		return d.fail(ctx, span, req, "", err)
	}
	req.MessageGroupID = group.ID
	return d.run(ctx, span, req, group, func(mode Mode, t *Turn) error {
		return mode.AcceptCode(ctx, t, toolCallID)
	})
}

func (d *Dispatcher) run(ctx context.Context, span trace.Span, req Request, group *domain.MessageGroup, fn func(Mode, *Turn) error) error {
	agent, err := d.resolveAgent(ctx, group.ActorID)
	if err != nil {
		return d.fail(ctx, span, req, "", err)
	}
	mode, err := d.opts.Modes.Resolve(agent.ExecutionMode)
	if err != nil {
		return d.fail(ctx, span, req, agent.ExecutionMode, fmt.Errorf("agent %q: %w", agent.ID, err))
	}
	kind := mode.Kind()
	log := d.opts.Logger.With("chat_id", req.ChatID, "message_group_id", req.MessageGroupID, "mode", string(kind))

	turn := &Turn{
		Mutator:        req.Mutator,
		ChatID:         req.ChatID,
		MessageGroupID: req.MessageGroupID,
		Agent:          agent,
		onState: func(s State) {
			log.DebugContext(ctx, "turn state", "state", string(s))
			span.AddEvent(string(s))
		},
	}
	if kind != domain.ExecutionModeDirector {
		turn.Materials = d.groupMaterials(ctx, group)
		if d.opts.Renderer != nil && len(turn.Materials) > 0 {
			turn.Rendered = d.opts.Renderer.RenderAll(ctx, turn.Materials, domain.EvaluationContext{
				Chat:              req.Mutator.Chat(),
				Agent:             agent,
				GPTMode:           agent.GPTMode,
				RelevantMaterials: turn.Materials,
			})
		}
	}

	d.publish(ctx, domain.EventTurnStarted, req, kind, "")
	if kind != domain.ExecutionModeDirector {
		turn.report(StateDispatched)
	}

	if err := fn(mode, turn); err != nil {
		return d.fail(ctx, span, req, kind, err)
	}

	log.InfoContext(ctx, "turn finished", "state", string(StateDone))
	d.publish(ctx, domain.EventTurnCompleted, req, kind, "")
	d.metric(kind, OutcomeDone)
	tracer.SetOK(span)
	return nil
}

// fail reports a turn-level error. Cancellation is not an error the user
// needs to be told about.
func (d *Dispatcher) fail(ctx context.Context, span trace.Span, req Request, kind domain.ExecutionModeKind, err error) error {
	tracer.RecordError(span, err)
	if errors.Is(err, context.Canceled) {
		d.opts.Logger.InfoContext(ctx, "turn cancelled", "chat_id", req.ChatID, "message_group_id", req.MessageGroupID)
		d.publish(context.WithoutCancel(ctx), domain.EventTurnCancelled, req, kind, "")
		d.metric(kind, OutcomeCancelled)
		return err
	}

	d.opts.Logger.ErrorContext(ctx, "turn failed",
		"chat_id", req.ChatID, "message_group_id", req.MessageGroupID, "mode", string(kind),
		"state", string(StateFailed), "error", err)
	cleanup := context.WithoutCancel(ctx)
	d.notifyError(cleanup, req.ChatID, err.Error())
	d.publish(cleanup, domain.EventTurnFailed, req, kind, err.Error())
	d.metric(kind, OutcomeFailed)
	return err
}

// resolveAgent maps a message group actor to the agent that answers.
func (d *Dispatcher) resolveAgent(ctx context.Context, actorID string) (*domain.Agent, error) {
	const op = "Dispatcher.resolveAgent"
	kind, id, ok := domain.ActorKind(actorID)
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrUnknownActor, fmt.Sprintf("%q", actorID))
	}
	if kind == domain.AssetTypeUser {
		return nil, domain.NewDomainError(op, domain.ErrUnknownActor, fmt.Sprintf("%q is a user and cannot answer", actorID))
	}

	asset, err := d.opts.Assets.GetAsset(ctx, domain.AssetTypeAgent, id)
	if errors.Is(err, domain.ErrAssetNotFound) && id == domain.DirectorAgentID {
		return domain.DefaultDirector(), nil
	}
	if errors.Is(err, domain.ErrAssetNotFound) {
		return nil, domain.NewDomainError(op, domain.ErrUnknownActor, fmt.Sprintf("no agent %q", id))
	}
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	agent, ok := asset.(*domain.Agent)
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrUnknownActor, fmt.Sprintf("%q is not an agent", actorID))
	}
	return agent, nil
}

// groupMaterials loads the materials recorded on group, skipping ids that
// no longer resolve.
func (d *Dispatcher) groupMaterials(ctx context.Context, group *domain.MessageGroup) []*domain.Material {
	var out []*domain.Material
	for _, id := range group.MaterialsIDs {
		asset, err := d.opts.Assets.GetAsset(ctx, domain.AssetTypeMaterial, id)
		if err != nil {
			d.opts.Logger.WarnContext(ctx, "material unavailable", "material_id", id, "error", err)
			continue
		}
		if m, ok := asset.(*domain.Material); ok {
			out = append(out, m)
		}
	}
	return out
}

func (d *Dispatcher) notifyError(ctx context.Context, chatID, message string) {
	if d.opts.Notifier == nil {
		return
	}
	d.opts.Notifier.SendToChat(ctx, chatID, domain.NotificationServerMessage{Title: "Error", Message: message}, "")
}

func (d *Dispatcher) publish(ctx context.Context, t domain.EventType, req Request, kind domain.ExecutionModeKind, errText string) {
	if d.opts.Bus == nil {
		return
	}
	d.opts.Bus.Publish(ctx, domain.NewEvent(t, req.ChatID, domain.TurnEventPayload{
		MessageGroupID: req.MessageGroupID,
		Mode:           string(kind),
		Error:          errText,
	}))
}

func (d *Dispatcher) metric(kind domain.ExecutionModeKind, outcome string) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.TurnFinished(kind, outcome)
	}
}

func (d *Dispatcher) spanAttrs(req Request) trace.SpanStartOption {
	return trace.WithAttributes(
		tracer.StringAttr("chat.id", req.ChatID),
		tracer.StringAttr("message_group.id", req.MessageGroupID),
	)
}
