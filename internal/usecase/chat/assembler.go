package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"aiconsole/internal/domain"
)

// DefaultLanguage is used when neither a hint nor the function name says
// which runtime a tool call targets.
const DefaultLanguage = "python"

// AssembledToolCall is the final state of one streamed tool call.
type AssembledToolCall struct {
	ID        string
	Name      string
	Arguments string
	Language  string
	Code      string
}

// AssembledMessage is what one streamed completion turned into.
type AssembledMessage struct {
	MessageID string
	Content   string
	ToolCalls []AssembledToolCall
}

// AssemblerOptions configures an Assembler.
type AssemblerOptions struct {
	// CodeTools maps declared code-execution function names to the language
	// they run. Calls to any other function get a synthesized "name(" prefix.
	CodeTools map[string]string
	// DataFunctions are functions whose arguments are a structured answer,
	// such as a requested format. Their arguments are kept verbatim as the
	// call's code, with no language and no synthesized call syntax.
	DataFunctions map[string]bool
	// Now and NewID are overridable for tests.
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Assembler turns a stream of inference deltas into a message and its tool
// calls, emitting every change through a Mutator as it happens.
type Assembler struct {
	mutator Mutator
	groupID string
	opts    AssemblerOptions
}

// NewAssembler creates an assembler writing into message group groupID.
func NewAssembler(mutator Mutator, groupID string, opts AssemblerOptions) *Assembler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Assembler{mutator: mutator, groupID: groupID, opts: opts}
}

// toolCallStatus is the assembler's private view of one tool call.
type toolCallStatus struct {
	id          string
	name        string
	arguments   string
	language    string
	languageSet bool
	prefix      string // synthesized "name(" already emitted
	sent        string // code already emitted from arguments
	code        string // everything emitted, including synthesized text
	endWithCode string // appended when the stream ends
	// stale is set by a clear and unset when the call shows up again.
	stale bool
}

// reset forgets everything streamed for st except its identity and
// language, which are announced once per tool call.
func (st *toolCallStatus) reset() {
	st.name, st.arguments = "", ""
	st.prefix, st.sent, st.code, st.endWithCode = "", "", "", ""
	st.stale = true
}

// fragment accumulates the deltas of one streamed function call.
type fragment struct {
	id        string
	name      string
	arguments strings.Builder
}

// Run consumes stream until it closes, ctx is done or a mutation fails.
// The message and every tool call are always left non-streaming, even when
// Run returns an error.
func (a *Assembler) Run(ctx context.Context, stream <-chan domain.StreamDelta) (result *AssembledMessage, err error) {
	messageID := a.opts.NewID()
	result = &AssembledMessage{MessageID: messageID}

	if err := a.mutator.Mutate(ctx, domain.CreateMessageMutation{
		MessageGroupID: a.groupID,
		MessageID:      messageID,
		Timestamp:      a.opts.Now(),
	}); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	var (
		order     []*toolCallStatus
		statuses  = make(map[string]*toolCallStatus)
		fragments = make(map[int]*fragment)
		content   strings.Builder
	)

	defer func() {
		// Cleanup must survive cancellation of the turn.
		cleanupCtx := context.WithoutCancel(ctx)
		var live, stale []*toolCallStatus
		for _, st := range order {
			if st.stale {
				stale = append(stale, st)
			} else {
				live = append(live, st)
			}
		}
		if ferr := a.finish(cleanupCtx, messageID, live, stale); ferr != nil {
			err = errors.Join(err, ferr)
		}
		result.Content = content.String()
		for _, st := range live {
			result.ToolCalls = append(result.ToolCalls, AssembledToolCall{
				ID:        st.id,
				Name:      st.name,
				Arguments: st.arguments,
				Language:  st.language,
				Code:      st.code + st.endWithCode,
			})
		}
	}()

	if err := a.mutator.Mutate(ctx, domain.SetIsStreamingMessageMutation{MessageID: messageID, IsStreaming: true}); err != nil {
		return result, err
	}

	for {
		var (
			delta domain.StreamDelta
			ok    bool
		)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case delta, ok = <-stream:
		}
		if !ok {
			return result, nil
		}
		if delta.Err != nil {
			return result, delta.Err
		}

		if delta.Clear {
			content.Reset()
			if err := a.mutator.Mutate(ctx, domain.SetContentMessageMutation{MessageID: messageID, Content: ""}); err != nil {
				return result, err
			}
			// Known calls keep their identity so a restarted stream reusing an
			// id continues the same tool call.
			for _, st := range order {
				if err := a.mutator.Mutate(ctx, domain.SetCodeToolCallMutation{ToolCallID: st.id, Code: ""}); err != nil {
					return result, err
				}
				st.reset()
			}
			fragments = make(map[int]*fragment)
			continue
		}
		if delta.Empty {
			continue
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := a.mutator.Mutate(ctx, domain.AppendToContentMessageMutation{
				MessageID:    messageID,
				ContentDelta: delta.Content,
			}); err != nil {
				return result, err
			}
		}

		touched := make([]int, 0, len(delta.ToolCalls))
		for _, d := range delta.ToolCalls {
			f, seen := fragments[d.Index]
			if !seen {
				f = &fragment{}
				fragments[d.Index] = f
			}
			if d.ID != "" && f.id == "" {
				f.id = d.ID
			}
			if d.Name != "" && f.name == "" {
				f.name = d.Name
			}
			f.arguments.WriteString(d.Arguments)
			if !slices.Contains(touched, d.Index) {
				touched = append(touched, d.Index)
			}
		}

		for _, idx := range touched {
			f := fragments[idx]
			if f.id == "" {
				f.id = a.opts.NewID()
			}
			st, known := statuses[f.id]
			if !known {
				st = &toolCallStatus{id: f.id}
				statuses[f.id] = st
				order = append(order, st)
				if err := a.mutator.Mutate(ctx, domain.CreateToolCallMutation{
					MessageID:  messageID,
					ToolCallID: st.id,
				}); err != nil {
					return result, err
				}
			}
			st.stale = false
			st.name = f.name
			st.arguments = f.arguments.String()
			if err := a.advance(ctx, st); err != nil {
				return result, err
			}
		}

		if delta.Done {
			return result, nil
		}
	}
}

// advance emits whatever is new about st since the last call.
func (a *Assembler) advance(ctx context.Context, st *toolCallStatus) error {
	if st.name == "" {
		return nil
	}

	declaredLanguage, declared := a.opts.CodeTools[st.name]
	data := a.opts.DataFunctions[st.name]

	if !st.languageSet && !data {
		st.language = a.languageFor(st, declaredLanguage, declared)
		st.languageSet = true
		if err := a.mutator.Mutate(ctx, domain.SetLanguageToolCallMutation{
			ToolCallID: st.id,
			Language:   st.language,
		}); err != nil {
			return err
		}
	}
	if st.arguments == "" {
		return nil
	}

	if !declared && !data && st.prefix == "" {
		prefix := st.name + "("
		if err := a.appendCode(ctx, st, prefix); err != nil {
			return err
		}
		st.prefix = prefix
		st.endWithCode = ")"
	}

	var code string
	switch {
	case declared && isStructured(st.arguments):
		code, _ = stringArgument(st.arguments, "code")
	default:
		code = st.arguments
	}

	if !strings.HasPrefix(code, st.sent) {
		// The arguments no longer extend what was sent; replace the code
		// instead of appending a delta that would overlap it.
		a.opts.Logger.Debug("tool call arguments restarted", "tool_call_id", st.id)
		full := st.prefix + code
		if err := a.mutator.Mutate(ctx, domain.SetCodeToolCallMutation{ToolCallID: st.id, Code: full}); err != nil {
			return err
		}
		st.sent, st.code = code, full
		return nil
	}
	delta := code[len(st.sent):]
	st.sent = code
	if delta == "" {
		return nil
	}
	return a.appendCode(ctx, st, delta)
}

func (a *Assembler) languageFor(st *toolCallStatus, declaredLanguage string, declared bool) string {
	if isStructured(st.arguments) {
		if hint, ok := stringArgument(st.arguments, "language"); ok && hint != "" {
			return hint
		}
	}
	if declared && declaredLanguage != "" {
		return declaredLanguage
	}
	return DefaultLanguage
}

func (a *Assembler) appendCode(ctx context.Context, st *toolCallStatus, text string) error {
	if err := a.mutator.Mutate(ctx, domain.AppendToCodeToolCallMutation{ToolCallID: st.id, CodeDelta: text}); err != nil {
		return err
	}
	st.code += text
	return nil
}

// finish deletes calls a clear discarded and that never came back, closes
// synthesized calls, then ends streaming on every tool call, then on the
// message.
func (a *Assembler) finish(ctx context.Context, messageID string, live, stale []*toolCallStatus) error {
	var errs []error
	for _, st := range stale {
		if err := a.mutator.Mutate(ctx, domain.DeleteToolCallMutation{ToolCallID: st.id}); err != nil {
			errs = append(errs, err)
		}
	}
	for _, st := range live {
		if st.endWithCode == "" {
			continue
		}
		if err := a.mutator.Mutate(ctx, domain.AppendToCodeToolCallMutation{ToolCallID: st.id, CodeDelta: st.endWithCode}); err != nil {
			errs = append(errs, err)
		}
	}
	for _, st := range live {
		if err := a.mutator.Mutate(ctx, domain.SetIsStreamingToolCallMutation{ToolCallID: st.id, IsStreaming: false}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.mutator.Mutate(ctx, domain.SetIsStreamingMessageMutation{MessageID: messageID, IsStreaming: false}); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		a.opts.Logger.Error("stream cleanup failed", "message_id", messageID, "errors", len(errs))
	}
	return errors.Join(errs...)
}
