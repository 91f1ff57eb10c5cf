package execmode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"aiconsole/internal/domain"
	"aiconsole/internal/usecase/chat"
)

// DefaultMaxAutoRuns bounds how often the automator re-enters generation
// after running code on its own.
const DefaultMaxAutoRuns = 5

// LeafOptions configures the interpreter and automator.
type LeafOptions struct {
	Generator *Generator
	Runner    domain.CodeRunner
	Bus       domain.EventBus
	// MaxAutoRuns applies to the automator only.
	MaxAutoRuns int
	Logger      *slog.Logger
}

// LeafMode answers by streaming code tool calls. Auto-running leaf modes
// execute finished calls themselves; the others wait for accept_code.
type LeafMode struct {
	kind    domain.ExecutionModeKind
	tools   *Toolset
	autoRun bool
	opts    LeafOptions
}

var _ Mode = (*LeafMode)(nil)

// NewInterpreter creates the mode that proposes python, shell and
// applescript and runs nothing until the user accepts it.
func NewInterpreter(opts LeafOptions) (*LeafMode, error) {
	return newLeafMode(domain.ExecutionModeInterpreter, false, opts, ToolPython, ToolShell, ToolAppleScript)
}

// NewAutomator creates the mode that runs its python and shell calls
// without asking.
func NewAutomator(opts LeafOptions) (*LeafMode, error) {
	return newLeafMode(domain.ExecutionModeAutomator, true, opts, ToolPython, ToolShell)
}

func newLeafMode(kind domain.ExecutionModeKind, autoRun bool, opts LeafOptions, languages ...string) (*LeafMode, error) {
	tools, err := CodeTools(languages...)
	if err != nil {
		return nil, err
	}
	if opts.MaxAutoRuns <= 0 {
		opts.MaxAutoRuns = DefaultMaxAutoRuns
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LeafMode{kind: kind, tools: tools, autoRun: autoRun, opts: opts}, nil
}

func (l *LeafMode) Kind() domain.ExecutionModeKind { return l.kind }

// Tools returns the mode's whitelist.
func (l *LeafMode) Tools() *Toolset { return l.tools }

func (l *LeafMode) ProcessChat(ctx context.Context, t *Turn) error {
	system := SystemPrompt(t.Agent, t.Rendered)
	for runs := 0; ; runs++ {
		msg, err := l.opts.Generator.Generate(ctx, t, system, l.tools)
		if err != nil {
			return err
		}
		if !l.autoRun {
			return nil
		}
		pending := l.pending(t, msg)
		if len(pending) == 0 {
			return nil
		}
		if runs >= l.opts.MaxAutoRuns {
			l.opts.Logger.Info("auto run limit reached",
				"chat_id", t.ChatID, "mode", string(l.kind), "runs", runs)
			return nil
		}
		for _, tc := range pending {
			if err := l.run(ctx, t, tc); err != nil {
				return err
			}
		}
	}
}

func (l *LeafMode) AcceptCode(ctx context.Context, t *Turn, toolCallID string) error {
	const op = "LeafMode.AcceptCode"
	_, _, tc, ok := t.Mutator.Chat().FindToolCall(toolCallID)
	if !ok {
		return domain.NewDomainError(op, domain.ErrToolCallNotFound, toolCallID)
	}
	if !tc.AwaitingConfirmation() {
		return domain.NewDomainError(op, domain.ErrCodeNotAccepted, toolCallID)
	}
	if !l.tools.Allows(tc.Language) {
		return domain.NewDomainError(op, domain.ErrCodeNotAccepted,
			fmt.Sprintf("%s does not run %q", l.kind, tc.Language))
	}
	if err := l.run(ctx, t, *tc); err != nil {
		return err
	}
	return l.ProcessChat(ctx, t)
}

// pending returns the finished calls of msg that may run automatically.
func (l *LeafMode) pending(t *Turn, msg *chat.AssembledMessage) []domain.ToolCall {
	snapshot := t.Mutator.Chat()
	var out []domain.ToolCall
	for _, a := range msg.ToolCalls {
		_, _, tc, ok := snapshot.FindToolCall(a.ID)
		if !ok || !tc.AwaitingConfirmation() || !l.tools.Allows(tc.Language) {
			continue
		}
		out = append(out, *tc)
	}
	return out
}

// run executes one tool call, streaming its output into the chat. A
// failing program is reported through the call's output, not as an error.
func (l *LeafMode) run(ctx context.Context, t *Turn, tc domain.ToolCall) error {
	m := t.Mutator
	if err := m.Mutate(ctx, domain.SetIsExecutingToolCallMutation{ToolCallID: tc.ID, IsExecuting: true}); err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		writeErr error
	)
	err := func() error {
		defer func() {
			cleanup := context.WithoutCancel(ctx)
			if err := m.Mutate(cleanup, domain.SetIsExecutingToolCallMutation{ToolCallID: tc.ID, IsExecuting: false}); err != nil {
				l.opts.Logger.Error("clear executing flag failed", "tool_call_id", tc.ID, "error", err)
			}
		}()

		if err := m.Mutate(ctx, domain.SetOutputToolCallMutation{ToolCallID: tc.ID, Output: ""}); err != nil {
			return err
		}
		appendOutput := func(chunk string) {
			mu.Lock()
			defer mu.Unlock()
			if writeErr != nil || chunk == "" {
				return
			}
			writeErr = m.Mutate(ctx, domain.AppendToOutputToolCallMutation{ToolCallID: tc.ID, OutputDelta: chunk})
		}

		res, runErr := l.opts.Runner.Run(ctx, tc.Language, tc.Code, appendOutput)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if runErr != nil {
			l.opts.Logger.Warn("code run failed", "tool_call_id", tc.ID, "language", tc.Language, "error", runErr)
			appendOutput("\n" + runErr.Error())
		}
		mu.Lock()
		werr := writeErr
		mu.Unlock()
		if werr != nil {
			return werr
		}

		success := runErr == nil && res != nil && res.ExitCode == 0
		if err := m.Mutate(ctx, domain.SetIsSuccessfulToolCallMutation{ToolCallID: tc.ID, IsSuccessful: success}); err != nil {
			return err
		}
		if l.opts.Bus != nil {
			l.opts.Bus.Publish(ctx, domain.NewEvent(domain.EventCodeExecuted, t.ChatID, domain.CodeExecutedPayload{
				ToolCallID: tc.ID,
				Language:   tc.Language,
				Successful: success,
			}))
		}
		return nil
	}()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run tool call %s: %w", tc.ID, err)
	}
	return err
}
