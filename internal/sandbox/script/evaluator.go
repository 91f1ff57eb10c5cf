// Package script evaluates and documents material source written in
// Starlark.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"aiconsole/internal/domain"
)

// EntryPoint is the function a dynamic material defines.
const EntryPoint = "content"

// Limits bounds one evaluation.
type Limits struct {
	MaxSteps uint64
	Timeout  time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxSteps: 1_000_000, Timeout: 5 * time.Second}
}

// Evaluator runs `def content(context)` from material source. Every call
// gets a fresh thread and globals, so materials cannot see each other.
type Evaluator struct {
	limits Limits
	logger *slog.Logger
}

var _ domain.Evaluator = (*Evaluator)(nil)

// NewEvaluator creates an evaluator.
func NewEvaluator(limits Limits, logger *slog.Logger) *Evaluator {
	def := DefaultLimits()
	if limits.MaxSteps == 0 {
		limits.MaxSteps = def.MaxSteps
	}
	if limits.Timeout <= 0 {
		limits.Timeout = def.Timeout
	}
	return &Evaluator{limits: limits, logger: logger}
}

// Evaluate executes source and calls its content function with the
// evaluation context. Errors carry the Starlark backtrace.
func (e *Evaluator) Evaluate(ctx context.Context, source []byte, ectx domain.EvaluationContext) (string, error) {
	const op = "starlark.Evaluate"

	thread := &starlark.Thread{
		Name: "material",
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Debug(msg, "source", "material")
		},
	}
	thread.SetMaxExecutionSteps(e.limits.MaxSteps)

	execCtx, cancel := context.WithTimeout(ctx, e.limits.Timeout)
	defer cancel()
	stop := context.AfterFunc(execCtx, func() { thread.Cancel(execCtx.Err().Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, "material.star", source, predeclared())
	if err != nil {
		return "", e.wrap(op, thread, execCtx, err)
	}

	fn, ok := globals[EntryPoint].(starlark.Callable)
	if !ok {
		return "", domain.NewSubSystemError("starlark", op, domain.ErrMissingEntryPoint, "source does not define content(context)")
	}

	result, err := starlark.Call(thread, fn, starlark.Tuple{contextValue(ectx.View())}, nil)
	if err != nil {
		return "", e.wrap(op, thread, execCtx, err)
	}

	if s, ok := starlark.AsString(result); ok {
		return s, nil
	}
	return result.String(), nil
}

func (e *Evaluator) wrap(op string, thread *starlark.Thread, execCtx context.Context, err error) error {
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return domain.NewSubSystemError("starlark", op, domain.ErrSandboxTimeout, e.limits.Timeout.String())
	}
	if thread.ExecutionSteps() >= e.limits.MaxSteps {
		return domain.NewSubSystemError("starlark", op, domain.ErrSandboxTimeout, fmt.Sprintf("exceeded %d steps", e.limits.MaxSteps))
	}
	detail := err.Error()
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		detail = evalErr.Backtrace()
	}
	return domain.NewSubSystemError("starlark", op, domain.ErrInvalidInput, detail)
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

// contextValue exposes the view as context.chat, context.agent and
// context.materials.
func contextValue(v domain.ContextView) starlark.Value {
	materials := make([]starlark.Value, 0, len(v.RelevantMaterials))
	for _, m := range v.RelevantMaterials {
		materials = append(materials, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"id":   starlark.String(m.ID),
			"name": starlark.String(m.Name),
		}))
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"chat": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"id":                starlark.String(v.ChatID),
			"name":              starlark.String(v.ChatName),
			"last_user_message": starlark.String(v.LastUserMessage),
		}),
		"agent": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"id":       starlark.String(v.AgentID),
			"name":     starlark.String(v.AgentName),
			"gpt_mode": starlark.String(string(v.GPTMode)),
		}),
		"materials": starlark.NewList(materials),
	})
}
