package wasm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"aiconsole/internal/domain"
)

// HostModule is the namespace guests import host functions from.
const HostModule = "aiconsole_v1"

type contextKey struct{}

// withEvaluationContext attaches the JSON evaluation context served by
// get_context for the duration of one call.
func withEvaluationContext(ctx context.Context, data []byte) context.Context {
	return context.WithValue(ctx, contextKey{}, data)
}

func evaluationContextFrom(ctx context.Context) []byte {
	if data, ok := ctx.Value(contextKey{}).([]byte); ok {
		return data
	}
	return []byte("{}")
}

// registerHostFunctions compiles the aiconsole_v1 host module.
func registerHostFunctions(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) (wazero.CompiledModule, error) {
	builder := rt.NewHostModuleBuilder(HostModule)

	// log(level, ptr, len)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			level := int32(stack[0])
			msg, err := ReadString(mod, uint32(stack[1]), uint32(stack[2]))
			if err != nil {
				logger.Error("wasm log: read failed", "error", err)
				return
			}
			switch {
			case level <= 0:
				logger.Debug(msg, "source", "material")
			case level == 1:
				logger.Info(msg, "source", "material")
			case level == 2:
				logger.Warn(msg, "source", "material")
			default:
				logger.Error(msg, "source", "material")
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("log")

	// get_context() -> i64 packed (ptr, len) of the evaluation context JSON.
	// The guest owns the returned buffer.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			ptr, size, err := WriteBytes(ctx, mod, evaluationContextFrom(ctx))
			if err != nil {
				logger.Error("wasm get_context: write failed", "error", err)
				stack[0] = 0
				return
			}
			stack[0] = Pack(ptr, size)
		}), nil, []api.ValueType{api.ValueTypeI64}).
		Export("get_context")

	compiled, err := builder.Compile(ctx)
	if err != nil {
		return nil, domain.NewSubSystemError("wasm", "registerHostFunctions", domain.ErrInvalidInput, fmt.Sprintf("compile host module: %v", err))
	}
	return compiled, nil
}
