package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"

	"aiconsole/internal/domain"
)

// EntryPoint is the export a material module must provide:
// content(ctx_ptr i32, ctx_len i32) -> i64 packed (ptr, len).
const EntryPoint = "content"

// Evaluator renders dynamic materials compiled to WebAssembly. Each call
// runs in a fresh module instance; compiled modules are cached by hash.
type Evaluator struct {
	rt      *Runtime
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[[sha256.Size]byte]wazero.CompiledModule
}

var _ domain.Evaluator = (*Evaluator)(nil)

// NewEvaluator creates an evaluator on rt. timeout bounds each call.
func NewEvaluator(rt *Runtime, timeout time.Duration, logger *slog.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Evaluator{
		rt:      rt,
		timeout: timeout,
		logger:  logger,
		cache:   make(map[[sha256.Size]byte]wazero.CompiledModule),
	}
}

// Evaluate instantiates source, passes the JSON context view to content and
// returns the string it produced.
func (e *Evaluator) Evaluate(ctx context.Context, source []byte, ectx domain.EvaluationContext) (string, error) {
	const op = "wasm.Evaluate"

	compiled, err := e.compile(ctx, source)
	if err != nil {
		return "", err
	}

	input, err := json.Marshal(ectx.View())
	if err != nil {
		return "", fmt.Errorf("%s: marshal context: %w", op, err)
	}

	execCtx, cancel := context.WithTimeout(withEvaluationContext(ctx, input), e.timeout)
	defer cancel()

	// Anonymous instances never collide with each other.
	mod, err := e.rt.Inner().InstantiateModule(execCtx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return "", domain.NewSubSystemError("wasm", op, domain.ErrInvalidInput, fmt.Sprintf("instantiate: %v", err))
	}
	defer mod.Close(context.WithoutCancel(ctx))

	fn := mod.ExportedFunction(EntryPoint)
	if fn == nil {
		return "", domain.NewSubSystemError("wasm", op, domain.ErrMissingEntryPoint, "module does not export content")
	}

	ptr, size, err := WriteBytes(execCtx, mod, input)
	if err != nil {
		return "", err
	}
	defer FreeBytes(execCtx, mod, ptr, size)

	results, err := fn.Call(execCtx, uint64(ptr), uint64(size))
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return "", domain.NewSubSystemError("wasm", op, domain.ErrSandboxTimeout, e.timeout.String())
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", domain.NewSubSystemError("wasm", op, domain.ErrProviderError, err.Error())
	}
	if len(results) == 0 {
		return "", domain.NewSubSystemError("wasm", op, domain.ErrProviderError, "content returned no result")
	}

	outPtr, outLen := Unpack(results[0])
	out, err := ReadString(mod, outPtr, outLen)
	if err != nil {
		return "", err
	}
	if outPtr != ptr {
		FreeBytes(execCtx, mod, outPtr, outLen)
	}
	return out, nil
}

func (e *Evaluator) compile(ctx context.Context, source []byte) (wazero.CompiledModule, error) {
	key := sha256.Sum256(source)

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.cache[key]; ok {
		return c, nil
	}

	compiled, err := e.rt.Inner().CompileModule(ctx, source)
	if err != nil {
		return nil, domain.NewSubSystemError("wasm", "wasm.compile", domain.ErrInvalidInput, err.Error())
	}
	e.cache[key] = compiled
	e.logger.Debug("wasm material compiled", "bytes", len(source))
	return compiled, nil
}

// Close releases every cached compiled module.
func (e *Evaluator) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for k, c := range e.cache {
		errs = append(errs, c.Close(ctx))
		delete(e.cache, k)
	}
	return errors.Join(errs...)
}
