package wasm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"

	"aiconsole/internal/domain"
)

// Limits bounds what a guest module may consume.
type Limits struct {
	// MaxMemoryPages is the maximum number of 64KB pages. Default 256 = 16MB.
	MaxMemoryPages uint32
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxMemoryPages: 256}
}

// Runtime wraps a wazero.Runtime with the host module already instantiated.
type Runtime struct {
	inner  wazero.Runtime
	limits Limits
	logger *slog.Logger
}

// NewRuntime creates a runtime. The caller must call Close when done.
func NewRuntime(ctx context.Context, limits Limits, logger *slog.Logger) (*Runtime, error) {
	if limits.MaxMemoryPages == 0 {
		limits.MaxMemoryPages = DefaultLimits().MaxMemoryPages
	}

	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(limits.MaxMemoryPages)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	host, err := registerHostFunctions(ctx, rt, logger)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if _, err := rt.InstantiateModule(ctx, host, wazero.NewModuleConfig().WithName(HostModule)); err != nil {
		_ = rt.Close(ctx)
		return nil, domain.NewSubSystemError("wasm", "NewRuntime", domain.ErrInvalidInput, fmt.Sprintf("instantiate host module: %v", err))
	}

	logger.Info("wasm runtime created",
		"max_memory_pages", limits.MaxMemoryPages,
		"max_memory_mb", limits.MaxMemoryPages*64/1024,
	)

	return &Runtime{inner: rt, limits: limits, logger: logger}, nil
}

// Inner returns the underlying wazero.Runtime.
func (r *Runtime) Inner() wazero.Runtime {
	return r.inner
}

// Close releases all resources held by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.inner.Close(ctx); err != nil {
		return fmt.Errorf("close wasm runtime: %w", err)
	}
	r.logger.Info("wasm runtime closed")
	return nil
}
