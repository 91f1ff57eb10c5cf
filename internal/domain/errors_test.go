package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Renderer.Render", ErrMissingEntryPoint, "material 'clock'")
	want := "Renderer.Render: material 'clock': no callable content function"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Dispatcher.ProcessChat", ErrNoMessages, "")
	want := "Dispatcher.ProcessChat: no messages to respond to"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Store.Append", ErrStoreUnavailable, "disk full")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("errors.Is should match ErrStoreUnavailable")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrProviderNotFound, "bedrock")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Registry.Get" {
		t.Errorf("Op = %q, want %q", de.Op, "Registry.Get")
	}
}

func TestNotFoundSentinelsWrapCategory(t *testing.T) {
	for _, err := range []error{ErrChatNotFound, ErrMessageGroupNotFound, ErrMessageNotFound, ErrToolCallNotFound, ErrAssetNotFound} {
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeNoMessages, ErrorCodeOf(ErrNoMessages))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeDirectorNoCode, ErrorCodeOf(ErrDirectorCannotRunCode))
	assert.Equal(t, CodeNotFound, ErrorCodeOf(ErrNotFound))
}

func TestErrorCodeOf_SpecificBeatsCategory(t *testing.T) {
	assert.Equal(t, CodeToolCallNotFound, ErrorCodeOf(ErrToolCallNotFound))
	assert.Equal(t, CodeSandboxTimeout, ErrorCodeOf(ErrSandboxTimeout))
}

func TestErrorCodeOf_InvalidMutationWins(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrInvalidMutation, ErrMessageNotFound)
	assert.Equal(t, CodeInvalidMutation, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrLockHeld)
	assert.Equal(t, CodeLockHeld, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	err := NewSubSystemError("wasm", "WASMEvaluator.Evaluate", ErrProviderError, "trap")
	assert.Equal(t, CodeWASMExec, err.Code())

	err = NewSubSystemError("starlark", "StarlarkEvaluator.Evaluate", ErrTimeout, "")
	assert.Equal(t, CodeSandboxTimeout, ErrorCodeOf(fmt.Errorf("render: %w", err)))
}

func TestErrorCodeOf_SubSystemFallsBackToCategory(t *testing.T) {
	err := NewSubSystemError("unknown", "Op", ErrTimeout, "")
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
}

func TestWrapOp(t *testing.T) {
	require.NoError(t, WrapOp("op", nil))

	err := WrapOp("Store.Load", ErrChatNotFound)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChatNotFound)
	assert.Contains(t, err.Error(), "Store.Load")
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("x: %w", ErrRateLimit)))
	assert.True(t, IsRetryableError(ErrCircuitOpen))
	assert.False(t, IsRetryableError(ErrAuthInvalid))
}
