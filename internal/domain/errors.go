package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
	ErrPermissionDenied = fmt.Errorf("permission denied")
)

// Sentinel errors for the domain layer.
var (
	// Chat state.
	ErrChatNotFound         = fmt.Errorf("chat: %w", ErrNotFound)
	ErrMessageGroupNotFound = fmt.Errorf("message group: %w", ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("message: %w", ErrNotFound)
	ErrToolCallNotFound     = fmt.Errorf("tool call: %w", ErrNotFound)
	ErrInvalidMutation      = fmt.Errorf("invalid mutation")
	ErrStoreUnavailable     = fmt.Errorf("chat store unavailable")

	// Assets and actors.
	ErrAssetNotFound = fmt.Errorf("asset: %w", ErrNotFound)
	ErrUnknownActor  = fmt.Errorf("unknown actor")

	// Turn processing.
	ErrNoMessages            = fmt.Errorf("no messages to respond to")
	ErrUnknownExecutionMode  = fmt.Errorf("unknown execution mode")
	ErrCodeNotAccepted       = fmt.Errorf("no tool call awaiting confirmation")
	ErrDirectorCannotRunCode = fmt.Errorf("director does not support running code")
	ErrInvalidAnalysis       = fmt.Errorf("invalid director analysis")
	ErrTurnInProgress        = fmt.Errorf("a turn is already running for this chat")

	// Material rendering.
	ErrRenderFailed      = fmt.Errorf("material render failed")
	ErrMissingEntryPoint = fmt.Errorf("no callable content function")
	ErrSandboxTimeout    = fmt.Errorf("sandbox: %w", ErrTimeout)

	// Chat locks.
	ErrLockHeld    = fmt.Errorf("chat lock held by another request")
	ErrLockNotHeld = fmt.Errorf("chat lock not held")

	// Inference.
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrContextOverflow  = fmt.Errorf("context window exceeded")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrTokenBudget      = fmt.Errorf("not enough tokens left for a response")
	ErrCircuitOpen      = fmt.Errorf("circuit breaker open")
	ErrToolSchema       = fmt.Errorf("invalid tool schema")

	// Configuration.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrEncryption = fmt.Errorf("encryption operation failed")

	// Gateway.
	ErrUnknownMessageType = fmt.Errorf("unknown client message type")
	ErrInvalidPayload     = fmt.Errorf("client message payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Renderer.Render")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "sandbox", "store"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category sent to clients in error frames.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeChatNotFound       ErrorCode = "CHAT_NOT_FOUND"
	CodeGroupNotFound      ErrorCode = "MESSAGE_GROUP_NOT_FOUND"
	CodeMessageNotFound    ErrorCode = "MESSAGE_NOT_FOUND"
	CodeToolCallNotFound   ErrorCode = "TOOL_CALL_NOT_FOUND"
	CodeInvalidMutation    ErrorCode = "INVALID_MUTATION"
	CodeStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	CodeAssetNotFound      ErrorCode = "ASSET_NOT_FOUND"
	CodeUnknownActor       ErrorCode = "UNKNOWN_ACTOR"
	CodeNoMessages         ErrorCode = "NO_MESSAGES"
	CodeUnknownMode        ErrorCode = "UNKNOWN_EXECUTION_MODE"
	CodeCodeNotAccepted    ErrorCode = "CODE_NOT_ACCEPTED"
	CodeDirectorNoCode     ErrorCode = "DIRECTOR_CANNOT_RUN_CODE"
	CodeInvalidAnalysis    ErrorCode = "INVALID_ANALYSIS"
	CodeTurnInProgress     ErrorCode = "TURN_IN_PROGRESS"
	CodeRenderFailed       ErrorCode = "RENDER_FAILED"
	CodeMissingEntryPoint  ErrorCode = "MISSING_ENTRY_POINT"
	CodeSandboxTimeout     ErrorCode = "SANDBOX_TIMEOUT"
	CodeLockHeld           ErrorCode = "LOCK_HELD"
	CodeLockNotHeld        ErrorCode = "LOCK_NOT_HELD"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeTokenBudget        ErrorCode = "TOKEN_BUDGET"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeToolSchema         ErrorCode = "TOOL_SCHEMA"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeUnknownMessageType ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidPayload     ErrorCode = "INVALID_PAYLOAD"

	// Category error codes, used when no specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Subsystem codes resolved through subSystemCodeMap.
	CodeWASMLoad   ErrorCode = "WASM_LOAD"
	CodeWASMExec   ErrorCode = "WASM_EXEC"
	CodeStarlark   ErrorCode = "STARLARK_EXEC"
	CodeCodeRunner ErrorCode = "CODE_RUNNER"
)

type codeEntry struct {
	err  error
	code ErrorCode
}

// errorCodes is ordered most specific first; ErrorCodeOf returns the first match.
var errorCodes = []codeEntry{
	{ErrInvalidMutation, CodeInvalidMutation},
	{ErrChatNotFound, CodeChatNotFound},
	{ErrMessageGroupNotFound, CodeGroupNotFound},
	{ErrMessageNotFound, CodeMessageNotFound},
	{ErrToolCallNotFound, CodeToolCallNotFound},
	{ErrStoreUnavailable, CodeStoreUnavailable},
	{ErrAssetNotFound, CodeAssetNotFound},
	{ErrUnknownActor, CodeUnknownActor},
	{ErrNoMessages, CodeNoMessages},
	{ErrUnknownExecutionMode, CodeUnknownMode},
	{ErrCodeNotAccepted, CodeCodeNotAccepted},
	{ErrDirectorCannotRunCode, CodeDirectorNoCode},
	{ErrInvalidAnalysis, CodeInvalidAnalysis},
	{ErrTurnInProgress, CodeTurnInProgress},
	{ErrMissingEntryPoint, CodeMissingEntryPoint},
	{ErrSandboxTimeout, CodeSandboxTimeout},
	{ErrRenderFailed, CodeRenderFailed},
	{ErrLockHeld, CodeLockHeld},
	{ErrLockNotHeld, CodeLockNotHeld},
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrTokenBudget, CodeTokenBudget},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrToolSchema, CodeToolSchema},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrEncryption, CodeEncryption},
	{ErrUnknownMessageType, CodeUnknownMessageType},
	{ErrInvalidPayload, CodeInvalidPayload},

	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProviderError},
	{ErrPermissionDenied, CodePermissionDenied},
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrInvalidInput: {
		"wasm":     CodeWASMLoad,
		"starlark": CodeStarlark,
	},
	ErrProviderError: {
		"wasm":    CodeWASMExec,
		"coderun": CodeCodeRunner,
	},
	ErrTimeout: {
		"wasm":     CodeSandboxTimeout,
		"starlark": CodeSandboxTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// DomainErrors carrying a SubSystem are resolved through subSystemCodeMap first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var de *DomainError
	if errors.As(err, &de) && de.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
			if code, ok := subsysMap[de.SubSystem]; ok {
				return code
			}
		}
	}

	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e)
}
