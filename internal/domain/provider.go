package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "bedrock").
	Name() string
}

// FunctionCallDelta is an incremental fragment of a streamed function call.
// Index correlates fragments of the same call; ID and Name are usually only
// present on the first fragment.
type FunctionCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
type StreamDelta struct {
	Content   string              `json:"content,omitempty"`
	ToolCalls []FunctionCallDelta `json:"tool_calls,omitempty"`
	// Clear signals that generation restarted and everything received so far
	// must be discarded.
	Clear bool `json:"clear,omitempty"`
	// Empty marks a chunk that carried no choices.
	Empty bool   `json:"empty,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	Err   error  `json:"-"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	// The channel is closed after a Done delta, or after a delta carrying Err.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// ModelRouter resolves a gpt mode to a provider.
type ModelRouter interface {
	Route(mode GPTMode) (StreamingLLMProvider, error)
}
