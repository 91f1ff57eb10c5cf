package llm

import (
	"encoding/json"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"aiconsole/internal/domain"
)

// Encoding is the tokenizer used for prompt budgeting.
const Encoding = "cl100k_base"

// Per-message framing overhead of the chat format.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	tokensPerReply   = 3
)

type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// TokenCounter counts prompt tokens of a request.
type TokenCounter struct {
	enc encoder
}

// NewTokenCounter loads the cl100k_base encoding. When it cannot be
// loaded (it is fetched on first use unless cached), counting falls back
// to four bytes per token.
func NewTokenCounter(logger *slog.Logger) *TokenCounter {
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, estimating tokens", "encoding", Encoding, "error", err)
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// CountRequest counts the system prompt, every message and the tool
// declarations of req.
func (c *TokenCounter) CountRequest(req domain.ChatRequest) int {
	n := tokensPerReply
	if req.SystemPrompt != "" {
		n += tokensPerMessage + c.count(domain.RoleSystem) + c.count(req.SystemPrompt)
	}
	for _, m := range req.Messages {
		n += tokensPerMessage + c.count(m.Role) + c.count(m.Content)
		if m.Name != "" {
			n += tokensPerName + c.count(m.Name)
		}
		for _, fc := range m.ToolCalls {
			n += c.count(fc.Name) + c.count(fc.Arguments)
		}
	}
	if len(req.Tools) > 0 {
		if b, err := json.Marshal(req.Tools); err == nil {
			n += c.count(string(b))
		}
	}
	return n
}

func (c *TokenCounter) count(s string) int {
	if s == "" {
		return 0
	}
	if c.enc == nil {
		return (len(s) + 3) / 4
	}
	return len(c.enc.Encode(s, nil, nil))
}
