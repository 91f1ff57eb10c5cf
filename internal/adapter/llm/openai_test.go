package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiconsole/internal/domain"
	"aiconsole/internal/infra/config"
)

func newOpenAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIProvider(config.ProviderConfig{
		Name:        "test",
		Model:       "gpt-test",
		APIKey:      "sk-test",
		BaseURL:     srv.URL + "/v1",
		ContextSize: 4096,
	}, newTestLogger())
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestOpenAIChatStream(t *testing.T) {
	var body map[string]any
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		writeSSE(w,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"python","arguments":"{\"co"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"de\":1}"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[]}`,
		)
	})

	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		SystemPrompt: "be brief",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.FunctionCall{{ID: "c0", Name: "shell", Arguments: `{"code":"ls"}`}}},
			{Role: domain.RoleTool, ToolCallID: "c0", Content: "a.txt"},
		},
		Tools:       []domain.ToolDefinition{domain.NewFunctionTool("python", "run python", json.RawMessage(`{"type":"object"}`))},
		ToolChoice:  "python",
		MaxTokens:   300,
		Temperature: 0.2,
	})
	require.NoError(t, err)

	deltas := drain(ch)
	require.Len(t, deltas, 5)
	assert.Equal(t, "Hel", deltas[0].Content)
	assert.Equal(t, []domain.FunctionCallDelta{{Index: 0, ID: "c1", Name: "python", Arguments: `{"co`}}, deltas[1].ToolCalls)
	assert.Equal(t, []domain.FunctionCallDelta{{Index: 0, Arguments: `de":1}`}}, deltas[2].ToolCalls)
	assert.True(t, deltas[3].Empty)
	assert.True(t, deltas[4].Done)

	assert.Equal(t, "gpt-test", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.EqualValues(t, 300, body["max_tokens"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "c0", msgs[3].(map[string]any)["tool_call_id"])
	choice := body["tool_choice"].(map[string]any)
	assert.Equal(t, "python", choice["function"].(map[string]any)["name"])
}

func TestOpenAIChatStream_MapsHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusBadGateway, domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newOpenAITestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"server_error"}}`)
			})
			_, err := p.ChatStream(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAIChat(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"r1","model":"gpt-test","created":1700000000,
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"shell","arguments":"{}"}}]}}],
			"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`)
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Message.Content)
	assert.Equal(t, []domain.FunctionCall{{ID: "c1", Name: "shell", Arguments: "{}"}}, resp.Message.ToolCalls)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
	assert.Equal(t, 4096, p.ContextSize())
}
