package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiconsole/internal/domain"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&mockProvider{name: "openai"}))
	require.NoError(t, r.Register(&mockProvider{name: "bedrock"}))
	assert.Error(t, r.Register(&mockProvider{name: "openai"}))

	assert.Equal(t, []string{"bedrock", "openai"}, r.List())
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestGPTModeRouter(t *testing.T) {
	r := NewRegistry()
	fast := &mockProvider{name: "fast"}
	smart := &mockProvider{name: "smart"}
	require.NoError(t, r.Register(fast))
	require.NoError(t, r.Register(smart))

	router := NewGPTModeRouter(map[string]string{
		string(domain.GPTModeQuality): "smart",
		string(domain.GPTModeSpeed):   "fast",
		string(domain.GPTModeCost):    "default",
	}, r, "fast")

	tests := []struct {
		mode domain.GPTMode
		want string
	}{
		{domain.GPTModeQuality, "smart"},
		{domain.GPTModeSpeed, "fast"},
		{domain.GPTModeCost, "fast"},
		{"", "fast"},
	}
	for _, tt := range tests {
		p, err := router.Route(tt.mode)
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.Name(), "mode %q", tt.mode)
	}
}

func TestGPTModeRouter_Errors(t *testing.T) {
	r := NewRegistry()
	router := NewGPTModeRouter(map[string]string{string(domain.GPTModeQuality): "gone"}, r, "")

	_, err := router.Route(domain.GPTModeQuality)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)

	_, err = router.Route(domain.GPTModeSpeed)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}
