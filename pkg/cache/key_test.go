package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestKey_IgnoresCredentialHeaders(t *testing.T) {
	params := map[string]any{"domain": "acme.com", "depth": 2}

	k1, err := RequestKey("https://api.example.com/v1/firmo", params, map[string]string{
		"Authorization": "Bearer old-token",
		"Accept":        "application/json",
	})
	require.NoError(t, err)

	k2, err := RequestKey("https://api.example.com/v1/firmo", params, map[string]string{
		"authorization": "Bearer rotated-token",
		"api-key":       "something-new",
		"X-API-Key":     "also-new",
		"Accept":        "application/json",
	})
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "rotating credentials must not fragment the cache")
}

func TestRequestKey_DistinguishesRequests(t *testing.T) {
	k1, err := RequestKey("https://api.example.com/v1/firmo", map[string]any{"domain": "acme.com"}, nil)
	require.NoError(t, err)
	k2, err := RequestKey("https://api.example.com/v1/firmo", map[string]any{"domain": "globex.com"}, nil)
	require.NoError(t, err)
	k3, err := RequestKey("https://api.example.com/v2/firmo", map[string]any{"domain": "acme.com"}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestRequestKey_ParamOrderIrrelevant(t *testing.T) {
	// Maps have no order; the canonical JSON serialization sorts keys, so
	// two semantically equal param sets always collide.
	k1, err := RequestKey("https://x", map[string]any{"a": 1, "b": 2, "c": 3}, nil)
	require.NoError(t, err)
	k2, err := RequestKey("https://x", map[string]any{"c": 3, "b": 2, "a": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestPromptKey_TemperatureParticipates(t *testing.T) {
	base := func(temp float32) string {
		k, err := PromptKey("what is the HQ city?", "openai", "gpt-4o", true, "custom_column", temp)
		require.NoError(t, err)
		return k
	}

	assert.Equal(t, base(0.2), base(0.2))
	assert.NotEqual(t, base(0.2), base(0.7))
}

func TestPromptKey_FieldsParticipate(t *testing.T) {
	k := func(prompt, provider, model string, isJSON bool, tag string) string {
		key, err := PromptKey(prompt, provider, model, isJSON, tag, 0)
		require.NoError(t, err)
		return key
	}

	ref := k("p", "openai", "gpt-4o", true, "tag")
	assert.NotEqual(t, ref, k("p2", "openai", "gpt-4o", true, "tag"))
	assert.NotEqual(t, ref, k("p", "gemini", "gpt-4o", true, "tag"))
	assert.NotEqual(t, ref, k("p", "openai", "gpt-4o-mini", true, "tag"))
	assert.NotEqual(t, ref, k("p", "openai", "gpt-4o", false, "tag"))
	assert.NotEqual(t, ref, k("p", "openai", "gpt-4o", true, "other"))
}

func TestCombinePrompt(t *testing.T) {
	combined := CombinePrompt("be terse", "what city?")
	assert.Equal(t, "<system>be terse</system>\n\n<user>what city?</user>", combined)
}

func TestCacheable(t *testing.T) {
	tests := []struct {
		name   string
		isJSON bool
		data   map[string]any
		text   string
		want   bool
	}{
		{"json object", true, map[string]any{"value": "Boston"}, "", true},
		{"empty json", true, map[string]any{}, "", false},
		{"nil json", true, nil, "", false},
		{"error key", true, map[string]any{"error": "boom"}, "", false},
		{"refusal key", true, map[string]any{"refusal": "cannot help"}, "", false},
		{"text", false, nil, "some answer", true},
		{"empty text", false, nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cacheable(tt.isJSON, tt.data, tt.text))
		})
	}
}
