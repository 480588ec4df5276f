package llms

import (
	"testing"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelString(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		model    string
	}{
		{"openai/gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"anthropic/claude-sonnet-4-20250514", "anthropic", "claude-sonnet-4-20250514"},
		{"gpt-4o", "openai", "gpt-4o"},
	}

	for _, tt := range tests {
		provider, model := ParseModelString(tt.in)
		assert.Equal(t, tt.provider, provider, tt.in)
		assert.Equal(t, tt.model, model, tt.in)
	}
}

func TestNewFromConfigUnknownType(t *testing.T) {
	_, err := NewFromConfig(&config.LLMProviderConfig{Type: "mistral", Model: "m", APIKey: "k"})
	assert.Error(t, err)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	p, err := NewOpenAIProviderFromConfig(&config.LLMProviderConfig{
		Type: "openai", Model: "gpt-4o-mini", APIKey: "sk-test",
	})
	require.NoError(t, err)

	require.NoError(t, r.RegisterProvider("default", p))

	got, err := r.GetProvider("default")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.GetModelName())

	_, err = r.GetProvider("missing")
	assert.Error(t, err)

	assert.Error(t, r.RegisterProvider("", p))
	assert.Error(t, r.RegisterProvider("nilcheck", nil))
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "plain", Message{Role: "user", Content: "plain"}.Text())

	multimodal := Message{Role: "user", Parts: []ContentPart{
		TextPart("first"),
		ImagePart("https://example.com/a.png"),
		TextPart("second"),
	}}
	assert.Equal(t, "first\nsecond", multimodal.Text())
}
