package llms

import (
	"context"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/registry"
)

// Provider is the chat-completion contract consumed by agents.
type Provider interface {
	// Generate performs a non-streaming request.
	// Returns text, tool calls, total tokens used, and error.
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts *GenerateOptions) (string, []ToolCall, int, error)

	// GenerateStreaming performs a streaming request. Chunks arrive on the
	// returned channel; a "done" or "error" chunk terminates the stream.
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts *GenerateOptions) (<-chan StreamChunk, error)

	GetModelName() string

	Close() error
}

// StructuredProvider is implemented by providers that can parse the
// response against a declared JSON schema before the caller sees it. Used
// for reflection verdicts and hierarchical manager decisions.
type StructuredProvider interface {
	Provider

	// GenerateStructured returns the raw JSON text of a response
	// constrained to the given schema.
	GenerateStructured(ctx context.Context, messages []Message, schema map[string]any, opts *GenerateOptions) (string, error)
}

// Registry manages provider instances keyed by name.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

func (r *Registry) RegisterProvider(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("LLM name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("LLM provider cannot be nil")
	}
	return r.Register(name, provider)
}

func (r *Registry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("LLM provider '%s' not found", name)
	}
	return provider, nil
}

// ParseModelString splits a provider-prefixed model identifier such as
// "anthropic/claude-sonnet-4-20250514" into (provider, model). A bare
// model name defaults to the openai provider.
func ParseModelString(model string) (string, string) {
	if idx := strings.Index(model, "/"); idx > 0 {
		return model[:idx], model[idx+1:]
	}
	return "openai", model
}

// NewFromConfig builds a provider from explicit configuration.
func NewFromConfig(cfg *config.LLMProviderConfig) (Provider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAIProviderFromConfig(cfg)
	case "anthropic":
		return NewAnthropicProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: openai, anthropic)", cfg.Type)
	}
}

// NewForModel builds a provider for a provider-prefixed model string,
// resolving the API key from the environment.
func NewForModel(model string) (Provider, error) {
	providerType, modelName := ParseModelString(model)
	cfg := &config.LLMProviderConfig{
		Type:  providerType,
		Model: modelName,
	}
	return NewFromConfig(cfg)
}
