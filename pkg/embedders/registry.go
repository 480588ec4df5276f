package embedders

import (
	"context"
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/registry"
)

// ============================================================================
// EMBEDDER INTERFACE
// ============================================================================

// EmbedderProvider generates embeddings for text.
type EmbedderProvider interface {
	// Embed generates an embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// GetDimension returns the dimension of the embedding vectors.
	GetDimension() int

	// GetModelName returns the model name used for embeddings.
	GetModelName() string

	// Close closes the embedder provider and releases resources.
	Close() error
}

// ============================================================================
// EMBEDDER REGISTRY
// ============================================================================

// Registry manages embedder provider instances.
type Registry struct {
	*registry.BaseRegistry[EmbedderProvider]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[EmbedderProvider](),
	}
}

func (r *Registry) RegisterEmbedder(name string, provider EmbedderProvider) error {
	if name == "" {
		return fmt.Errorf("embedder name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("embedder provider cannot be nil")
	}
	return r.Register(name, provider)
}

// NewFromConfig builds an embedder from configuration.
func NewFromConfig(cfg *config.EmbedderConfig) (EmbedderProvider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s (supported: openai)", cfg.Type)
	}
}
