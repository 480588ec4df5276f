// Package config holds the configuration surface of the runtime: LLM
// providers, embedders, memory backends, and knowledge stores. Structs are
// YAML-taggable, apply their own defaults, and validate themselves; secrets
// are resolved from the environment at construction time, never at import
// time.
package config

import (
	"fmt"
	"os"
)

// LLMProviderConfig configures a chat-completion provider.
type LLMProviderConfig struct {
	// Type is the provider type: "openai" or "anthropic".
	Type string `yaml:"type,omitempty"`

	// Model is the model identifier (e.g. "gpt-4o-mini").
	Model string `yaml:"model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// Host overrides the default API endpoint.
	Host string `yaml:"host,omitempty"`

	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout,omitempty"`

	// MaxRetries and RetryDelay (seconds) drive the HTTP retry loop.
	MaxRetries int `yaml:"max_retries,omitempty"`
	RetryDelay int `yaml:"retry_delay,omitempty"`
}

// SetDefaults applies default values.
func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "anthropic":
			c.Model = "claude-sonnet-4-20250514"
		default:
			c.Model = "gpt-4o-mini"
		}
	}
	if c.Host == "" {
		switch c.Type {
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		default:
			c.Host = "https://api.openai.com/v1"
		}
	}
	if c.APIKey == "" {
		c.APIKey = apiKeyFromEnv(c.Type)
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

// Validate checks the configuration.
func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported LLM type: %s (supported: openai, anthropic)", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %s (set %s)", c.Type, apiKeyEnvVar(c.Type))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", c.Temperature)
	}
	return nil
}

// EmbedderConfig configures an embedding provider.
type EmbedderConfig struct {
	Type      string `yaml:"type,omitempty"` // "openai"
	Model     string `yaml:"model,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	Host      string `yaml:"host,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
	Timeout   int    `yaml:"timeout,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Host == "" {
		c.Host = "https://api.openai.com/v1"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "text-embedding-3-large":
			c.Dimension = 3072
		default:
			c.Dimension = 1536
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}

func (c *EmbedderConfig) Validate() error {
	if c.Type != "openai" {
		return fmt.Errorf("unsupported embedder type: %s (supported: openai)", c.Type)
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required for embedder")
	}
	return nil
}

// MemoryConfig configures the memory subsystem.
type MemoryConfig struct {
	// Provider selects the search backend: "sqlite" (default, substring
	// search), "chromem" (embedded vector search) or "qdrant" (remote).
	// The sqlite store is always present as the system of record.
	Provider string `yaml:"provider,omitempty"`

	// Path is the sqlite database file. ":memory:" is accepted.
	Path string `yaml:"path,omitempty"`

	// ShortTermLimit bounds the short-term table; oldest records are
	// evicted on insert once the limit is reached. 0 means default.
	ShortTermLimit int `yaml:"short_term_limit,omitempty"`

	// Judge is the model used for quality scoring, provider-prefixed
	// (e.g. "openai/gpt-4o-mini"). Empty disables LLM quality checks.
	Judge string `yaml:"judge,omitempty"`

	// Embedder backs the chromem provider.
	Embedder *EmbedderConfig `yaml:"embedder,omitempty"`

	// Qdrant connection settings, used when Provider is "qdrant".
	QdrantHost string `yaml:"qdrant_host,omitempty"`
	QdrantPort int    `yaml:"qdrant_port,omitempty"`
	QdrantKey  string `yaml:"qdrant_key,omitempty"`

	// Cache enables a read-through in-process cache in front of the
	// selected backend.
	Cache bool `yaml:"cache,omitempty"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "sqlite"
	}
	if c.Path == "" {
		c.Path = ".ensemble/memory.db"
	}
	if c.ShortTermLimit == 0 {
		c.ShortTermLimit = 1000
	}
	if c.QdrantHost == "" {
		c.QdrantHost = "localhost"
	}
	if c.QdrantPort == 0 {
		c.QdrantPort = 6334
	}
	if c.Embedder != nil {
		c.Embedder.SetDefaults()
	}
}

func (c *MemoryConfig) Validate() error {
	switch c.Provider {
	case "sqlite", "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported memory provider: %s (supported: sqlite, chromem, qdrant)", c.Provider)
	}
	if c.Provider == "chromem" && c.Embedder == nil {
		return fmt.Errorf("chromem memory provider requires an embedder")
	}
	return nil
}

// KnowledgeConfig configures the knowledge store consumed by agents.
type KnowledgeConfig struct {
	// Collection names the snippet collection.
	Collection string `yaml:"collection,omitempty"`

	// TopK is the number of snippets retrieved per query.
	TopK int `yaml:"top_k,omitempty"`

	Embedder *EmbedderConfig `yaml:"embedder,omitempty"`
}

func (c *KnowledgeConfig) SetDefaults() {
	if c.Collection == "" {
		c.Collection = "ensemble_knowledge"
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.Embedder != nil {
		c.Embedder.SetDefaults()
	}
}

func apiKeyEnvVar(providerType string) string {
	switch providerType {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

func apiKeyFromEnv(providerType string) string {
	return os.Getenv(apiKeyEnvVar(providerType))
}
