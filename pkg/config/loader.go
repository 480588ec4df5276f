package config

import (
	"fmt"
	"os"

	"github.com/ensembleworks/ensemble/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	LLM       map[string]*LLMProviderConfig `yaml:"llm,omitempty"`
	Memory    *MemoryConfig                 `yaml:"memory,omitempty"`
	Knowledge *KnowledgeConfig              `yaml:"knowledge,omitempty"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	for _, llm := range c.LLM {
		llm.SetDefaults()
	}
	if c.Memory != nil {
		c.Memory.SetDefaults()
	}
	if c.Knowledge != nil {
		c.Knowledge.SetDefaults()
	}
	if c.LogLevel == "" {
		c.LogLevel = os.Getenv("ENSEMBLE_LOG_LEVEL")
	}
}

// Validate validates every section.
func (c *Config) Validate() error {
	for name, llm := range c.LLM {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	if c.Memory != nil {
		if err := c.Memory.Validate(); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
	}
	return nil
}

// LoadFile reads a YAML configuration file, expanding environment variable
// references in the raw document before decoding.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The configured level applies process-wide; handlers built by
	// pkg/logger share it.
	if cfg.LogLevel != "" {
		logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	}

	return &cfg, nil
}
