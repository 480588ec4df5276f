// Package agent implements the single-agent conversational loop: message
// assembly, tool-call resolution and optional self-reflection.
package agent

import (
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/knowledge"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/tools"
	"github.com/google/uuid"
)

// Config declares an agent.
type Config struct {
	Name      string
	Role      string
	Goal      string
	Backstory string

	// Instructions is freeform guidance, also used to auto-generate a task
	// when the orchestrator is started without tasks.
	Instructions string

	// Model is a provider-prefixed identifier (e.g. "anthropic/claude-...").
	// Ignored when LLM is set.
	Model string
	// LLM is an injected provider; takes precedence over Model.
	LLM llms.Provider

	// ReflectModel / ReflectLLM back the self-reflection loop; the main
	// provider is used when neither is set.
	ReflectModel string
	ReflectLLM   llms.Provider

	Tools     []tools.Tool
	Knowledge knowledge.Knowledge

	SelfReflect bool
	MinReflect  int // >= 1, default 1
	MaxReflect  int // >= MinReflect, default 3

	// UseSystemPrompt controls whether role/goal/backstory are sent as a
	// system message. Defaults to true.
	UseSystemPrompt *bool

	Verbose  bool
	Markdown bool
}

// Agent owns its identity, LLM binding, tools and chat history. It does not
// own long-term memory; that belongs to the orchestrator.
//
// At most one in-flight Chat per instance is expected; callers sharing an
// agent across goroutines must provide their own exclusion (see
// SessionManager) or use Clone.
type Agent struct {
	id string

	Name         string
	Role         string
	Goal         string
	Backstory    string
	Instructions string

	llm        llms.Provider
	reflectLLM llms.Provider

	tools     []tools.Tool
	knowledge knowledge.Knowledge

	SelfReflect bool
	MinReflect  int
	MaxReflect  int

	UseSystemPrompt bool
	Verbose         bool
	Markdown        bool

	// chatHistory is deliberately a plain mutable field so session-aware
	// callers can swap it (History/SetHistory).
	chatHistory []llms.Message
}

// New validates the configuration and builds an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}

	llm := cfg.LLM
	if llm == nil {
		if cfg.Model == "" {
			return nil, fmt.Errorf("agent %s: either Model or LLM is required", cfg.Name)
		}
		var err error
		llm, err = llms.NewForModel(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", cfg.Name, err)
		}
	}

	reflectLLM := cfg.ReflectLLM
	if reflectLLM == nil && cfg.ReflectModel != "" {
		var err error
		reflectLLM, err = llms.NewForModel(cfg.ReflectModel)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", cfg.Name, err)
		}
	}

	seen := make(map[string]bool, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		if seen[tool.GetName()] {
			return nil, fmt.Errorf("agent %s: duplicate tool %s", cfg.Name, tool.GetName())
		}
		seen[tool.GetName()] = true
	}

	minReflect := cfg.MinReflect
	if minReflect < 1 {
		minReflect = 1
	}
	maxReflect := cfg.MaxReflect
	if maxReflect < 1 {
		maxReflect = 3
	}
	if maxReflect < minReflect {
		return nil, fmt.Errorf("agent %s: MaxReflect (%d) must be >= MinReflect (%d)", cfg.Name, maxReflect, minReflect)
	}

	useSystemPrompt := true
	if cfg.UseSystemPrompt != nil {
		useSystemPrompt = *cfg.UseSystemPrompt
	}

	return &Agent{
		id:              uuid.New().String(),
		Name:            cfg.Name,
		Role:            cfg.Role,
		Goal:            cfg.Goal,
		Backstory:       cfg.Backstory,
		Instructions:    cfg.Instructions,
		llm:             llm,
		reflectLLM:      reflectLLM,
		tools:           cfg.Tools,
		knowledge:       cfg.Knowledge,
		SelfReflect:     cfg.SelfReflect,
		MinReflect:      minReflect,
		MaxReflect:      maxReflect,
		UseSystemPrompt: useSystemPrompt,
		Verbose:         cfg.Verbose,
		Markdown:        cfg.Markdown,
	}, nil
}

// ID is the agent's stable UUID.
func (a *Agent) ID() string { return a.id }

// LLM returns the bound provider.
func (a *Agent) LLM() llms.Provider { return a.llm }

// Tools returns the agent's tool list.
func (a *Agent) Tools() []tools.Tool { return a.tools }

// History returns the live chat history slice.
func (a *Agent) History() []llms.Message { return a.chatHistory }

// SetHistory replaces the chat history (session swap contract).
func (a *Agent) SetHistory(history []llms.Message) { a.chatHistory = history }

// ClearHistory drops the chat history.
func (a *Agent) ClearHistory() { a.chatHistory = nil }

// Clone returns an agent sharing configuration, provider and tools but not
// history. Use it to run one configured agent across concurrent sessions.
func (a *Agent) Clone() *Agent {
	clone := *a
	clone.id = uuid.New().String()
	clone.chatHistory = nil
	return &clone
}

// systemPrompt composes the system message from backstory, role and goal,
// plus a schema instruction when structured output is requested.
func (a *Agent) systemPrompt(schema map[string]any) string {
	var b strings.Builder

	if a.Backstory != "" {
		b.WriteString(a.Backstory)
	}
	if a.Role != "" || a.Goal != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("Your Role: %s\nYour Goal: %s", a.Role, a.Goal))
	}
	if schema != nil {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Return your response as a JSON object that matches the requested schema. Return only the JSON object, nothing else.")
	}

	return b.String()
}
