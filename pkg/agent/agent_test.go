package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func newTestAgent(t *testing.T, provider llms.Provider, mutate func(*Config)) *Agent {
	t.Helper()
	cfg := Config{
		Name:      "A1",
		Role:      "Researcher",
		Goal:      "Answer questions",
		Backstory: "You are a careful researcher.",
		LLM:       provider,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "name required")

	_, err = New(Config{Name: "A1"})
	assert.Error(t, err, "model or LLM required")

	_, err = New(Config{Name: "A1", LLM: &mockProvider{}, MinReflect: 3, MaxReflect: 2})
	assert.Error(t, err, "max reflect below min")
}

func TestChatHistoryDiscipline(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{{text: "the answer"}}}
	a := newTestAgent(t, provider, nil)

	response, err := a.Chat(context.Background(), "what is the answer?", nil)
	require.NoError(t, err)
	assert.Equal(t, "the answer", response)

	history := a.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "what is the answer?", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "the answer", history[1].Content)
}

func TestChatSystemPromptComposition(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{{text: "ok"}}}
	a := newTestAgent(t, provider, nil)

	_, err := a.Chat(context.Background(), "hello", nil)
	require.NoError(t, err)

	sent := provider.request(0)
	require.NotEmpty(t, sent)
	assert.Equal(t, "system", sent[0].Role)
	assert.Contains(t, sent[0].Content, "careful researcher")
	assert.Contains(t, sent[0].Content, "Your Role: Researcher")
}

func TestChatWithoutSystemPrompt(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{{text: "ok"}}}
	off := false
	a := newTestAgent(t, provider, func(cfg *Config) { cfg.UseSystemPrompt = &off })

	_, err := a.Chat(context.Background(), "hello", nil)
	require.NoError(t, err)

	for _, msg := range provider.request(0) {
		assert.NotEqual(t, "system", msg.Role)
	}
}

func TestChatToolRoundTrip(t *testing.T) {
	var invocations []addArgs
	add, err := tools.NewFuncTool("add", "Adds two ints", func(ctx context.Context, args addArgs) (any, error) {
		invocations = append(invocations, args)
		return args.A + args.B, nil
	})
	require.NoError(t, err)

	provider := &mockProvider{script: []scriptedResponse{
		{toolCalls: []llms.ToolCall{{
			ID:        "call_1",
			Name:      "add",
			Arguments: map[string]any{"a": float64(2), "b": float64(3)},
			RawArgs:   `{"a":2,"b":3}`,
		}}},
		{text: "5"},
	}}

	a := newTestAgent(t, provider, func(cfg *Config) { cfg.Tools = []tools.Tool{add} })

	response, err := a.Chat(context.Background(), "use add to compute 2+3 and return only the number", nil)
	require.NoError(t, err)
	assert.Contains(t, response, "5")

	// Tool invoked exactly once with the declared arguments
	require.Len(t, invocations, 1)
	assert.Equal(t, addArgs{A: 2, B: 3}, invocations[0])

	// Exactly one assistant message committed to history
	assistants := 0
	for _, msg := range a.History() {
		if msg.Role == "assistant" {
			assistants++
		}
	}
	assert.Equal(t, 1, assistants)

	// The follow-up call saw the tool result in order
	second := provider.request(1)
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, "5", last.Content)
}

func TestChatToolFailureSurfacedToModel(t *testing.T) {
	failing, err := tools.NewFuncTool("lookup", "Always fails", func(ctx context.Context, args struct{}) (any, error) {
		return nil, assert.AnError
	})
	require.NoError(t, err)

	provider := &mockProvider{script: []scriptedResponse{
		{toolCalls: []llms.ToolCall{{ID: "call_1", Name: "lookup"}}},
		{text: "could not look that up"},
	}}

	a := newTestAgent(t, provider, func(cfg *Config) { cfg.Tools = []tools.Tool{failing} })

	response, err := a.Chat(context.Background(), "look it up", nil)
	require.NoError(t, err, "tool failures are not fatal to the agent")
	assert.Equal(t, "could not look that up", response)

	second := provider.request(1)
	last := second[len(second)-1]
	assert.Contains(t, last.Content, `"error"`)
}

func TestChatUnknownToolReported(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{
		{toolCalls: []llms.ToolCall{{ID: "call_1", Name: "nonexistent"}}},
		{text: "recovered"},
	}}

	add, err := tools.NewFuncTool("add", "Adds", func(ctx context.Context, args addArgs) (any, error) {
		return args.A + args.B, nil
	})
	require.NoError(t, err)

	a := newTestAgent(t, provider, func(cfg *Config) { cfg.Tools = []tools.Tool{add} })

	response, err := a.Chat(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", response)

	second := provider.request(1)
	last := second[len(second)-1]
	assert.Contains(t, last.Content, "not found")
}

func TestChatLLMErrorSurfaces(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{
		{err: &llms.ProviderError{Provider: "mock", Message: "boom"}},
	}}
	a := newTestAgent(t, provider, nil)

	_, err := a.Chat(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.True(t, llms.IsProviderError(err))
	assert.Empty(t, a.History(), "failed chats commit nothing")
}

func TestChatSchemaInstruction(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{{text: `{"n": 1}`}}}
	a := newTestAgent(t, provider, nil)

	_, err := a.Chat(context.Background(), "count things", &ChatOptions{
		OutputJSON: map[string]any{"type": "object"},
	})
	require.NoError(t, err)

	sent := provider.request(0)
	assert.Contains(t, sent[0].Content, "JSON object", "system prompt carries the schema instruction")

	user := sent[len(sent)-1]
	assert.True(t, strings.HasSuffix(user.Content, jsonOnlyInstruction))

	// History keeps the original prompt, not the augmented one
	assert.Equal(t, "count things", a.History()[0].Content)
}

func TestChatSchemaConflict(t *testing.T) {
	a := newTestAgent(t, &mockProvider{}, nil)

	_, err := a.Chat(context.Background(), "x", &ChatOptions{
		OutputJSON:  map[string]any{"type": "object"},
		OutputTyped: map[string]any{"type": "object"},
	})
	assert.Error(t, err)
}

func TestChatKnowledgeAugmentation(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{{text: "ok"}}}
	kb := &fakeKnowledge{snippets: []string{"gophers burrow", "gophers burrow", "gophers are rodents"}}
	a := newTestAgent(t, provider, func(cfg *Config) { cfg.Knowledge = kb })

	_, err := a.Chat(context.Background(), "tell me about gophers", nil)
	require.NoError(t, err)

	sent := provider.request(0)
	user := sent[len(sent)-1]
	assert.Contains(t, user.Content, "\n\nKnowledge: gophers burrow\ngophers are rodents",
		"snippets are deduped and newline-joined")

	// Original prompt committed to history
	assert.Equal(t, "tell me about gophers", a.History()[0].Content)
}

func TestChatPartsSchemaGoesToFirstTextPart(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{{text: `{}`}}}
	a := newTestAgent(t, provider, nil)

	_, err := a.ChatParts(context.Background(), []llms.ContentPart{
		llms.TextPart("describe the image"),
		llms.ImagePart("https://example.com/a.png"),
	}, &ChatOptions{OutputJSON: map[string]any{"type": "object"}})
	require.NoError(t, err)

	sent := provider.request(0)
	user := sent[len(sent)-1]
	require.Len(t, user.Parts, 2)
	assert.True(t, strings.HasSuffix(user.Parts[0].Text, jsonOnlyInstruction))
	assert.Equal(t, "image_url", user.Parts[1].Type)
}

func TestChatStreaming(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{{text: "hey"}}}
	a := newTestAgent(t, provider, nil)

	var chunks []string
	response, err := a.Chat(context.Background(), "hello", &ChatOptions{
		Stream:  true,
		OnChunk: func(text string) { chunks = append(chunks, text) },
	})
	require.NoError(t, err)
	assert.Equal(t, "hey", response)
	assert.Equal(t, "hey", strings.Join(chunks, ""))
}

func TestClone(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{{text: "one"}, {text: "two"}}}
	a := newTestAgent(t, provider, nil)

	_, err := a.Chat(context.Background(), "first", nil)
	require.NoError(t, err)

	clone := a.Clone()
	assert.Empty(t, clone.History(), "clone shares configuration but not history")
	assert.NotEqual(t, a.ID(), clone.ID())
	assert.Equal(t, a.Role, clone.Role)

	_, err = clone.Chat(context.Background(), "second", nil)
	require.NoError(t, err)
	assert.Len(t, a.History(), 2)
	assert.Len(t, clone.History(), 2)
}

func TestDuplicateToolsRejected(t *testing.T) {
	add, err := tools.NewFuncTool("add", "Adds", func(ctx context.Context, args addArgs) (any, error) {
		return args.A + args.B, nil
	})
	require.NoError(t, err)

	_, err = New(Config{Name: "A1", LLM: &mockProvider{}, Tools: []tools.Tool{add, add}})
	assert.Error(t, err)
}
