package orchestrator

import (
	"context"
	"sync"

	"github.com/ensembleworks/ensemble/pkg/llms"
)

// scripted is one canned LLM reply.
type scripted struct {
	text string
	err  error
}

// mockLLM replays scripted responses and records requests. Implements
// llms.StructuredProvider so it can also serve as judge or manager.
type mockLLM struct {
	mu         sync.Mutex
	script     []scripted
	structured []scripted
	requests   [][]llms.Message
}

func (m *mockLLM) pop(queue *[]scripted) scripted {
	if len(*queue) == 0 {
		return scripted{text: "default response"}
	}
	head := (*queue)[0]
	*queue = (*queue)[1:]
	return head
}

func (m *mockLLM) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition, opts *llms.GenerateOptions) (string, []llms.ToolCall, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]llms.Message, len(messages))
	copy(copied, messages)
	m.requests = append(m.requests, copied)

	resp := m.pop(&m.script)
	return resp.text, nil, 10, resp.err
}

func (m *mockLLM) GenerateStreaming(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition, opts *llms.GenerateOptions) (<-chan llms.StreamChunk, error) {
	text, _, _, err := m.Generate(ctx, messages, tools, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan llms.StreamChunk, 2)
	ch <- llms.StreamChunk{Type: "text", Text: text}
	ch <- llms.StreamChunk{Type: "done"}
	close(ch)
	return ch, nil
}

func (m *mockLLM) GenerateStructured(ctx context.Context, messages []llms.Message, schema map[string]any, opts *llms.GenerateOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := m.pop(&m.structured)
	return resp.text, resp.err
}

func (m *mockLLM) GetModelName() string { return "mock-model" }
func (m *mockLLM) Close() error         { return nil }

func (m *mockLLM) request(i int) []llms.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 {
		i = len(m.requests) + i
	}
	return m.requests[i]
}

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
