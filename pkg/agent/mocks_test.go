package agent

import (
	"context"
	"sync"

	"github.com/ensembleworks/ensemble/pkg/knowledge"
	"github.com/ensembleworks/ensemble/pkg/llms"
)

// scriptedResponse is one canned LLM reply.
type scriptedResponse struct {
	text      string
	toolCalls []llms.ToolCall
	err       error
}

// mockProvider replays scripted responses and records every request.
type mockProvider struct {
	mu sync.Mutex

	script     []scriptedResponse
	structured []scriptedResponse

	// requests[i] is the message list of the i-th Generate call
	requests           [][]llms.Message
	structuredRequests [][]llms.Message
}

func (m *mockProvider) next(queue *[]scriptedResponse) scriptedResponse {
	if len(*queue) == 0 {
		return scriptedResponse{text: "default response"}
	}
	head := (*queue)[0]
	*queue = (*queue)[1:]
	return head
}

func (m *mockProvider) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition, opts *llms.GenerateOptions) (string, []llms.ToolCall, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]llms.Message, len(messages))
	copy(copied, messages)
	m.requests = append(m.requests, copied)

	resp := m.next(&m.script)
	return resp.text, resp.toolCalls, 10, resp.err
}

func (m *mockProvider) GenerateStreaming(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition, opts *llms.GenerateOptions) (<-chan llms.StreamChunk, error) {
	text, toolCalls, _, err := m.Generate(ctx, messages, tools, opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan llms.StreamChunk, len(text)+2)
	for _, r := range text {
		ch <- llms.StreamChunk{Type: "text", Text: string(r)}
	}
	for i := range toolCalls {
		ch <- llms.StreamChunk{Type: "tool_call", ToolCall: &toolCalls[i]}
	}
	ch <- llms.StreamChunk{Type: "done"}
	close(ch)
	return ch, nil
}

func (m *mockProvider) GenerateStructured(ctx context.Context, messages []llms.Message, schema map[string]any, opts *llms.GenerateOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]llms.Message, len(messages))
	copy(copied, messages)
	m.structuredRequests = append(m.structuredRequests, copied)

	resp := m.next(&m.structured)
	return resp.text, resp.err
}

func (m *mockProvider) GetModelName() string { return "mock-model" }
func (m *mockProvider) Close() error         { return nil }

func (m *mockProvider) generateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockProvider) structuredCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.structuredRequests)
}

func (m *mockProvider) request(i int) []llms.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 {
		i = len(m.requests) + i
	}
	return m.requests[i]
}

// fakeKnowledge returns fixed snippets for every query.
type fakeKnowledge struct {
	snippets []string
	queries  []string
}

func (f *fakeKnowledge) Search(ctx context.Context, query string, opts knowledge.SearchOptions) ([]knowledge.Snippet, error) {
	f.queries = append(f.queries, query)

	out := make([]knowledge.Snippet, len(f.snippets))
	for i, s := range f.snippets {
		out[i] = knowledge.Snippet{Text: s, Score: 0.9}
	}
	return out, nil
}
