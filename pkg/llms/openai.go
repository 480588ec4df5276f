package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
)

// ============================================================================
// OPENAI PROVIDER (chat completions, native function calling)
// ============================================================================

// OpenAIProvider implements Provider and StructuredProvider against the
// OpenAI chat-completions API. Any OpenAI-compatible endpoint works by
// overriding Host in the config.
type OpenAIProvider struct {
	config *config.LLMProviderConfig
	client *httpclient.Client
}

// ============================================================================
// REQUEST/RESPONSE TYPES
// ============================================================================

// OpenAIRequest represents the request payload for the chat-completions API
type OpenAIRequest struct {
	Model          string                `json:"model"`
	Messages       []OpenAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	Stream         bool                  `json:"stream"`
	Tools          []OpenAITool          `json:"tools,omitempty"`       // Function calling
	ToolChoice     string                `json:"tool_choice,omitempty"` // "auto", "required", "none"
	ResponseFormat *OpenAIResponseFormat `json:"response_format,omitempty"`
}

// OpenAIResponseFormat enables structured output (json_schema mode)
type OpenAIResponseFormat struct {
	Type       string            `json:"type"` // "json_schema"
	JSONSchema *OpenAIJSONSchema `json:"json_schema,omitempty"`
}

// OpenAIJSONSchema wraps the declared schema for structured output
type OpenAIJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// OpenAIMessage represents a message in OpenAI's format.
// Content is a string for plain text, or a list of content parts for
// multimodal messages.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`   // Tool calls from assistant
	ToolCallID string           `json:"tool_call_id,omitempty"` // Tool result reference
}

// OpenAIResponse represents the response from the chat-completions API
type OpenAIResponse struct {
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
	Error   *OpenAIError   `json:"error,omitempty"`
}

// OpenAIStreamResponse represents streaming response chunks
type OpenAIStreamResponse struct {
	Choices []OpenAIStreamChoice `json:"choices"`
	Usage   *OpenAIUsage         `json:"usage,omitempty"`
	Error   *OpenAIError         `json:"error,omitempty"`
}

type OpenAIChoice struct {
	Message      OpenAIResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// OpenAIResponseMessage is the assistant message in a response (content is
// always a string here).
type OpenAIResponseMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIStreamChoice struct {
	Delta        OpenAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

// OpenAIDelta represents incremental content in streaming (including tool calls)
type OpenAIDelta struct {
	Content   string                 `json:"content,omitempty"`
	ToolCalls []OpenAIStreamToolCall `json:"tool_calls,omitempty"`
}

// OpenAIStreamToolCall carries the index OpenAI uses to correlate
// incremental tool-call chunks.
type OpenAIStreamToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ============================================================================
// FUNCTION CALLING TYPES
// ============================================================================

// OpenAITool represents a tool definition in OpenAI format
type OpenAITool struct {
	Type     string             `json:"type"` // Always "function"
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// OpenAIToolCall represents a tool call in the response
type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"` // Always "function"
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ============================================================================
// CONSTRUCTORS
// ============================================================================

// NewOpenAIProvider creates a provider with default configuration. For
// production use, prefer NewOpenAIProviderFromConfig.
func NewOpenAIProvider(apiKey string, model string) (*OpenAIProvider, error) {
	cfg := &config.LLMProviderConfig{
		Type:   "openai",
		Model:  model,
		APIKey: apiKey,
	}
	cfg.SetDefaults()
	return NewOpenAIProviderFromConfig(cfg)
}

// NewOpenAIProviderFromConfig creates a provider from config.
func NewOpenAIProviderFromConfig(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OpenAIProvider{
		config: cfg,
		client: httpclient.New("openai",
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		),
	}, nil
}

// ============================================================================
// INTERFACE IMPLEMENTATION
// ============================================================================

// Generate generates a response with native function calling
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts *GenerateOptions) (string, []ToolCall, int, error) {
	request := p.buildRequest(messages, false, tools, opts)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, 0, err
	}

	if response.Error != nil {
		return "", nil, 0, &ProviderError{Provider: "openai", Message: response.Error.Message}
	}

	if len(response.Choices) == 0 {
		return "", nil, 0, &ProviderError{Provider: "openai", Message: "no response choices returned"}
	}

	choice := response.Choices[0]
	tokensUsed := response.Usage.TotalTokens

	// Extract text content (may be empty if only tool calls)
	text := choice.Message.Content

	// Check if model wants to call tools
	var toolCalls []ToolCall
	if len(choice.Message.ToolCalls) > 0 {
		toolCalls, err = parseOpenAIToolCalls(choice.Message.ToolCalls)
		if err != nil {
			return text, nil, tokensUsed, err
		}
	}

	// Both text and tool calls can be present
	return text, toolCalls, tokensUsed, nil
}

// GenerateStreaming generates a streaming response with function calling
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts *GenerateOptions) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools, opts)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{
				Type:  "error",
				Error: err,
			}
		}
	}()

	return outputCh, nil
}

// GenerateStructured constrains the response to a JSON schema and returns
// the raw JSON text.
func (p *OpenAIProvider) GenerateStructured(ctx context.Context, messages []Message, schema map[string]any, opts *GenerateOptions) (string, error) {
	request := p.buildRequest(messages, false, nil, opts)
	request.ResponseFormat = &OpenAIResponseFormat{
		Type: "json_schema",
		JSONSchema: &OpenAIJSONSchema{
			Name:   "response",
			Strict: true,
			Schema: schema,
		},
	}

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", err
	}
	if response.Error != nil {
		return "", &ProviderError{Provider: "openai", Message: response.Error.Message}
	}
	if len(response.Choices) == 0 {
		return "", &ProviderError{Provider: "openai", Message: "no response choices returned"}
	}
	return response.Choices[0].Message.Content, nil
}

// GetModelName returns the model name
func (p *OpenAIProvider) GetModelName() string {
	return p.config.Model
}

// Close closes the provider and releases resources
func (p *OpenAIProvider) Close() error {
	return nil
}

// ============================================================================
// INTERNAL HELPERS
// ============================================================================

// buildRequest builds an OpenAI request from universal messages
func (p *OpenAIProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition, opts *GenerateOptions) OpenAIRequest {
	openaiMessages := make([]OpenAIMessage, len(messages))
	for i, msg := range messages {
		openaiMsg := OpenAIMessage{
			Role: msg.Role,
		}

		// Multimodal parts take precedence over plain content
		if len(msg.Parts) > 0 {
			openaiMsg.Content = msg.Parts
		} else if msg.Content != "" || msg.Role == "tool" {
			openaiMsg.Content = msg.Content
		}

		// Tool calls (from assistant)
		if len(msg.ToolCalls) > 0 {
			openaiMsg.ToolCalls = make([]OpenAIToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				openaiMsg.ToolCalls[j] = OpenAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: OpenAIFunctionCall{
						Name:      tc.Name,
						Arguments: tc.RawArgs,
					},
				}
			}
		}

		// Tool results (role: "tool")
		if msg.ToolCallID != "" {
			openaiMsg.ToolCallID = msg.ToolCallID
		}

		openaiMessages[i] = openaiMsg
	}

	request := OpenAIRequest{
		Model:       p.config.Model,
		Messages:    openaiMessages,
		MaxTokens:   opts.maxTokens(p.config.MaxTokens),
		Temperature: opts.temperature(p.config.Temperature),
		Stream:      stream,
	}

	if len(tools) > 0 {
		request.Tools = convertToOpenAITools(tools)
		request.ToolChoice = "auto" // Let model decide
	}

	return request
}

// convertToOpenAITools converts universal ToolDefinition to OpenAI format
func convertToOpenAITools(tools []ToolDefinition) []OpenAITool {
	result := make([]OpenAITool, len(tools))
	for i, tool := range tools {
		result[i] = OpenAITool{
			Type: "function",
			Function: OpenAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return result
}

// parseOpenAIToolCalls extracts tool calls from an OpenAI response
func parseOpenAIToolCalls(openaiToolCalls []OpenAIToolCall) ([]ToolCall, error) {
	result := make([]ToolCall, len(openaiToolCalls))

	for i, tc := range openaiToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}

		result[i] = ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
			RawArgs:   tc.Function.Arguments,
		}
	}

	return result, nil
}

func (p *OpenAIProvider) newRequest(ctx context.Context, request OpenAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+"/chat/completions", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	return req, nil
}

// makeRequest makes a non-streaming request; retries live in httpclient.
func (p *OpenAIProvider) makeRequest(ctx context.Context, request OpenAIRequest) (*OpenAIResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "failed to read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var response OpenAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "failed to unmarshal response", Err: err}
	}

	return &response, nil
}

// makeStreamingRequest handles SSE streaming with function calling
func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request OpenAIRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &ProviderError{Provider: "openai", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	reader := bufio.NewReader(resp.Body)
	// Accumulate tool calls by index (OpenAI streams arguments incrementally)
	toolCallsMap := make(map[int]*OpenAIToolCall)
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp OpenAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue // Skip malformed chunks
		}

		if streamResp.Error != nil {
			return &ProviderError{Provider: "openai", Message: streamResp.Error.Message}
		}

		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}

		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			outputCh <- StreamChunk{
				Type: "text",
				Text: choice.Delta.Content,
			}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if existing, ok := toolCallsMap[deltaCall.Index]; ok {
				existing.Function.Arguments += deltaCall.Function.Arguments
			} else {
				toolCallsMap[deltaCall.Index] = &OpenAIToolCall{
					ID:       deltaCall.ID,
					Type:     deltaCall.Type,
					Function: deltaCall.Function,
				}
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			var accumulated []OpenAIToolCall
			for i := 0; i < len(toolCallsMap); i++ {
				if toolCall, exists := toolCallsMap[i]; exists {
					accumulated = append(accumulated, *toolCall)
				}
			}

			if len(accumulated) > 0 {
				toolCalls, err := parseOpenAIToolCalls(accumulated)
				if err == nil {
					for i := range toolCalls {
						outputCh <- StreamChunk{
							Type:     "tool_call",
							ToolCall: &toolCalls[i],
						}
					}
				}
			}
			break
		}
	}

	outputCh <- StreamChunk{
		Type:   "done",
		Tokens: totalTokens,
	}

	return nil
}
