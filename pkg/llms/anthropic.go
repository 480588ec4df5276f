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
// ANTHROPIC PROVIDER (messages API, native tool use)
// ============================================================================

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements Provider and StructuredProvider against the
// Anthropic messages API.
type AnthropicProvider struct {
	config *config.LLMProviderConfig
	client *httpclient.Client
}

// AnthropicRequest represents the request payload for the messages API
type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
}

// AnthropicMessage holds a role plus content blocks
type AnthropicMessage struct {
	Role    string           `json:"role"` // "user" or "assistant"
	Content []AnthropicBlock `json:"content"`
}

// AnthropicBlock is one content block: text, image, tool_use or tool_result
type AnthropicBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "image"
	Source *AnthropicImageSource `json:"source,omitempty"`

	// type == "tool_use"
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// AnthropicImageSource references an image by URL or inline base64 data
type AnthropicImageSource struct {
	Type      string `json:"type"` // "url" or "base64"
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// AnthropicTool is a tool definition in Anthropic format
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// AnthropicResponse represents the response from the messages API
type AnthropicResponse struct {
	ID         string           `json:"id"`
	Content    []AnthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      AnthropicUsage   `json:"usage"`
	Error      *AnthropicError  `json:"error,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamEvent covers the SSE event payloads we consume
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock *AnthropicBlock `json:"content_block"`
	Usage        *AnthropicUsage `json:"usage"`
	Error        *AnthropicError `json:"error"`
}

// NewAnthropicProviderFromConfig creates a provider from config.
func NewAnthropicProviderFromConfig(cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AnthropicProvider{
		config: cfg,
		client: httpclient.New("anthropic",
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		),
	}, nil
}

// Generate generates a response with native tool use
func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts *GenerateOptions) (string, []ToolCall, int, error) {
	request := p.buildRequest(messages, false, tools, opts)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, 0, err
	}
	if response.Error != nil {
		return "", nil, 0, &ProviderError{Provider: "anthropic", Message: response.Error.Message}
	}

	var text strings.Builder
	var toolCalls []ToolCall
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			rawArgs, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
				RawArgs:   string(rawArgs),
			})
		}
	}

	tokens := response.Usage.InputTokens + response.Usage.OutputTokens
	return text.String(), toolCalls, tokens, nil
}

// GenerateStreaming generates a streaming response
func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts *GenerateOptions) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools, opts)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: "error", Error: err}
		}
	}()

	return outputCh, nil
}

// GenerateStructured constrains the response to a JSON schema. Anthropic has
// no native schema mode; the schema is embedded in the system prompt and the
// assistant turn is prefilled with "{" so the model emits bare JSON.
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, messages []Message, schema map[string]any, opts *GenerateOptions) (string, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to marshal schema: %w", err)
	}

	request := p.buildRequest(messages, false, nil, opts)
	if request.System != "" {
		request.System += "\n\n"
	}
	request.System += "Respond ONLY with a JSON object matching this schema, no prose:\n" + string(schemaJSON)

	// Prefill the assistant turn so the response starts inside the object
	request.Messages = append(request.Messages, AnthropicMessage{
		Role:    "assistant",
		Content: []AnthropicBlock{{Type: "text", Text: "{"}},
	})

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", err
	}
	if response.Error != nil {
		return "", &ProviderError{Provider: "anthropic", Message: response.Error.Message}
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return "{" + text.String(), nil
}

func (p *AnthropicProvider) GetModelName() string {
	return p.config.Model
}

func (p *AnthropicProvider) Close() error {
	return nil
}

// buildRequest converts universal messages to the Anthropic format. System
// messages are hoisted into the request's system field; tool messages become
// tool_result blocks in a user turn.
func (p *AnthropicProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition, opts *GenerateOptions) AnthropicRequest {
	request := AnthropicRequest{
		Model:       p.config.Model,
		MaxTokens:   opts.maxTokens(p.config.MaxTokens),
		Temperature: opts.temperature(p.config.Temperature),
		Stream:      stream,
	}

	var system []string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Text())

		case "tool":
			request.Messages = append(request.Messages, AnthropicMessage{
				Role: "user",
				Content: []AnthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case "assistant":
			blocks := []AnthropicBlock{}
			if msg.Content != "" {
				blocks = append(blocks, AnthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, AnthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			if len(blocks) > 0 {
				request.Messages = append(request.Messages, AnthropicMessage{Role: "assistant", Content: blocks})
			}

		default: // user
			request.Messages = append(request.Messages, AnthropicMessage{
				Role:    "user",
				Content: convertPartsToBlocks(msg),
			})
		}
	}
	request.System = strings.Join(system, "\n\n")

	for _, tool := range tools {
		request.Tools = append(request.Tools, AnthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	return request
}

func convertPartsToBlocks(msg Message) []AnthropicBlock {
	if len(msg.Parts) == 0 {
		return []AnthropicBlock{{Type: "text", Text: msg.Content}}
	}

	blocks := make([]AnthropicBlock, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, AnthropicBlock{Type: "text", Text: part.Text})
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			blocks = append(blocks, AnthropicBlock{Type: "image", Source: imageSource(part.ImageURL.URL)})
		}
	}
	return blocks
}

// imageSource maps a data URI to an inline base64 source, anything else to a
// URL source.
func imageSource(url string) *AnthropicImageSource {
	if strings.HasPrefix(url, "data:") {
		// data:<media-type>;base64,<payload>
		rest := strings.TrimPrefix(url, "data:")
		mediaType, data, ok := strings.Cut(rest, ";base64,")
		if ok {
			return &AnthropicImageSource{Type: "base64", MediaType: mediaType, Data: data}
		}
	}
	return &AnthropicImageSource{Type: "url", URL: url}
}

func (p *AnthropicProvider) newRequest(ctx context.Context, request AnthropicRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+"/v1/messages", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request AnthropicRequest) (*AnthropicResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: "failed to read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var response AnthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: "failed to unmarshal response", Err: err}
	}

	return &response, nil
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request AnthropicRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &ProviderError{Provider: "anthropic", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &ProviderError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	reader := bufio.NewReader(resp.Body)
	totalTokens := 0

	// In-flight tool_use block, populated across input_json_delta events
	var currentTool *ToolCall
	var toolArgs strings.Builder

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		var event anthropicStreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		if event.Error != nil {
			return &ProviderError{Provider: "anthropic", Message: event.Error.Message}
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentTool = &ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name}
				toolArgs.Reset()
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				outputCh <- StreamChunk{Type: "text", Text: event.Delta.Text}
			case "input_json_delta":
				toolArgs.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				raw := toolArgs.String()
				if raw == "" {
					raw = "{}"
				}
				var args map[string]any
				_ = json.Unmarshal([]byte(raw), &args)
				currentTool.Arguments = args
				currentTool.RawArgs = raw
				outputCh <- StreamChunk{Type: "tool_call", ToolCall: currentTool}
				currentTool = nil
			}

		case "message_delta":
			if event.Usage != nil {
				totalTokens += event.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
			return nil
		}
	}

	outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
	return nil
}
