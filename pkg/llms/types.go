package llms

// ============================================================================
// COMMON CHAT TYPES
// Shared across OpenAI and Anthropic providers
// ============================================================================

// Message represents a single message in a conversation.
// This is the universal format for multi-turn conversations with tool
// support. Content carries plain text; Parts, when non-empty, carries
// multimodal content and takes precedence over Content.
type Message struct {
	Role       string        `json:"role"`                   // "user", "assistant", "system", "tool"
	Content    string        `json:"content,omitempty"`      // Text content
	Parts      []ContentPart `json:"parts,omitempty"`        // Multimodal content
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`   // Tool calls (from assistant)
	ToolCallID string        `json:"tool_call_id,omitempty"` // Tool call ID (for tool role)
	Name       string        `json:"name,omitempty"`         // Tool name (for tool role)
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference: an http(s) URL or a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart builds an image content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// Text returns the textual content of a message: Content for plain
// messages, the concatenated text parts for multimodal ones.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// ToolDefinition represents a tool/function that can be called.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ToolCall represents a tool call requested by the LLM.
type ToolCall struct {
	ID        string         `json:"id"`        // Unique identifier for this call
	Name      string         `json:"name"`      // Tool name
	Arguments map[string]any `json:"arguments"` // Parsed arguments
	RawArgs   string         `json:"raw_args"`  // Original JSON string
}

// StreamChunk represents a chunk of streaming response.
type StreamChunk struct {
	Type     string    // "text", "tool_call", "done", "error"
	Text     string    // For text chunks
	ToolCall *ToolCall // For tool_call chunks
	Tokens   int       // For done chunks
	Error    error     // For error chunks
}

// GenerateOptions carries per-call overrides. A nil *GenerateOptions means
// provider defaults everywhere.
type GenerateOptions struct {
	// Temperature overrides the provider's configured temperature.
	Temperature *float64

	// MaxTokens overrides the provider's configured response budget.
	MaxTokens int
}

func (o *GenerateOptions) temperature(fallback float64) float64 {
	if o != nil && o.Temperature != nil {
		return *o.Temperature
	}
	return fallback
}

func (o *GenerateOptions) maxTokens(fallback int) int {
	if o != nil && o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return fallback
}

// Float64Ptr is a convenience for building GenerateOptions literals.
func Float64Ptr(v float64) *float64 { return &v }
