package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/knowledge"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/tools"
)

// jsonOnlyInstruction is appended to the user content when an output schema
// is declared.
const jsonOnlyInstruction = "\nReturn ONLY a valid JSON object. No other text or explanation."

// ChatOptions carries per-call options. At most one of OutputJSON /
// OutputTyped may be set; both constrain the model to emit a bare JSON
// object, the difference only matters to the caller's post-processing.
type ChatOptions struct {
	Temperature *float64

	// Tools overrides the agent's tool list for this call. An empty
	// non-nil slice disables tools.
	Tools []tools.Tool

	OutputJSON  map[string]any
	OutputTyped map[string]any

	// Stream requests streaming on the final response pass; each text
	// chunk is handed to OnChunk as it arrives.
	Stream  bool
	OnChunk func(text string)
}

func (o *ChatOptions) schema() map[string]any {
	if o == nil {
		return nil
	}
	if o.OutputJSON != nil {
		return o.OutputJSON
	}
	return o.OutputTyped
}

func (o *ChatOptions) validate() error {
	if o != nil && o.OutputJSON != nil && o.OutputTyped != nil {
		return fmt.Errorf("at most one of OutputJSON and OutputTyped may be set")
	}
	return nil
}

func (o *ChatOptions) generateOptions() *llms.GenerateOptions {
	if o == nil || o.Temperature == nil {
		return nil
	}
	return &llms.GenerateOptions{Temperature: o.Temperature}
}

// Chat runs one conversational turn with a plain-text prompt.
func (a *Agent) Chat(ctx context.Context, prompt string, opts *ChatOptions) (string, error) {
	return a.chat(ctx, llms.Message{Role: "user", Content: prompt}, opts)
}

// ChatParts runs one conversational turn with multimodal content.
func (a *Agent) ChatParts(ctx context.Context, parts []llms.ContentPart, opts *ChatOptions) (string, error) {
	return a.chat(ctx, llms.Message{Role: "user", Parts: parts}, opts)
}

func (a *Agent) chat(ctx context.Context, userMsg llms.Message, opts *ChatOptions) (string, error) {
	if err := opts.validate(); err != nil {
		return "", err
	}

	messages := a.assembleMessages(ctx, userMsg, opts)

	response, err := a.runToolLoop(ctx, messages, opts)
	if err != nil {
		return "", err
	}

	if a.SelfReflect && opts.schema() == nil {
		response = a.reflect(ctx, messages, response, opts)
	}

	// Exactly one user record (original prompt) and one assistant record
	// are committed per successful chat; tool and reflection messages are
	// transient to the call.
	a.chatHistory = append(a.chatHistory, userMsg, llms.Message{Role: "assistant", Content: response})

	return response, nil
}

// assembleMessages builds the outgoing conversation: optional system
// message, chat history, then the (possibly augmented) user message.
func (a *Agent) assembleMessages(ctx context.Context, userMsg llms.Message, opts *ChatOptions) []llms.Message {
	schema := opts.schema()

	var messages []llms.Message
	if a.UseSystemPrompt {
		if system := a.systemPrompt(schema); system != "" {
			messages = append(messages, llms.Message{Role: "system", Content: system})
		}
	}
	messages = append(messages, a.chatHistory...)

	augmented := userMsg

	if a.knowledge != nil {
		if snippet := a.knowledgeContext(ctx, userMsg.Text()); snippet != "" {
			augmented = appendToUserContent(augmented, "\n\nKnowledge: "+snippet)
		}
	}

	if schema != nil {
		augmented = appendToUserContent(augmented, jsonOnlyInstruction)
	}

	return append(messages, augmented)
}

// knowledgeContext queries the knowledge handle with the prompt and joins
// the deduped snippet texts.
func (a *Agent) knowledgeContext(ctx context.Context, query string) string {
	if query == "" {
		return ""
	}

	snippets, err := a.knowledge.Search(ctx, query, knowledge.SearchOptions{AgentID: a.id})
	if err != nil {
		slog.Warn("Knowledge search failed", "agent", a.Name, "error", err)
		return ""
	}
	if len(snippets) == 0 {
		return ""
	}

	seen := make(map[string]bool, len(snippets))
	var texts []string
	for _, s := range snippets {
		text := strings.TrimSpace(s.Text)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		texts = append(texts, text)
	}
	return strings.Join(texts, "\n")
}

// appendToUserContent appends text to a user message: to Content for plain
// messages, to the first text part for multimodal ones.
func appendToUserContent(msg llms.Message, text string) llms.Message {
	if len(msg.Parts) == 0 {
		msg.Content += text
		return msg
	}

	parts := make([]llms.ContentPart, len(msg.Parts))
	copy(parts, msg.Parts)
	for i := range parts {
		if parts[i].Type == "text" {
			parts[i].Text += text
			msg.Parts = parts
			return msg
		}
	}
	// No text part; prepend one
	msg.Parts = append([]llms.ContentPart{llms.TextPart(strings.TrimSpace(text))}, parts...)
	return msg
}

// runToolLoop performs the main LLM call with tool schemas, resolves any
// tool calls in the order the model emitted them, and issues the follow-up
// call (without tools) for the final assistant message. Streaming, when
// requested, happens on the final pass only.
func (a *Agent) runToolLoop(ctx context.Context, messages []llms.Message, opts *ChatOptions) (string, error) {
	toolset := a.tools
	if opts != nil && opts.Tools != nil {
		toolset = opts.Tools
	}
	defs := toolDefinitions(toolset)
	genOpts := opts.generateOptions()

	if len(defs) == 0 {
		return a.finalCall(ctx, messages, genOpts, opts)
	}

	text, toolCalls, _, err := a.llm.Generate(ctx, messages, defs, genOpts)
	if err != nil {
		return "", fmt.Errorf("agent %s: LLM call failed: %w", a.Name, err)
	}

	if len(toolCalls) == 0 {
		if opts != nil && opts.Stream && opts.OnChunk != nil {
			opts.OnChunk(text)
		}
		return text, nil
	}

	// Append the assistant message carrying the tool calls, then one tool
	// message per call, preserving emission order.
	messages = append(messages, llms.Message{
		Role:      "assistant",
		Content:   text,
		ToolCalls: toolCalls,
	})

	for _, call := range toolCalls {
		if a.Verbose {
			slog.Info("Executing tool", "agent", a.Name, "tool", call.Name)
		}
		messages = append(messages, llms.Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    a.executeTool(ctx, toolset, call),
		})
	}

	return a.finalCall(ctx, messages, genOpts, opts)
}

// executeTool resolves the named tool and serializes its outcome for the
// model. Tool failures are never fatal to the agent.
func (a *Agent) executeTool(ctx context.Context, toolset []tools.Tool, call llms.ToolCall) string {
	for _, tool := range toolset {
		if tool.GetName() == call.Name {
			return tools.ResultForModel(ctx, tool, call.Arguments)
		}
	}

	slog.Warn("Model requested unknown tool", "agent", a.Name, "tool", call.Name)
	return fmt.Sprintf(`{"error": "tool %s not found"}`, call.Name)
}

// finalCall obtains the final assistant message, streaming when requested.
func (a *Agent) finalCall(ctx context.Context, messages []llms.Message, genOpts *llms.GenerateOptions, opts *ChatOptions) (string, error) {
	if opts == nil || !opts.Stream {
		text, _, _, err := a.llm.Generate(ctx, messages, nil, genOpts)
		if err != nil {
			return "", fmt.Errorf("agent %s: LLM call failed: %w", a.Name, err)
		}
		return text, nil
	}

	stream, err := a.llm.GenerateStreaming(ctx, messages, nil, genOpts)
	if err != nil {
		return "", fmt.Errorf("agent %s: LLM call failed: %w", a.Name, err)
	}

	var full strings.Builder
	for chunk := range stream {
		switch chunk.Type {
		case "text":
			full.WriteString(chunk.Text)
			if opts.OnChunk != nil {
				opts.OnChunk(chunk.Text)
			}
		case "error":
			return "", fmt.Errorf("agent %s: LLM stream failed: %w", a.Name, chunk.Error)
		}
	}
	return full.String(), nil
}

func toolDefinitions(toolset []tools.Tool) []llms.ToolDefinition {
	if len(toolset) == 0 {
		return nil
	}
	defs := make([]llms.ToolDefinition, len(toolset))
	for i, tool := range toolset {
		info := tool.GetInfo()
		defs[i] = llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Schema(),
		}
	}
	return defs
}
