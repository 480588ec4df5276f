package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/llms"
)

const regenerateInstruction = "Now regenerate your response using the reflection you made"

// reflectionVerdict is the structured record the reflection pass parses.
type reflectionVerdict struct {
	Reflection   string `json:"reflection"`
	Satisfactory string `json:"satisfactory"` // "yes" or "no"
}

var reflectionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reflection": map[string]any{
			"type":        "string",
			"description": "Critique of the previous response",
		},
		"satisfactory": map[string]any{
			"type": "string",
			"enum": []string{"yes", "no"},
		},
	},
	"required":             []string{"reflection", "satisfactory"},
	"additionalProperties": false,
}

// reflect runs the self-reflection loop: ask the reflection model whether
// the response is satisfactory, and regenerate until it is (bounded by
// MaxReflect, floored by MinReflect). The loop never fails the chat: on
// exhaustion the last response is returned unmodified.
func (a *Agent) reflect(ctx context.Context, baseMessages []llms.Message, response string, opts *ChatOptions) string {
	provider := a.reflectLLM
	if provider == nil {
		provider = a.llm
	}
	structured, ok := provider.(llms.StructuredProvider)
	if !ok {
		slog.Warn("Reflection skipped: provider does not support structured output", "agent", a.Name)
		return response
	}

	genOpts := opts.generateOptions()
	messages := append([]llms.Message{}, baseMessages...)
	messages = append(messages, llms.Message{Role: "assistant", Content: response})

	for attempt := 1; attempt <= a.MaxReflect; attempt++ {
		verdict, err := a.askReflection(ctx, structured, messages, genOpts)
		if err != nil {
			// A failed reflection costs the attempt, nothing else
			slog.Warn("Reflection attempt failed", "agent", a.Name, "attempt", attempt, "error", err)
			continue
		}

		if a.Verbose {
			slog.Info("Reflection verdict", "agent", a.Name, "attempt", attempt,
				"satisfactory", verdict.Satisfactory, "reflection", verdict.Reflection)
		}

		if strings.EqualFold(verdict.Satisfactory, "yes") && attempt >= a.MinReflect {
			return response
		}
		if attempt == a.MaxReflect {
			break
		}

		// Regenerate with the critique in context
		messages = append(messages, llms.Message{Role: "user", Content: regenerateInstruction})
		regenerated, _, _, err := a.llm.Generate(ctx, messages, nil, genOpts)
		if err != nil {
			slog.Warn("Regeneration failed, keeping previous response", "agent", a.Name, "error", err)
			return response
		}
		response = regenerated
		messages = append(messages, llms.Message{Role: "assistant", Content: response})
	}

	return response
}

func (a *Agent) askReflection(ctx context.Context, provider llms.StructuredProvider, messages []llms.Message, genOpts *llms.GenerateOptions) (reflectionVerdict, error) {
	prompt := "Reflect on your previous response. Identify any flaws or possible improvements, " +
		"and state whether the response is satisfactory."

	reflMessages := append([]llms.Message{}, messages...)
	reflMessages = append(reflMessages, llms.Message{Role: "user", Content: prompt})

	text, err := provider.GenerateStructured(ctx, reflMessages, reflectionSchema, genOpts)
	if err != nil {
		return reflectionVerdict{}, err
	}

	var verdict reflectionVerdict
	if err := json.Unmarshal([]byte(text), &verdict); err != nil {
		return reflectionVerdict{}, fmt.Errorf("failed to parse reflection verdict: %w", err)
	}
	return verdict, nil
}
