package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ensembleworks/ensemble/pkg/registry"
)

// EmptyOutputSentinel is what the model sees when a tool succeeds but
// produces no output.
const EmptyOutputSentinel = "Function returned an empty output"

// Registry manages tools keyed by name.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
	}
}

func (r *Registry) RegisterTool(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	return r.Register(tool.GetName(), tool)
}

func (r *Registry) GetTool(name string) (Tool, error) {
	tool, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("tool '%s' not found", name)
	}
	return tool, nil
}

// ResultForModel runs a tool and serializes the outcome the way the model
// expects: a JSON-encoded value on success, the sentinel string for empty
// output, and {"error": "<msg>"} on failure. Tool failures never propagate
// as Go errors from here.
func ResultForModel(ctx context.Context, tool Tool, args map[string]any) string {
	result, err := tool.Execute(ctx, args)
	if err != nil {
		return encodeError(err.Error())
	}
	if result.Error != "" {
		return encodeError(result.Error)
	}

	if result.Output == nil && result.Content == "" {
		return EmptyOutputSentinel
	}

	if result.Output != nil {
		if raw, err := json.Marshal(result.Output); err == nil {
			return string(raw)
		}
	}
	if result.Content == "" {
		return EmptyOutputSentinel
	}
	return result.Content
}

func encodeError(msg string) string {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return string(raw)
}
