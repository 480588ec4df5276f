package tools

import (
	"context"
	"time"
)

// ToolInfo describes a tool to the model.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON Schema object
}

// Schema returns the parameter JSON schema, defaulting to an empty object
// schema when the tool declares no parameters.
func (i ToolInfo) Schema() map[string]any {
	if i.Parameters != nil {
		return i.Parameters
	}
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// ToolResult is the outcome of a tool execution. Error is a value, not a
// failure of the runtime: a failed tool is reported back to the model and
// the model decides how to recover.
type ToolResult struct {
	Success       bool           `json:"success"`
	Content       string         `json:"content,omitempty"`
	Output        any            `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ToolName      string         `json:"tool_name"`
	ExecutionTime time.Duration  `json:"execution_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Tool is a named callable: it takes a JSON object and returns a JSON
// value or an error.
type Tool interface {
	GetInfo() ToolInfo

	Execute(ctx context.Context, args map[string]any) (ToolResult, error)

	GetName() string

	GetDescription() string
}
