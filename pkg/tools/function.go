package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// FuncTool wraps an ordinary Go function as a Tool. The parameter schema is
// reflected from the function's argument struct: field names become
// properties, `jsonschema:"description=..."` tags become per-parameter
// descriptions, and non-pointer fields without omitempty are required.
type FuncTool[A any] struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, args A) (any, error)
}

// NewFuncTool builds a FuncTool for the given handler.
func NewFuncTool[A any](name, description string, fn func(ctx context.Context, args A) (any, error)) (*FuncTool[A], error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool handler is required")
	}

	var prototype A
	schema, err := reflectSchema(prototype)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect schema for tool %s: %w", name, err)
	}

	return &FuncTool[A]{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}, nil
}

func (t *FuncTool[A]) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.schema,
	}
}

func (t *FuncTool[A]) GetName() string        { return t.name }
func (t *FuncTool[A]) GetDescription() string { return t.description }

// Execute decodes the argument map into the declared struct and invokes the
// handler. Arguments not present in the struct are dropped by the decode.
func (t *FuncTool[A]) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	var decoded A
	raw, err := json.Marshal(args)
	if err != nil {
		return failure(t.name, start, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return failure(t.name, start, fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	output, err := t.fn(ctx, decoded)
	if err != nil {
		return failure(t.name, start, err.Error()), nil
	}

	return success(t.name, start, output), nil
}

// SchemaTool pairs a pre-built JSON schema with a callable. Used when the
// schema comes from elsewhere (a remote tool catalog, a hand-written dict).
type SchemaTool struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

func NewSchemaTool(name, description string, schema map[string]any, fn func(ctx context.Context, args map[string]any) (any, error)) (*SchemaTool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool handler is required")
	}
	return &SchemaTool{name: name, description: description, schema: schema, fn: fn}, nil
}

func (t *SchemaTool) GetInfo() ToolInfo {
	return ToolInfo{Name: t.name, Description: t.description, Parameters: t.schema}
}

func (t *SchemaTool) GetName() string        { return t.name }
func (t *SchemaTool) GetDescription() string { return t.description }

func (t *SchemaTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	// Drop arguments the schema does not declare
	args = filterDeclared(t.schema, args)

	output, err := t.fn(ctx, args)
	if err != nil {
		return failure(t.name, start, err.Error()), nil
	}
	return success(t.name, start, output), nil
}

// filterDeclared keeps only the keys present in the schema's properties.
// Schemas without properties pass everything through.
func filterDeclared(schema map[string]any, args map[string]any) map[string]any {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return args
	}
	filtered := make(map[string]any, len(args))
	for k, v := range args {
		if _, declared := props[k]; declared {
			filtered[k] = v
		}
	}
	return filtered
}

// reflectSchema produces an inline JSON-schema object for a struct type.
func reflectSchema(prototype any) (map[string]any, error) {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}

	s := reflector.Reflect(prototype)
	s.Version = "" // inline schema, no $schema marker

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema, nil
}

func success(name string, start time.Time, output any) ToolResult {
	content := ""
	switch v := output.(type) {
	case string:
		content = v
	case nil:
	default:
		if raw, err := json.Marshal(v); err == nil {
			content = string(raw)
		}
	}

	return ToolResult{
		Success:       true,
		Content:       content,
		Output:        output,
		ToolName:      name,
		ExecutionTime: time.Since(start),
	}
}

func failure(name string, start time.Time, msg string) ToolResult {
	return ToolResult{
		Success:       false,
		Error:         msg,
		ToolName:      name,
		ExecutionTime: time.Since(start),
	}
}
