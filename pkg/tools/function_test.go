package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	A int `json:"a" jsonschema:"description=First addend"`
	B int `json:"b" jsonschema:"description=Second addend"`
}

type searchArgs struct {
	Query string `json:"query"`
	Limit *int   `json:"limit,omitempty"`
}

func addTool(t *testing.T) Tool {
	t.Helper()
	tool, err := NewFuncTool("add", "Adds two ints", func(ctx context.Context, args addArgs) (any, error) {
		return args.A + args.B, nil
	})
	require.NoError(t, err)
	return tool
}

func TestFuncToolSchemaRequired(t *testing.T) {
	tool := addTool(t)
	schema := tool.GetInfo().Schema()

	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	got := map[string]bool{}
	for _, r := range required {
		got[r.(string)] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
}

func TestFuncToolSchemaOptionalParams(t *testing.T) {
	tool, err := NewFuncTool("search", "Searches", func(ctx context.Context, args searchArgs) (any, error) {
		return args.Query, nil
	})
	require.NoError(t, err)

	schema := tool.GetInfo().Schema()
	required, _ := schema["required"].([]any)
	assert.Equal(t, []any{"query"}, required, "pointer/omitempty fields are optional")
}

func TestFuncToolSchemaDescriptions(t *testing.T) {
	schema := addTool(t).GetInfo().Schema()
	props := schema["properties"].(map[string]any)
	a := props["a"].(map[string]any)
	assert.Equal(t, "First addend", a["description"])
}

func TestFuncToolExecute(t *testing.T) {
	result, err := addTool(t).Execute(context.Background(), map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 5, result.Output)
	assert.Equal(t, "add", result.ToolName)
}

func TestFuncToolDropsUndeclaredArgs(t *testing.T) {
	result, err := addTool(t).Execute(context.Background(), map[string]any{
		"a": 2, "b": 3, "unexpected": "ignored",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 5, result.Output)
}

func TestFuncToolHandlerError(t *testing.T) {
	tool, err := NewFuncTool("boom", "Always fails", func(ctx context.Context, args addArgs) (any, error) {
		return nil, errors.New("kaboom")
	})
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), map[string]any{"a": 1, "b": 2})
	require.NoError(t, err, "tool failures are values, not errors")
	assert.False(t, result.Success)
	assert.Equal(t, "kaboom", result.Error)
}

func TestSchemaToolFiltersArgs(t *testing.T) {
	var seen map[string]any
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
		"required": []any{"city"},
	}
	tool, err := NewSchemaTool("weather", "Looks up weather", schema, func(ctx context.Context, args map[string]any) (any, error) {
		seen = args
		return "sunny", nil
	})
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), map[string]any{"city": "Oslo", "junk": 1})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"city": "Oslo"}, seen)
}

func TestResultForModel(t *testing.T) {
	assert.Equal(t, "5", ResultForModel(context.Background(), addTool(t), map[string]any{"a": 2, "b": 3}))

	empty, err := NewFuncTool("noop", "Returns nothing", func(ctx context.Context, args struct{}) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, EmptyOutputSentinel, ResultForModel(context.Background(), empty, nil))

	failing, err := NewFuncTool("boom", "Fails", func(ctx context.Context, args struct{}) (any, error) {
		return nil, errors.New("no such city")
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"no such city"}`, ResultForModel(context.Background(), failing, nil))
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(addTool(t)))
	assert.Error(t, r.RegisterTool(addTool(t)))

	got, err := r.GetTool("add")
	require.NoError(t, err)
	assert.Equal(t, "add", got.GetName())

	_, err = r.GetTool("missing")
	assert.Error(t, err)
}
