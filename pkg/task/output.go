package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// OutputFormat of a task result.
type OutputFormat string

const (
	FormatRaw   OutputFormat = "RAW"
	FormatJSON  OutputFormat = "JSON"
	FormatTyped OutputFormat = "Typed"
)

// ErrSchema marks a structured-output parse or validation failure. The
// task keeps its raw text when this happens.
var ErrSchema = errors.New("output does not match declared schema")

const summaryLength = 10

// Output is the result of a successfully executed task.
type Output struct {
	Description string         `json:"description"`
	Summary     string         `json:"summary"` // first 10 chars of raw, a debug aid
	Raw         string         `json:"raw"`
	JSON        map[string]any `json:"json,omitempty"`
	Typed       any            `json:"typed,omitempty"`
	Agent       string         `json:"agent"`
	Format      OutputFormat   `json:"output_format"`
}

// NewOutput builds a raw output for a task.
func NewOutput(description, raw, agent string) *Output {
	summary := raw
	if len(summary) > summaryLength {
		summary = summary[:summaryLength]
	}
	return &Output{
		Description: description,
		Summary:     summary,
		Raw:         raw,
		Agent:       agent,
		Format:      FormatRaw,
	}
}

// String renders the output per its format: raw text, compact JSON, or
// pretty-printed typed record.
func (o *Output) String() string {
	switch o.Format {
	case FormatJSON:
		if raw, err := json.Marshal(o.JSON); err == nil {
			return string(raw)
		}
	case FormatTyped:
		if raw, err := json.MarshalIndent(o.Typed, "", "  "); err == nil {
			return string(raw)
		}
	}
	return o.Raw
}

// Decision extracts the label a workflow decision step compares against
// condition keys: the typed record's Decision field when present, else the
// parsed JSON's "decision" key, else the raw text.
func (o *Output) Decision() string {
	if o.Typed != nil {
		if d, ok := decisionFromTyped(o.Typed); ok {
			return d
		}
	}
	if o.JSON != nil {
		if d, ok := o.JSON["decision"].(string); ok {
			return d
		}
	}
	return o.Raw
}

func decisionFromTyped(typed any) (string, bool) {
	// Typed records decoded into maps keep the raw key
	if m, ok := typed.(map[string]any); ok {
		d, ok := m["decision"].(string)
		return d, ok
	}

	// Otherwise round-trip through JSON to find a decision field
	raw, err := json.Marshal(typed)
	if err != nil {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	d, ok := m["decision"].(string)
	return d, ok
}

// CleanTripleBackticks strips a leading ```json / ``` fence and a trailing
// ``` fence with surrounding whitespace. Idempotent.
func CleanTripleBackticks(s string) string {
	out := strings.TrimSpace(s)

	if strings.HasPrefix(out, "```json") {
		out = strings.TrimPrefix(out, "```json")
	} else if strings.HasPrefix(out, "```") {
		out = strings.TrimPrefix(out, "```")
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")

	return strings.TrimSpace(out)
}

// PostProcess applies the task's declared output schema to a raw result.
// Parse failures are logged and leave the output in raw form; the error is
// ErrSchema-wrapped for callers that care.
func (t *Task) PostProcess(output *Output) error {
	switch {
	case t.OutputJSON != nil:
		cleaned := CleanTripleBackticks(output.Raw)
		var parsed map[string]any
		if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
			slog.Warn("Failed to parse task output as JSON, keeping raw",
				"task", t.DisplayName(), "error", err)
			return fmt.Errorf("%w: %v", ErrSchema, err)
		}
		output.JSON = parsed
		output.Format = FormatJSON

	case t.OutputType != nil:
		cleaned := CleanTripleBackticks(output.Raw)
		var parsed map[string]any
		if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
			slog.Warn("Failed to parse task output as JSON, keeping raw",
				"task", t.DisplayName(), "error", err)
			return fmt.Errorf("%w: %v", ErrSchema, err)
		}

		prototype := t.OutputType()
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           prototype,
			TagName:          "json",
			WeaklyTypedInput: true,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSchema, err)
		}
		if err := decoder.Decode(parsed); err != nil {
			slog.Warn("Task output does not match declared type, keeping raw",
				"task", t.DisplayName(), "error", err)
			return fmt.Errorf("%w: %v", ErrSchema, err)
		}
		output.JSON = parsed
		output.Typed = prototype
		output.Format = FormatTyped
	}

	return nil
}

// Persist writes the output to the task's output file when one is
// declared, creating intermediate directories when requested.
func (t *Task) Persist(output *Output) error {
	if t.OutputFile == "" {
		return nil
	}

	if t.CreateDirectory {
		if dir := filepath.Dir(t.OutputFile); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory %s: %w", dir, err)
			}
		}
	}

	if err := os.WriteFile(t.OutputFile, []byte(output.String()), 0644); err != nil {
		return fmt.Errorf("failed to write output file %s: %w", t.OutputFile, err)
	}
	return nil
}
