package llms

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects an inline JSON schema from a Go value's type. Field
// names map to properties; non-pointer fields without omitempty are
// required.
func SchemaFor(v any) map[string]any {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}

	s := reflector.Reflect(v)
	s.Version = ""

	raw, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]any{"type": "object"}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema
}
