package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxColumns bounds the width of a table accepted for extraction.
const MaxColumns = 256

var tableSchema = map[string]any{
	"$schema":  "https://json-schema.org/draft/2020-12/schema",
	"type":     "object",
	"required": []string{"headers", "rows", "row_count", "column_count", "metadata"},
	"properties": map[string]any{
		"headers": map[string]any{
			"type":     "array",
			"minItems": 1,
			"maxItems": MaxColumns,
			"items":    map[string]any{"type": "string", "minLength": 1},
		},
		"rows": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "array",
				"maxItems": MaxColumns,
				"items":    map[string]any{"type": "string"},
			},
		},
		"row_count":    map[string]any{"type": "integer", "minimum": 0},
		"column_count": map[string]any{"type": "integer", "minimum": 1, "maximum": MaxColumns},
		"metadata": map[string]any{
			"type":     "object",
			"required": []string{"element_index", "table_index", "source"},
			"properties": map[string]any{
				"page":          map[string]any{"type": "integer", "minimum": 1},
				"element_index": map[string]any{"type": "integer", "minimum": 0},
				"table_index":   map[string]any{"type": "integer", "minimum": 0},
				"source":        map[string]any{"type": "string", "minLength": 1},
			},
		},
	},
}

// compileSchema compiles schemaMap under name.
func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validatePayload checks the JSON encoding of payload against schema and returns the encoding.
func validatePayload(schema *jsonschema.Schema, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("payload does not match schema: %w", err)
	}
	return data, nil
}
