package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/chunkflow/chunkflow/pkg/validator"
)

// LoadSchema reads a step output schema from a JSON file.
func LoadSchema(path string) (*validator.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var schema validator.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return &schema, nil
}

// ProviderSchema converts a step schema into the loose JSON-schema object
// handed to providers that support structured output. The engine's own
// validation remains authoritative regardless of what the provider does
// with it.
func ProviderSchema(schema *validator.Schema) map[string]any {
	if schema == nil {
		return nil
	}
	properties := make(map[string]any, len(schema.Fields))
	for field, spec := range schema.Fields {
		prop := map[string]any{}
		if spec.Type != "" {
			prop["type"] = spec.Type
		}
		if spec.Min != nil {
			prop["minimum"] = *spec.Min
		}
		if spec.Max != nil {
			prop["maximum"] = *spec.Max
		}
		properties[field] = prop
	}
	out := map[string]any{"type": "object", "properties": properties}
	if len(schema.Required) > 0 {
		required := make([]any, len(schema.Required))
		for i, field := range schema.Required {
			required[i] = field
		}
		out["required"] = required
	}
	return out
}
