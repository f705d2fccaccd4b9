// Package schema validates per-frame metadata against a user-supplied
// schema document. The document is a JSON object in the classic shape
// {"properties": {...}, "required": [...]}; only required-field presence
// and primitive type checks are enforced.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// Property constrains a single metadata field.
type Property struct {
	Type string `json:"type,omitempty"` // string|number|integer|boolean|object|array
}

// Schema is a parsed metadata schema document.
type Schema struct {
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Parse decodes a schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}

// ParseFile reads and decodes a schema document from disk.
func ParseFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Parse(data)
}

// FieldError reports the first offending field of a validation failure.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q %s", e.Field, e.Reason)
}

// Validate checks meta against the schema. Required fields must be present
// and non-nil; typed properties must hold a value of the declared type.
func (s *Schema) Validate(meta map[string]any) error {
	for _, field := range s.Required {
		v, ok := meta[field]
		if !ok || v == nil {
			return &FieldError{Field: field, Reason: "is required"}
		}
	}
	for field, prop := range s.Properties {
		v, ok := meta[field]
		if !ok || v == nil || prop.Type == "" {
			continue
		}
		if !typeMatches(prop.Type, v) {
			return &FieldError{Field: field, Reason: fmt.Sprintf("must be of type %s, got %T", prop.Type, v)}
		}
	}
	return nil
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		// Unknown type names are ignored rather than rejected.
		return true
	}
}
