package schema

import (
	"errors"
	"path/filepath"
	"os"
	"testing"
)

const micrometaDoc = `{
	"properties": {
		"ChannelIndex": {"type": "integer"},
		"Slice": {"type": "integer"},
		"exposure_ms": {"type": "number"}
	},
	"required": ["ChannelIndex", "Slice", "exposure_ms"]
}`

func TestValidateRequiredFields(t *testing.T) {
	s, err := Parse([]byte(micrometaDoc))
	if err != nil {
		t.Fatal(err)
	}
	meta := map[string]any{
		"ChannelIndex": float64(1),
		"Slice":        float64(4),
		"exposure_ms":  50.5,
	}
	if err := s.Validate(meta); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}

	delete(meta, "exposure_ms")
	err = s.Validate(meta)
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldError, got %v", err)
	}
	if fe.Field != "exposure_ms" {
		t.Errorf("offending field = %q", fe.Field)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	s, err := Parse([]byte(micrometaDoc))
	if err != nil {
		t.Fatal(err)
	}
	meta := map[string]any{
		"ChannelIndex": "one",
		"Slice":        float64(4),
		"exposure_ms":  50.5,
	}
	if err := s.Validate(meta); err == nil {
		t.Fatal("string channel index accepted as integer")
	}
	// Whole-valued floats count as integers: JSON decoding yields float64.
	meta["ChannelIndex"] = float64(2)
	if err := s.Validate(meta); err != nil {
		t.Fatalf("whole float rejected as integer: %v", err)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta_schema.json")
	if err := os.WriteFile(path, []byte(micrometaDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Required) != 3 {
		t.Errorf("required = %v", s.Required)
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Fatal("malformed schema accepted")
	}
}
