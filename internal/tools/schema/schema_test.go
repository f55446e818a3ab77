package schema

import (
	"encoding/json"
	"testing"
)

type sampleInput struct {
	Path  string `json:"path" jsonschema:"description=File path"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=0"`
}

func TestFor(t *testing.T) {
	var got struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
		Schema     string                     `json:"$schema"`
		AddlProps  *bool                      `json:"additionalProperties"`
	}
	if err := json.Unmarshal(For[sampleInput](), &got); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if got.Type != "object" {
		t.Errorf("type = %q", got.Type)
	}
	if len(got.Properties) != 2 {
		t.Errorf("properties = %v", got.Properties)
	}
	if len(got.Required) != 1 || got.Required[0] != "path" {
		t.Errorf("required = %v", got.Required)
	}
	if got.Schema != "" {
		t.Errorf("$schema should be stripped, got %q", got.Schema)
	}
	if got.AddlProps == nil || *got.AddlProps {
		t.Error("additional properties should be rejected")
	}
}
