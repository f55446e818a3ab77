package toolconv

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/parley/internal/agent"
	"google.golang.org/genai"
)

type stubTool struct {
	name   string
	schema string
}

func (t stubTool) Name() string            { return t.name }
func (t stubTool) Description() string     { return "does " + t.name }
func (t stubTool) Schema() json.RawMessage { return json.RawMessage(t.schema) }
func (t stubTool) RequiresApproval() bool  { return false }
func (t stubTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

const readSchema = `{"type":"object","properties":{"path":{"type":"string","description":"file"},"mode":{"type":"string","enum":["text","binary"]},"lines":{"type":"array","items":{"type":"integer"}}},"required":["path"]}`

func TestToAnthropicTools(t *testing.T) {
	tools, err := ToAnthropicTools([]agent.Tool{
		stubTool{name: "read_file", schema: readSchema},
		stubTool{name: "clock"},
	})
	if err != nil {
		t.Fatalf("ToAnthropicTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	read := tools[0].OfTool
	if read == nil || read.Name != "read_file" {
		t.Fatalf("unexpected tool %+v", tools[0])
	}
	if len(read.InputSchema.Required) != 1 || read.InputSchema.Required[0] != "path" {
		t.Errorf("required = %v", read.InputSchema.Required)
	}
	if tools[1].OfTool == nil || tools[1].OfTool.Name != "clock" {
		t.Errorf("tool without schema not converted: %+v", tools[1])
	}

	if _, err := ToAnthropicTools([]agent.Tool{stubTool{name: "bad", schema: `{"type":`}}); err == nil {
		t.Error("expected error for malformed schema")
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools([]agent.Tool{
		stubTool{name: "read_file", schema: readSchema},
		stubTool{name: "broken", schema: `not json`},
	})
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Function.Name != "read_file" || tools[0].Function.Description != "does read_file" {
		t.Errorf("unexpected function %+v", tools[0].Function)
	}
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("broken schema should degrade to empty object, got %#v", tools[1].Function.Parameters)
	}
}

func TestToGeminiTools(t *testing.T) {
	if ToGeminiTools(nil) != nil {
		t.Error("no tools should produce nil")
	}

	tools := ToGeminiTools([]agent.Tool{stubTool{name: "read_file", schema: readSchema}})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("unexpected tools %+v", tools)
	}
	schema := tools[0].FunctionDeclarations[0].Parameters
	if schema.Type != genai.TypeObject {
		t.Errorf("type = %q", schema.Type)
	}
	if got := schema.Properties["mode"].Enum; len(got) != 2 || got[1] != "binary" {
		t.Errorf("enum = %v", got)
	}
	if schema.Properties["lines"].Items.Type != genai.TypeInteger {
		t.Errorf("items type = %q", schema.Properties["lines"].Items.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "path" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestToGeminiSchemaNullableAndBounds(t *testing.T) {
	schema := ToGeminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit": map[string]any{"type": []any{"integer", "null"}, "minimum": float64(1), "maximum": float64(100)},
			"after": map[string]any{"type": "string", "format": "date-time"},
		},
		"additionalProperties": false,
	})

	limit := schema.Properties["limit"]
	if limit.Type != genai.TypeInteger || limit.Nullable == nil || !*limit.Nullable {
		t.Errorf("limit = %+v, want nullable integer", limit)
	}
	if limit.Minimum == nil || *limit.Minimum != 1 || limit.Maximum == nil || *limit.Maximum != 100 {
		t.Errorf("limit bounds = %v..%v", limit.Minimum, limit.Maximum)
	}
	if schema.Properties["after"].Format != "date-time" {
		t.Errorf("format = %q", schema.Properties["after"].Format)
	}
	if got := schema.PropertyOrdering; len(got) != 2 || got[0] != "after" || got[1] != "limit" {
		t.Errorf("property ordering = %v", got)
	}
}

func TestToGeminiToolsDegradesBrokenSchema(t *testing.T) {
	tools := ToGeminiTools([]agent.Tool{stubTool{name: "broken", schema: `not json`}})
	params := tools[0].FunctionDeclarations[0].Parameters
	if params.Type != genai.TypeObject || len(params.Properties) != 0 {
		t.Fatalf("params = %+v, want empty object", params)
	}
}
