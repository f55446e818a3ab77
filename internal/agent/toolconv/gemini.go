package toolconv

import (
	"sort"
	"strings"

	"github.com/haasonsaas/parley/internal/agent"
	"google.golang.org/genai"
)

// ToGeminiTools groups every tool into a single Gemini tool of function
// declarations.
func ToGeminiTools(tools []agent.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  ToGeminiSchema(decodeSchema(tool.Schema())),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// ToGeminiSchema converts the JSON Schema subset the tools use. A type list
// such as ["string","null"] becomes a nullable string. Keywords Gemini does
// not accept, like additionalProperties, are dropped.
func ToGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	switch t := schemaMap["type"].(type) {
	case string:
		schema.Type = genai.Type(strings.ToUpper(t))
	case []any:
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				schema.Nullable = ptr(true)
				continue
			}
			if name != "" && schema.Type == "" {
				schema.Type = genai.Type(strings.ToUpper(name))
			}
		}
	}

	schema.Title, _ = schemaMap["title"].(string)
	schema.Description, _ = schemaMap["description"].(string)
	schema.Format, _ = schemaMap["format"].(string)
	schema.Enum = stringList(schemaMap["enum"])
	schema.Required = stringList(schemaMap["required"])
	if v, ok := schemaMap["minimum"].(float64); ok {
		schema.Minimum = ptr(v)
	}
	if v, ok := schemaMap["maximum"].(float64); ok {
		schema.Maximum = ptr(v)
	}

	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = ToGeminiSchema(propMap)
				schema.PropertyOrdering = append(schema.PropertyOrdering, name)
			}
		}
		sort.Strings(schema.PropertyOrdering)
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = ToGeminiSchema(items)
	}
	return schema
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
