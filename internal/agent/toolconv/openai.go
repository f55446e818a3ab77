package toolconv

import (
	"encoding/json"

	"github.com/haasonsaas/parley/internal/agent"
	openai "github.com/sashabaranov/go-openai"
)

// ToOpenAITools converts tools to chat completion function declarations.
// The same shape is accepted by every OpenAI-compatible endpoint.
func ToOpenAITools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  decodeSchema(tool.Schema()),
			},
		})
	}
	return result
}

// decodeSchema parses a tool schema into a generic map. Schemas that do not
// parse as a JSON object degrade to an empty object schema.
func decodeSchema(raw json.RawMessage) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal(schemaOrEmpty(raw), &schema); err != nil || schema == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return schema
}
