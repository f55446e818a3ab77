package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/tools/schema"
)

type textEdit struct {
	OldText    string `json:"old_text" jsonschema:"description=Exact text to replace"`
	NewText    string `json:"new_text" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence"`
}

type editInput struct {
	Path  string     `json:"path" jsonschema:"description=Path to edit relative to the workspace"`
	Edits []textEdit `json:"edits" jsonschema:"minItems=1"`
}

// EditTool applies find/replace edits to a file. Edits require approval.
type EditTool struct {
	resolver Resolver
}

// NewEditTool creates an edit tool scoped to the workspace.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *EditTool) Name() string { return "edit_file" }

func (t *EditTool) Description() string {
	return "Apply one or more find/replace edits to a file in the workspace. Each old_text must match exactly."
}

func (t *EditTool) Schema() json.RawMessage { return schema.For[editInput]() }

func (t *EditTool) RequiresApproval() bool { return true }

// Execute applies all edits or none.
func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input editInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(input.Edits) == 0 {
		return toolError("edits are required"), nil
	}
	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	replacements := 0
	for i, edit := range input.Edits {
		if edit.OldText == "" {
			return toolError(fmt.Sprintf("edit %d: old_text is required", i)), nil
		}
		count := strings.Count(content, edit.OldText)
		switch {
		case count == 0:
			return toolError(fmt.Sprintf("edit %d: old_text not found", i)), nil
		case edit.ReplaceAll:
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
			replacements += count
		case count > 1:
			return toolError(fmt.Sprintf("edit %d: old_text matches %d times; add context or set replace_all", i, count)), nil
		default:
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := writeAtomic(resolved, []byte(content)); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"path":         t.resolver.Rel(resolved),
		"replacements": replacements,
	}), nil
}
