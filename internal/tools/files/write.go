package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/tools/schema"
)

type writeInput struct {
	Path    string `json:"path" jsonschema:"description=Path to write relative to the workspace"`
	Content string `json:"content" jsonschema:"description=File contents"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwriting"`
}

// WriteTool writes files in the workspace. Writes always require approval.
type WriteTool struct {
	resolver Resolver
}

// NewWriteTool creates a write tool scoped to the workspace.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace (overwrites by default)."
}

func (t *WriteTool) Schema() json.RawMessage { return schema.For[writeInput]() }

func (t *WriteTool) RequiresApproval() bool { return true }

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input writeInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}

	if input.Append {
		file, err := os.OpenFile(resolved, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return toolError(fmt.Sprintf("open file: %v", err)), nil
		}
		_, werr := file.WriteString(input.Content)
		cerr := file.Close()
		if werr != nil || cerr != nil {
			return toolError(fmt.Sprintf("write file: %v", firstErr(werr, cerr))), nil
		}
	} else if err := writeAtomic(resolved, []byte(input.Content)); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"path":          t.resolver.Rel(resolved),
		"bytes_written": len(input.Content),
		"append":        input.Append,
	}), nil
}

// writeAtomic replaces path through a temp file in the same directory and
// keeps the existing file mode.
func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
