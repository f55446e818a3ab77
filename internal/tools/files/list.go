package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/tools/schema"
)

const (
	defaultMaxEntries = 500
	maxListDepth      = 8
)

// skipDirs are not descended into during recursive listings.
var skipDirs = map[string]bool{".git": true, "node_modules": true, ".venv": true}

type listInput struct {
	Path       string `json:"path,omitempty" jsonschema:"description=Directory relative to the workspace (default: workspace root)"`
	Recursive  bool   `json:"recursive,omitempty" jsonschema:"description=Include subdirectories"`
	MaxEntries int    `json:"max_entries,omitempty" jsonschema:"minimum=0"`
}

type listEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// ListTool lists directory contents.
type ListTool struct {
	resolver Resolver
}

// NewListTool creates a list tool scoped to the workspace.
func NewListTool(cfg Config) *ListTool {
	return &ListTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ListTool) Name() string { return "list_dir" }

func (t *ListTool) Description() string {
	return "List files and directories in the workspace."
}

func (t *ListTool) Schema() json.RawMessage { return schema.For[listInput]() }

func (t *ListTool) RequiresApproval() bool { return false }

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input listInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}
	if strings.TrimSpace(input.Path) == "" {
		input.Path = "."
	}
	limit := input.MaxEntries
	if limit <= 0 || limit > defaultMaxEntries {
		limit = defaultMaxEntries
	}

	dir, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return toolError(fmt.Sprintf("stat: %v", err)), nil
	}
	if !info.IsDir() {
		return toolError("path is not a directory"), nil
	}

	var entries []listEntry
	truncated := false
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == dir {
			return nil
		}
		if len(entries) >= limit {
			truncated = true
			return fs.SkipAll
		}
		rel, _ := filepath.Rel(dir, path)
		depth := strings.Count(filepath.ToSlash(rel), "/")
		if d.IsDir() && (!input.Recursive || skipDirs[d.Name()] || depth >= maxListDepth) {
			entries = append(entries, listEntry{Path: filepath.ToSlash(rel) + "/", Type: "dir"})
			return fs.SkipDir
		}

		entry := listEntry{Path: filepath.ToSlash(rel), Type: entryType(d)}
		if d.IsDir() {
			entry.Path += "/"
		} else if fi, err := d.Info(); err == nil {
			entry.Size = fi.Size()
		}
		entries = append(entries, entry)
		return nil
	})
	if walkErr != nil {
		return toolError(fmt.Sprintf("list directory: %v", walkErr)), nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return jsonResult(map[string]any{
		"path":      t.resolver.Rel(dir),
		"entries":   entries,
		"truncated": truncated,
	}), nil
}

func entryType(d fs.DirEntry) string {
	switch {
	case d.IsDir():
		return "dir"
	case d.Type()&fs.ModeSymlink != 0:
		return "symlink"
	default:
		return "file"
	}
}
