// Package files provides workspace-confined filesystem tools.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/tools/schema"
)

const defaultMaxReadBytes = 200000

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	MaxReadBytes int
}

// Tools returns every filesystem tool scoped to cfg.Workspace.
func Tools(cfg Config) []agent.Tool {
	return []agent.Tool{
		NewReadTool(cfg),
		NewWriteTool(cfg),
		NewEditTool(cfg),
		NewListTool(cfg),
	}
}

type readInput struct {
	Path     string `json:"path" jsonschema:"description=Path to the file relative to the workspace"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to start reading from"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"minimum=0,description=Maximum bytes to read"`
}

// ReadTool reads files in the workspace.
type ReadTool struct {
	resolver   Resolver
	maxReadLen int
}

// NewReadTool creates a read tool scoped to the workspace.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &ReadTool{resolver: Resolver{Root: cfg.Workspace}, maxReadLen: limit}
}

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *ReadTool) Schema() json.RawMessage { return schema.For[readInput]() }

func (t *ReadTool) RequiresApproval() bool { return false }

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input readInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.Offset < 0 {
		return toolError("offset must be >= 0"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return toolError("path is a directory; use list_dir"), nil
	}
	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return toolError(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxReadLen
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	buf = trimPartialRune(buf)
	if !utf8.Valid(buf) {
		return toolError("file is not valid UTF-8 text"), nil
	}

	return jsonResult(map[string]any{
		"path":      t.resolver.Rel(resolved),
		"content":   string(buf),
		"offset":    input.Offset,
		"bytes":     len(buf),
		"size":      info.Size(),
		"truncated": input.Offset+int64(len(buf)) < info.Size(),
	}), nil
}

// trimPartialRune drops a trailing rune cut by the byte limit.
func trimPartialRune(buf []byte) []byte {
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				return buf[:i]
			}
			break
		}
	}
	return buf
}

func jsonResult(v any) *agent.ToolResult {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return &agent.ToolResult{Content: string(payload)}
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
