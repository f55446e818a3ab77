package agent

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry manages built-in tools with thread-safe registration and lookup.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a new empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry by its name.
// If a tool with the same name already exists, it is replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tools returns the registered tools sorted by name.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sortTools(tools)
	return tools
}

// ToolProvider supplies tools discovered at runtime, such as those exposed by
// MCP servers. Tools is called once per turn.
type ToolProvider interface {
	Name() string
	Tools(ctx context.Context) ([]Tool, error)
}

// ToolSet is the immutable set of tools visible to one turn.
type ToolSet map[string]Tool

// Get returns the tool with the given name.
func (s ToolSet) Get(name string) (Tool, bool) {
	t, ok := s[name]
	return t, ok
}

// List returns the tools sorted by name, which keeps provider requests stable.
func (s ToolSet) List() []Tool {
	tools := make([]Tool, 0, len(s))
	for _, t := range s {
		tools = append(tools, t)
	}
	sortTools(tools)
	return tools
}

// BuildToolSet merges the built-in registry with every provider's tools.
//
// A built-in tool wins a name collision; the external tool is logged and
// skipped. A provider that fails to list its tools is logged and skipped so
// the turn can continue with what is available.
func BuildToolSet(ctx context.Context, registry *ToolRegistry, logger *slog.Logger, providers ...ToolProvider) ToolSet {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(ToolSet)
	if registry != nil {
		for _, t := range registry.Tools() {
			set[t.Name()] = t
		}
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		tools, err := p.Tools(ctx)
		if err != nil {
			logger.Warn("tool provider unavailable",
				"provider", p.Name(),
				"error", err)
			continue
		}
		for _, t := range tools {
			name := t.Name()
			if name == "" || len(name) > MaxToolNameLength {
				logger.Warn("skipping tool with invalid name",
					"provider", p.Name(),
					"tool", name)
				continue
			}
			if _, exists := set[name]; exists {
				logger.Warn("tool name collision, keeping existing tool",
					"provider", p.Name(),
					"tool", name)
				continue
			}
			set[name] = t
		}
	}
	return set
}

func sortTools(tools []Tool) {
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name() < tools[j].Name()
	})
}

// matchesToolPatterns reports whether toolName matches any of the patterns.
func matchesToolPatterns(patterns []string, toolName string) bool {
	name := normalizeToolName(toolName)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern), name) {
			return true
		}
	}
	return false
}

// matchToolPattern supports exact names, "*" and shell-style globs such as
// "mcp_github_*" or "*_file".
func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == toolName
	}
	ok, err := path.Match(pattern, toolName)
	return err == nil && ok
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
