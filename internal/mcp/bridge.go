package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/haasonsaas/parley/internal/agent"
)

const maxToolNameLen = 64

// ToolBridge exposes a remote MCP tool as an agent.Tool.
type ToolBridge struct {
	client   *Client
	serverID string
	tool     *RemoteTool
	name     string
}

// NewToolBridge creates a bridge tool with a precomputed safe name.
func NewToolBridge(client *Client, serverID string, tool *RemoteTool, safeName string) *ToolBridge {
	return &ToolBridge{client: client, serverID: serverID, tool: tool, name: safeName}
}

// Name returns the name the model calls the tool by.
func (b *ToolBridge) Name() string {
	return b.name
}

func (b *ToolBridge) Description() string {
	desc := strings.TrimSpace(b.tool.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", b.serverID, b.tool.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", b.serverID, b.tool.Name, desc)
}

func (b *ToolBridge) Schema() json.RawMessage {
	if len(b.tool.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b.tool.InputSchema
}

// RequiresApproval follows the server's require_approval setting.
func (b *ToolBridge) RequiresApproval() bool {
	return b.client.Config().RequireApproval
}

// Execute calls the remote tool. An MCP-level error result is returned as
// an error ToolResult; transport failures are returned as errors.
func (b *ToolBridge) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if len(params) > 0 && !json.Valid(params) {
		return nil, fmt.Errorf("invalid arguments for %s", b.name)
	}
	result, err := b.client.CallTool(ctx, b.tool.Name, params)
	if err != nil {
		return nil, fmt.Errorf("mcp %s.%s: %w", b.serverID, b.tool.Name, err)
	}
	content, isError := formatCallResult(result)
	return &agent.ToolResult{Content: content, IsError: isError}, nil
}

// safeToolName builds mcp_<server>_<tool>, sanitized to the characters every
// provider accepts and capped at maxToolNameLen. Collisions get a hash suffix.
func safeToolName(serverID, toolName string, used map[string]struct{}) string {
	base := "mcp_" + sanitizeToolPart(serverID) + "_" + sanitizeToolPart(toolName)
	name := base
	if len(name) > maxToolNameLen {
		name = truncateWithHash(base, serverID, toolName)
	}
	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, serverID, toolName)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeToolPart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToLower(r))
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func toolNameHash(serverID, toolName string) string {
	sum := sha1.Sum([]byte(serverID + ":" + toolName))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, serverID, toolName string) string {
	suffix := "_" + toolNameHash(serverID, toolName)
	trim := maxToolNameLen - len(suffix)
	if trim > len(base) {
		trim = len(base)
	}
	return base[:trim] + suffix
}

func dedupeWithHash(base, serverID, toolName string) string {
	name := base + "_" + toolNameHash(serverID, toolName)
	if len(name) <= maxToolNameLen {
		return name
	}
	return truncateWithHash(base, serverID, toolName)
}

// formatCallResult joins text content. Results that carry anything other
// than text are returned as their JSON encoding.
func formatCallResult(result *CallResult) (string, bool) {
	if result == nil || len(result.Content) == 0 {
		return "", result != nil && result.IsError
	}

	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			payload, err := json.Marshal(result.Content)
			if err != nil {
				return "", result.IsError
			}
			return string(payload), result.IsError
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}
	return combined.String(), result.IsError
}
