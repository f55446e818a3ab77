package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const protocolVersion = "2025-03-26"

// ClientVersion is reported to servers during initialize.
var ClientVersion = "dev"

// Client is a connection to a single MCP server.
//
// Calls hold a lease on the client. Retire closes the transport once the last
// in-flight call has returned, so a reload never cuts off a running tool.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*RemoteTool
	serverInfo ServerInfo

	leaseMu  sync.Mutex
	inflight int
	retired  bool
	closed   bool
}

// NewClient creates a new MCP client.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return newClientWithTransport(cfg, NewTransport(cfg, logger), logger)
}

func newClientWithTransport(cfg *ServerConfig, transport Transport, logger *slog.Logger) *Client {
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    logger.With("mcp_server", cfg.ID),
	}
}

// Connect opens the transport, performs the initialize handshake and loads
// the tool list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "parley",
			"version": ClientVersion,
		},
	})
	if err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()
	c.logger.Info("connected to MCP server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		_ = c.transport.Close()
		return err
	}
	return nil
}

// RefreshTools reloads the tool list, following pagination cursors.
func (c *Client) RefreshTools(ctx context.Context) error {
	var (
		tools  []*RemoteTool
		cursor string
	)
	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		result, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return fmt.Errorf("tools/list: %w", err)
		}
		var page listToolsResult
		if err := json.Unmarshal(result, &page); err != nil {
			return fmt.Errorf("parse tools/list: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(tools))
	return nil
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Tools returns the cached tool list.
func (c *Client) Tools() []*RemoteTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*RemoteTool(nil), c.tools...)
}

// CallTool invokes a tool. Arguments are passed through as raw JSON.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	if !c.acquire() {
		return nil, ErrNotConnected
	}
	defer c.release()

	result, err := c.transport.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	var out CallResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &out, nil
}

func (c *Client) acquire() bool {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	if c.closed {
		return false
	}
	c.inflight++
	return true
}

func (c *Client) release() {
	c.leaseMu.Lock()
	c.inflight--
	shouldClose := c.retired && c.inflight == 0 && !c.closed
	if shouldClose {
		c.closed = true
	}
	c.leaseMu.Unlock()
	if shouldClose {
		c.closeTransport()
	}
}

// Retire stops the client once in-flight calls finish. Calls that start
// after Retire still run until the transport is closed.
func (c *Client) Retire() {
	c.leaseMu.Lock()
	c.retired = true
	shouldClose := c.inflight == 0 && !c.closed
	if shouldClose {
		c.closed = true
	}
	c.leaseMu.Unlock()
	if shouldClose {
		c.closeTransport()
	}
}

// Close closes the connection immediately.
func (c *Client) Close() error {
	c.leaseMu.Lock()
	c.closed = true
	c.leaseMu.Unlock()
	return c.transport.Close()
}

func (c *Client) closeTransport() {
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("failed to close MCP transport", "error", err)
	}
	c.logger.Info("retired MCP client")
}
