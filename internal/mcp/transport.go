package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
)

// ErrNotConnected is returned by calls on a closed or unopened transport.
var ErrNotConnected = errors.New("mcp transport not connected")

// Transport carries JSON-RPC messages to one MCP server.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection. It is safe to call twice.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport creates a transport for the server configuration.
func NewTransport(cfg *ServerConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg, logger)
	default:
		return NewStdioTransport(cfg, logger)
	}
}

// responseID decodes a response id. Servers echo the numeric id we sent, but
// some quote it.
func responseID(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}
