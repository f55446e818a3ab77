package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/parley/internal/agent"
)

// Config holds the MCP manager configuration.
type Config struct {
	Servers []*ServerConfig `yaml:"servers" json:"servers"`
}

// Manager owns the pool of MCP server connections and serves their tools to
// the agent. It implements agent.ToolProvider.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	config  *Config
	clients map[string]*Client
}

// NewManager creates a new MCP manager.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// Name implements agent.ToolProvider.
func (m *Manager) Name() string { return "mcp" }

// ConnectAll connects every enabled server that is not yet connected. A
// server that fails to connect is logged and skipped; the joined errors are
// returned.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	servers := m.config.Servers
	m.mu.RUnlock()

	var errs []error
	for _, cfg := range servers {
		if cfg == nil || cfg.Disabled {
			continue
		}
		if err := m.Connect(ctx, cfg.ID); err != nil {
			m.logger.Error("failed to connect to MCP server", "server", cfg.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connect connects to a configured server by ID.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	m.mu.RLock()
	cfg := m.serverConfig(serverID)
	_, exists := m.clients[serverID]
	m.mu.RUnlock()

	if cfg == nil {
		return fmt.Errorf("server %q not found in config", serverID)
	}
	if exists {
		return nil
	}

	client, err := m.dial(ctx, cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, raced := m.clients[serverID]; raced {
		m.mu.Unlock()
		client.Retire()
		return nil
	}
	m.clients[serverID] = client
	m.mu.Unlock()
	return nil
}

func (m *Manager) dial(ctx context.Context, cfg *ServerConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := NewClient(cfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.ID, err)
	}
	return client, nil
}

func (m *Manager) serverConfig(id string) *ServerConfig {
	for _, cfg := range m.config.Servers {
		if cfg != nil && cfg.ID == id {
			return cfg
		}
	}
	return nil
}

// Disconnect closes the connection to one server. In-flight calls on it
// finish first.
func (m *Manager) Disconnect(serverID string) {
	m.mu.Lock()
	client, ok := m.clients[serverID]
	delete(m.clients, serverID)
	m.mu.Unlock()
	if ok {
		client.Retire()
		m.logger.Info("disconnected from MCP server", "server", serverID)
	}
}

// DisconnectAll closes every connection immediately.
func (m *Manager) DisconnectAll() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var errs []error
	for id, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Reload applies a new configuration. Servers whose configuration is
// unchanged keep their connection. Removed or changed servers are retired,
// and calls already running on them complete against the old connection.
func (m *Manager) Reload(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}

	m.mu.RLock()
	current := make(map[string]*Client, len(m.clients))
	for id, client := range m.clients {
		current[id] = client
	}
	m.mu.RUnlock()

	next := make(map[string]*Client)
	var errs []error
	for _, serverCfg := range cfg.Servers {
		if serverCfg == nil || serverCfg.Disabled {
			continue
		}
		if old, ok := current[serverCfg.ID]; ok && old.Config().equal(serverCfg) {
			next[serverCfg.ID] = old
			continue
		}
		client, err := m.dial(ctx, serverCfg)
		if err != nil {
			m.logger.Error("failed to connect to MCP server", "server", serverCfg.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		next[serverCfg.ID] = client
	}

	m.mu.Lock()
	previous := m.clients
	m.clients = next
	m.config = cfg
	m.mu.Unlock()

	for id, client := range previous {
		if next[id] != client {
			client.Retire()
		}
	}
	m.logger.Info("reloaded MCP servers", "connected", len(next))
	return errors.Join(errs...)
}

// Tools implements agent.ToolProvider. Each tool is bound to the client that
// was current when Tools was called.
func (m *Manager) Tools(ctx context.Context) ([]agent.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	clients := make(map[string]*Client, len(m.clients))
	for id, client := range m.clients {
		clients[id] = client
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	used := make(map[string]struct{})
	var tools []agent.Tool
	for _, id := range ids {
		client := clients[id]
		remote := client.Tools()
		sort.Slice(remote, func(i, j int) bool { return remote[i].Name < remote[j].Name })
		for _, tool := range remote {
			name := safeToolName(id, tool.Name, used)
			tools = append(tools, NewToolBridge(client, id, tool, name))
		}
	}
	return tools, nil
}

// ServerStatus reports the state of one configured server.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     []string   `json:"tools,omitempty"`
}

// Status returns the status of all configured servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.config.Servers))
	for _, cfg := range m.config.Servers {
		if cfg == nil {
			continue
		}
		status := ServerStatus{ID: cfg.ID, Name: cfg.Name}
		if client, ok := m.clients[cfg.ID]; ok {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			for _, tool := range client.Tools() {
				status.Tools = append(status.Tools, tool.Name)
			}
			sort.Strings(status.Tools)
		}
		statuses = append(statuses, status)
	}
	return statuses
}

var _ agent.ToolProvider = (*Manager)(nil)
