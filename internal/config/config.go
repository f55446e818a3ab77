// Package config loads the parley configuration file.
//
// Files are YAML, or JSON5 when the extension is .json or .json5. A file may
// pull in others with "$include", and ${VAR} references are expanded from
// the environment after .env files are loaded.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/parley/internal/mcp"
)

// Config is the main configuration structure for parley.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Session       SessionConfig       `yaml:"session"`
	LLM           LLMConfig           `yaml:"llm"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Tools         ToolsConfig         `yaml:"tools"`
	MCP           mcp.Config          `yaml:"mcp"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads, merges, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "file"
	}
	if cfg.Session.Dir == "" {
		cfg.Session.Dir = "data/sessions"
	}
	if cfg.Session.DefaultWorkspace == "" {
		cfg.Session.DefaultWorkspace = "default"
	}
	if cfg.Session.Scoping.DMScope == "" {
		cfg.Session.Scoping.DMScope = "per-channel-peer"
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.MaxIterations == 0 {
		cfg.LLM.MaxIterations = 20
	}
	if cfg.Tools.Workspace == "" {
		cfg.Tools.Workspace = "."
	}
	if cfg.Tools.DefaultTimeout == 0 {
		cfg.Tools.DefaultTimeout = 2 * time.Minute
	}
	if cfg.Tools.Ledger.Dialect == "" {
		cfg.Tools.Ledger.Dialect = "sqlite"
	}
	if cfg.Tools.Ledger.DSN == "" {
		cfg.Tools.Ledger.DSN = "data/ledger.db"
	}
	if cfg.Tools.Ledger.Retention == 0 {
		cfg.Tools.Ledger.Retention = 7 * 24 * time.Hour
	}
	if cfg.Tools.Ledger.PruneSchedule == "" {
		cfg.Tools.Ledger.PruneSchedule = "@hourly"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "parley"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d is out of range", c.Server.Port))
	}
	switch c.Session.Store {
	case "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("session.store: must be file or memory, got %q", c.Session.Store))
	}
	switch c.Session.Scoping.DMScope {
	case "main", "per-peer", "per-channel-peer":
	default:
		errs = append(errs, fmt.Errorf("session.scoping.dm_scope: unknown scope %q", c.Session.Scoping.DMScope))
	}
	switch strings.ToLower(c.LLM.ReasoningEffort) {
	case "", "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("llm.reasoning_effort: must be low, medium or high"))
	}
	for i, rule := range c.LLM.Routes {
		if strings.TrimSpace(rule.Prefix) == "" || strings.TrimSpace(rule.Provider) == "" {
			errs = append(errs, fmt.Errorf("llm.routes[%d]: prefix and provider are required", i))
		}
	}
	if _, ok := parseDecision(c.Tools.Approval.DefaultDecision); !ok {
		errs = append(errs, fmt.Errorf("tools.approval.default_decision: unknown decision %q", c.Tools.Approval.DefaultDecision))
	}
	switch strings.ToLower(c.Tools.Ledger.Dialect) {
	case "memory", "sqlite", "sqlite3", "postgres", "postgresql", "cockroach", "cockroachdb":
	default:
		errs = append(errs, fmt.Errorf("tools.ledger.dialect: unsupported %q", c.Tools.Ledger.Dialect))
	}
	seen := map[string]bool{}
	for i, server := range c.MCP.Servers {
		if server == nil {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: empty entry", i))
			continue
		}
		if err := server.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: %w", i, err))
		}
		if seen[server.ID] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate id %q", i, server.ID))
		}
		seen[server.ID] = true
	}
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.BotToken) == "" {
		errs = append(errs, errors.New("channels.telegram.bot_token: required when enabled"))
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.BotToken) == "" {
		errs = append(errs, errors.New("channels.discord.bot_token: required when enabled"))
	}
	return errors.Join(errs...)
}

func parseDecision(value string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return "", true
	case "allow", "allowed":
		return "allowed", true
	case "deny", "denied":
		return "denied", true
	case "pending", "ask":
		return "pending", true
	default:
		return "", false
	}
}
