package config

import "time"

type ToolsConfig struct {
	// Workspace is the directory the file tools and run_command are
	// confined to.
	Workspace    string `yaml:"workspace"`
	MaxReadBytes int    `yaml:"max_read_bytes"`

	Exec ExecConfig `yaml:"exec"`

	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Timeouts       map[string]time.Duration `yaml:"timeouts"`

	Approval ApprovalConfig `yaml:"approval"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

type ExecConfig struct {
	// Enabled registers run_command. Default: true
	Enabled *bool         `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExecEnabled reports whether run_command is registered.
func (c ToolsConfig) ExecEnabled() bool {
	return c.Exec.Enabled == nil || *c.Exec.Enabled
}

// ApprovalConfig configures which tool calls wait for a human decision.
type ApprovalConfig struct {
	// Allowlist contains tool patterns that never need approval unless
	// their input looks dangerous.
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tool patterns that are always denied.
	Denylist []string `yaml:"denylist"`

	// RequireApproval contains tool patterns that always need approval.
	RequireApproval []string `yaml:"require_approval"`

	// DangerousPatterns are extra regular expressions matched against
	// call inputs.
	DangerousPatterns []string `yaml:"dangerous_patterns"`

	// DefaultDecision applies when no rule matches: allow, deny or ask.
	DefaultDecision string `yaml:"default_decision"`

	// GatewayAutoApprove runs approval-class tools for channel messages,
	// which have no approval UI.
	GatewayAutoApprove bool `yaml:"gateway_auto_approve"`
}

// LedgerConfig configures the tool execution ledger.
type LedgerConfig struct {
	// Dialect is sqlite (default), postgres or memory.
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`

	// Retention is how long entries are kept. PruneSchedule is a cron
	// expression for the pruning job.
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}
