package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "parley.yaml", `
server:
  port: 9000
llm:
  default_model: gpt-4o
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.LLM.DefaultModel != "gpt-4o" || cfg.LLM.MaxIterations != 20 {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Session.Store != "file" || cfg.Session.Scoping.DMScope != "per-channel-peer" {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Tools.Ledger.Retention != 7*24*time.Hour || cfg.Tools.Ledger.PruneSchedule != "@hourly" {
		t.Errorf("ledger = %+v", cfg.Tools.Ledger)
	}
	if !cfg.Tools.ExecEnabled() {
		t.Error("run_command should be enabled by default")
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("version = %d", cfg.Version)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "parley.yaml", `
server:
  host: 0.0.0.0
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"dm scope", "session:\n  scoping:\n    dm_scope: nope\n", "dm_scope"},
		{"store", "session:\n  store: redis\n", "session.store"},
		{"reasoning", "llm:\n  reasoning_effort: max\n", "reasoning_effort"},
		{"route", "llm:\n  routes:\n    - prefix: mistral\n", "llm.routes[0]"},
		{"decision", "tools:\n  approval:\n    default_decision: maybe\n", "default_decision"},
		{"ledger", "tools:\n  ledger:\n    dialect: oracle\n", "tools.ledger.dialect"},
		{"telegram token", "channels:\n  telegram:\n    enabled: true\n", "telegram.bot_token"},
		{"mcp duplicate", `
mcp:
  servers:
    - id: fs
      command: mcp-fs
    - id: fs
      command: mcp-fs
`, "duplicate id"},
		{"mcp command", "mcp:\n  servers:\n    - id: fs\n", "command is required"},
		{"future version", "version: 99\n", "newer than this build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "parley.yaml", tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadJSON5WithInclude(t *testing.T) {
	dir := t.TempDir()
	base := `{
  // shared settings
  llm: { default_model: "claude-sonnet-4-20250514", max_tokens: 1024 },
  tools: { approval: { allowlist: ["read_*"] } },
}`
	if err := os.WriteFile(filepath.Join(dir, "base.json5"), []byte(base), 0o600); err != nil {
		t.Fatal(err)
	}
	main := `{
  $include: "base.json5",
  llm: { max_tokens: 4096 },
  mcp: { servers: [{ id: "github", transport: "http", url: "https://mcp.example.com" }] },
}`
	path := filepath.Join(dir, "parley.json5")
	if err := os.WriteFile(path, []byte(main), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultModel != "claude-sonnet-4-20250514" || cfg.LLM.MaxTokens != 4096 {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if len(cfg.Tools.Approval.Allowlist) != 1 || cfg.Tools.Approval.Allowlist[0] != "read_*" {
		t.Errorf("allowlist = %v", cfg.Tools.Approval.Allowlist)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].URL != "https://mcp.example.com" {
		t.Errorf("mcp = %+v", cfg.MCP.Servers)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load error = %v, want include cycle", err)
	}
}

func TestLoadExpandsEnvFromDotEnv(t *testing.T) {
	const name = "PARLEY_TEST_DISCORD_TOKEN"
	t.Cleanup(func() { os.Unsetenv(name) })

	path := writeConfig(t, "parley.yaml", `
channels:
  discord:
    enabled: true
    bot_token: ${PARLEY_TEST_DISCORD_TOKEN}
`)
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(name+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Discord.BotToken != "from-dotenv" {
		t.Errorf("bot_token = %q", cfg.Channels.Discord.BotToken)
	}
}

func TestLoadEnvDoesNotOverride(t *testing.T) {
	const name = "PARLEY_TEST_MODEL"
	t.Setenv(name, "from-env")

	path := writeConfig(t, "parley.yaml", "llm:\n  default_model: ${PARLEY_TEST_MODEL}\n")
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(name+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultModel != "from-env" {
		t.Errorf("default_model = %q", cfg.LLM.DefaultModel)
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version    int
		wantReason string
	}{
		{CurrentVersion, ""},
		{0, "invalid"},
		{-1, "invalid"},
		{CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.wantReason == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) || ve.Reason != tt.wantReason {
			t.Errorf("ValidateVersion(%d) = %v, want reason %q", tt.version, err, tt.wantReason)
		}
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	for _, field := range []string{`"server"`, `"dm_scope"`, `"require_approval"`, `"servers"`, `"parley configuration"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("schema missing %s", field)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_HOST", "0.0.0.0")
	tests := []struct {
		in   string
		want string
	}{
		{"host: ${PARLEY_TEST_HOST}", "host: 0.0.0.0"},
		{"key: ${PARLEY_TEST_UNSET_VAR}", "key: ${PARLEY_TEST_UNSET_VAR}"},
		{"$include: base.yaml", "$include: base.yaml"},
		{"price: $5", "price: $5"},
	}
	for _, tt := range tests {
		if got := ExpandEnv(tt.in); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
