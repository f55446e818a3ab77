// Package main provides the CLI entry point for parley, a conversational
// agent backend.
//
// parley streams model turns to a chat UI over SSE or WebSocket, executes
// tools with human approval, persists sessions per workspace and answers
// Telegram and Discord messages through the same turn engine.
//
// # Basic Usage
//
// Start the server:
//
//	parley serve --config parley.yaml
//
// Chat from the terminal:
//
//	parley chat
//
// Store a provider key in the OS keyring:
//
//	parley keys set anthropic
//
// # Environment Variables
//
//   - PARLEY_CONFIG: Path to configuration file (default: parley.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider keys
//   - PARLEY_<PROVIDER>_API_KEY: provider key, consulted first
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "parley.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "parley - conversational agent backend",
		Long: `parley runs LLM turns with tool calling and human approval.

Supported providers: Anthropic, OpenAI (and compatible endpoints), Google Gemini
Built-in tools: read_file, list_dir, write_file, edit_file, run_command, plus MCP servers
Channels: HTTP (SSE, WebSocket), Telegram, Discord`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildSessionsCmd(),
		buildMcpCmd(),
		buildKeysCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies PARLEY_CONFIG when no path was given.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigPath {
		if env := strings.TrimSpace(os.Getenv("PARLEY_CONFIG")); env != "" {
			return env
		}
		return defaultConfigPath
	}
	return path
}
