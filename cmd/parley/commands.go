package main

import (
	"github.com/spf13/cobra"
)

func addConfigFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
}

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP API and
// the channel connectors.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the parley server",
		Long: `Start the parley server with all configured providers, tools and channels.

The server will:
1. Load configuration (and .env files next to it)
2. Open the session store and the tool execution ledger
3. Connect MCP servers and register their tools
4. Start the HTTP API (chat over SSE and WebSocket, sessions, gateway)
5. Start enabled Telegram and Discord connectors

The configuration file is watched; MCP servers, approval rules and API keys
are reloaded in place. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  parley serve

  # Start with custom config and debug logging
  parley serve --config /etc/parley/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

func buildChatCmd() *cobra.Command {
	var (
		configPath  string
		sessionID   string
		workspace   string
		model       string
		autoApprove bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Long: `Run turns in-process against the configured providers and tools.

Tool calls that need approval are confirmed interactively. The conversation
is saved to the session store and shows up in the UI under the same
workspace.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, chatOptions{
				configPath:  resolveConfigPath(configPath),
				sessionID:   sessionID,
				workspace:   workspace,
				model:       model,
				autoApprove: autoApprove,
			})
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&sessionID, "session", "", "Continue an existing session")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace to store the session in")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model id (default from config)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Run approval-class tools without asking")
	return cmd
}

// =============================================================================
// Sessions Commands
// =============================================================================

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		scope      string
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and delete stored sessions",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace (default from config)")
	cmd.PersistentFlags().StringVar(&scope, "scope", "ui", "Scope: ui or gateway")

	opts := func() sessionsOptions {
		return sessionsOptions{configPath: resolveConfigPath(configPath), workspace: workspace, scope: scope}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, opts())
		},
	}
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, opts(), args[0])
		},
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(cmd, opts(), args[0])
		},
	}
	cmd.AddCommand(list, show, del)
	return cmd
}

// =============================================================================
// MCP Commands
// =============================================================================

func buildMcpCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect configured MCP servers",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")

	servers := &cobra.Command{
		Use:   "servers",
		Short: "Connect to every server and report its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpServers(cmd, resolveConfigPath(configPath))
		},
	}
	tools := &cobra.Command{
		Use:   "tools",
		Short: "List the tools MCP servers contribute, as the model sees them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMcpTools(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.AddCommand(servers, tools)
	return cmd
}

// =============================================================================
// Keys Commands
// =============================================================================

func buildKeysCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys in the OS keyring",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")

	set := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store a provider key (read from stdin without echo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysSet(cmd, resolveConfigPath(configPath), args[0])
		},
	}
	del := &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a provider key from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysDelete(cmd, resolveConfigPath(configPath), args[0])
		},
	}
	status := &cobra.Command{
		Use:   "status [provider...]",
		Short: "Report where each provider's key is found",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysStatus(cmd, resolveConfigPath(configPath), args)
		},
	}
	cmd.AddCommand(set, del, status)
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		name       string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token using auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), subject, name)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration and print its schema",
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	addConfigFlag(validate, &configPath)

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
	cmd.AddCommand(validate, schema)
	return cmd
}

// buildVersionCmd prints build information.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("parley %s\n", version)
			cmd.Printf("  commit: %s\n", commit)
			cmd.Printf("  built:  %s\n", date)
		},
	}
}
