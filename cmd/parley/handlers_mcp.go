package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/mcp"
)

func connectMCP(cmd *cobra.Command, configPath string) (*mcp.Manager, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	manager := mcp.NewManager(&cfg.MCP, slog.Default())
	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	if err := manager.ConnectAll(ctx); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
	}
	return manager, ctx, cancel, nil
}

func runMcpServers(cmd *cobra.Command, configPath string) error {
	manager, _, cancel, err := connectMCP(cmd, configPath)
	if err != nil {
		return err
	}
	defer cancel()
	defer manager.DisconnectAll()

	statuses := manager.Status()
	if len(statuses) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No MCP servers configured")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCONNECTED\tSERVER\tTOOLS")
	for _, s := range statuses {
		server := s.Server.Name
		if s.Server.Version != "" {
			server += " " + s.Server.Version
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%d\n", s.ID, s.Connected, server, len(s.Tools))
	}
	return w.Flush()
}

func runMcpTools(cmd *cobra.Command, configPath string) error {
	manager, ctx, cancel, err := connectMCP(cmd, configPath)
	if err != nil {
		return err
	}
	defer cancel()
	defer manager.DisconnectAll()

	tools, err := manager.Tools(ctx)
	if err != nil {
		return err
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })

	out := cmd.OutOrStdout()
	for _, tool := range tools {
		marker := ""
		if tool.RequiresApproval() {
			marker = " (approval)"
		}
		fmt.Fprintln(out, titleStyle.Render(tool.Name())+marker)
		if desc := strings.TrimSpace(tool.Description()); desc != "" {
			fmt.Fprintln(out, "  "+truncate(desc, 200))
		}
	}
	if len(tools) == 0 {
		fmt.Fprintln(out, "No MCP tools available")
	}
	return nil
}
