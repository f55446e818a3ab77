package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/credentials"
)

// keyResolver builds a credentials resolver from the config when it loads,
// and from defaults otherwise, so keys can be managed before a config exists.
func keyResolver(configPath string) *credentials.Resolver {
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
	}
	return credentials.NewResolver(credentialsConfig(cfg), nil)
}

func runKeysSet(cmd *cobra.Command, configPath, provider string) error {
	key := promptSecret(cmd, fmt.Sprintf("API key for %s", provider))
	if key == "" {
		return errors.New("no key entered")
	}
	if err := keyResolver(configPath).Store(provider, key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored key for %s in the OS keyring\n", provider)
	return nil
}

func runKeysDelete(cmd *cobra.Command, configPath, provider string) error {
	if err := keyResolver(configPath).Delete(provider); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed key for %s from the OS keyring\n", provider)
	return nil
}

func runKeysStatus(cmd *cobra.Command, configPath string, providers []string) error {
	if len(providers) == 0 {
		providers = []string{"anthropic", "openai", "google"}
		cfg, err := config.Load(configPath)
		if err == nil {
			for name := range cfg.LLM.Providers {
				providers = append(providers, strings.ToLower(name))
			}
		}
		sort.Strings(providers)
		providers = dedupe(providers)
	}

	resolver := keyResolver(configPath)
	out := cmd.OutOrStdout()
	for _, provider := range providers {
		if _, err := resolver.Key(context.Background(), provider); err != nil {
			fmt.Fprintf(out, "%-12s %s\n", provider, dateStyle.Render("not found"))
			continue
		}
		fmt.Fprintf(out, "%-12s %s\n", provider, countStyle.Render(resolver.Source(provider)))
	}
	return nil
}

func dedupe(items []string) []string {
	out := items[:0]
	for i, item := range items {
		if i > 0 && items[i-1] == item {
			continue
		}
		out = append(out, item)
	}
	return out
}

// promptSecret reads a line without echo when stdin is a terminal.
func promptSecret(cmd *cobra.Command, label string) string {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && text == "" {
		return ""
	}
	return strings.TrimSpace(text)
}

func runToken(cmd *cobra.Command, configPath, subject, name string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	token, err := authService(cfg.Auth).GenerateJWT(&auth.Principal{Subject: subject, Name: name})
	if errors.Is(err, auth.ErrAuthDisabled) {
		return errors.New("auth.jwt_secret is not set")
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid (version %d)\n", configPath, cfg.Version)
	fmt.Fprintf(out, "  listen:    %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  model:     %s\n", cfg.LLM.DefaultModel)
	fmt.Fprintf(out, "  sessions:  %s (%s)\n", cfg.Session.Store, cfg.Session.Dir)
	fmt.Fprintf(out, "  ledger:    %s\n", cfg.Tools.Ledger.Dialect)
	fmt.Fprintf(out, "  mcp:       %d server(s)\n", len(cfg.MCP.Servers))
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
