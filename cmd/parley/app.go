package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/agent/providers"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/credentials"
	"github.com/haasonsaas/parley/internal/gateway"
	"github.com/haasonsaas/parley/internal/mcp"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/tools/exec"
	"github.com/haasonsaas/parley/internal/tools/files"
)

// app holds the components shared by serve and chat.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store        sessions.Store
	keys         *credentials.Resolver
	mcp          *mcp.Manager
	ledger       agent.ExecutionLedger
	pruner       *storage.Pruner
	orchestrator *agent.Orchestrator

	closers []func(context.Context) error
}

type appOptions struct {
	// Metrics enables the Prometheus registry.
	Metrics bool
	// ConnectMCP dials MCP servers during startup.
	ConnectMCP bool
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if opts.Metrics {
		a.metrics = observability.NewMetrics()
	}
	tracing := cfg.Observability.Tracing
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    tracing.ServiceName,
		ServiceVersion: version,
		Environment:    tracing.Environment,
		Endpoint:       tracing.Endpoint,
		SamplingRate:   tracing.SamplingRate,
		Attributes:     tracing.Attributes,
		Insecure:       tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	if a.store, err = openStore(cfg.Session, logger); err != nil {
		return nil, err
	}

	a.keys = credentials.NewResolver(credentialsConfig(cfg), logger)

	if err := a.openLedger(ctx); err != nil {
		return nil, err
	}

	a.mcp = mcp.NewManager(&cfg.MCP, logger)
	a.closers = append(a.closers, func(context.Context) error { return a.mcp.DisconnectAll() })
	if opts.ConnectMCP {
		if err := a.mcp.ConnectAll(ctx); err != nil {
			logger.Warn("some MCP servers failed to connect", "error", err)
		}
	}

	a.orchestrator, err = agent.NewOrchestrator(agent.OrchestratorConfig{
		Resolver:           providers.NewResolver(resolverConfig(cfg, a.keys)),
		Store:              a.store,
		Tools:              builtinTools(cfg.Tools),
		Providers:          []agent.ToolProvider{a.mcp},
		Checker:            agent.NewApprovalChecker(gateway.BuildApprovalPolicy(cfg.Tools.Approval)),
		Ledger:             a.ledger,
		SystemPrompt:       cfg.LLM.SystemPrompt,
		DefaultModel:       cfg.LLM.DefaultModel,
		MaxIterations:      cfg.LLM.MaxIterations,
		MaxTokens:          cfg.LLM.MaxTokens,
		DefaultToolTimeout: cfg.Tools.DefaultTimeout,
		ToolTimeouts:       cfg.Tools.Timeouts,
		Logger:             logger,
		Metrics:            a.metrics,
		Tracer:             a.tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	return a, nil
}

func openStore(cfg config.SessionConfig, logger *slog.Logger) (sessions.Store, error) {
	if strings.EqualFold(cfg.Store, "memory") {
		return sessions.NewMemoryStore(), nil
	}
	store, err := sessions.NewFileStore(cfg.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return store, nil
}

func (a *app) openLedger(ctx context.Context) error {
	lc := a.cfg.Tools.Ledger
	var prunable storage.Prunable
	if strings.EqualFold(lc.Dialect, "memory") {
		mem := agent.NewMemoryLedger()
		a.ledger, prunable = mem, mem
	} else {
		dialect, err := storage.ParseDialect(lc.Dialect)
		if err != nil {
			return err
		}
		if dialect == storage.DialectSQLite {
			if dir := filepath.Dir(lc.DSN); dir != "" && dir != "." && !strings.HasPrefix(lc.DSN, "file:") {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create ledger directory: %w", err)
				}
			}
		}
		sqlLedger, err := storage.OpenLedger(ctx, &storage.DBConfig{
			Dialect:      dialect,
			DSN:          lc.DSN,
			MaxOpenConns: lc.MaxOpenConns,
		})
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return sqlLedger.Close() })
		a.ledger, prunable = sqlLedger, sqlLedger
	}

	pruner, err := storage.NewPruner(prunable, storage.PrunerConfig{
		Schedule:  lc.PruneSchedule,
		Retention: lc.Retention,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	a.pruner = pruner
	return nil
}

func builtinTools(cfg config.ToolsConfig) *agent.ToolRegistry {
	registry := agent.NewToolRegistry()
	for _, tool := range files.Tools(files.Config{Workspace: cfg.Workspace, MaxReadBytes: cfg.MaxReadBytes}) {
		registry.Register(tool)
	}
	if cfg.ExecEnabled() {
		registry.Register(exec.NewTool(exec.NewRunner(cfg.Workspace), cfg.Exec.Timeout))
	}
	return registry
}

func credentialsConfig(cfg *config.Config) credentials.Config {
	keys, envVars := providerKeys(cfg)
	return credentials.Config{
		Keys:           keys,
		EnvVars:        envVars,
		KeyringService: cfg.Credentials.KeyringService,
		DisableKeyring: cfg.Credentials.DisableKeyring,
		CacheTTL:       cfg.Credentials.CacheTTL,
	}
}

func providerKeys(cfg *config.Config) (map[string]string, map[string][]string) {
	keys := map[string]string{}
	envVars := map[string][]string{}
	for name, p := range cfg.LLM.Providers {
		name = strings.ToLower(strings.TrimSpace(name))
		if p.APIKey != "" {
			keys[name] = p.APIKey
		}
		if len(p.APIKeyEnv) > 0 {
			envVars[name] = p.APIKeyEnv
		}
	}
	return keys, envVars
}

func resolverConfig(cfg *config.Config, keys providers.KeySource) providers.ResolverConfig {
	rc := providers.ResolverConfig{
		Keys:       keys,
		Endpoints:  map[string]providers.Endpoint{},
		MaxRetries: cfg.LLM.MaxRetries,
		RetryDelay: cfg.LLM.RetryDelay,
	}
	for _, route := range cfg.LLM.Routes {
		rc.Rules = append(rc.Rules, providers.Rule{Prefix: route.Prefix, Provider: route.Provider})
	}
	for name, p := range cfg.LLM.Providers {
		rc.Endpoints[strings.ToLower(strings.TrimSpace(name))] = providers.Endpoint{
			BaseURL:      p.BaseURL,
			DefaultModel: p.DefaultModel,
			KeyOptional:  p.KeyOptional,
		}
	}
	return rc
}

// applyReload pushes a reloaded config into the running components.
// Listener addresses, stores and the ledger keep their startup values.
func (a *app) applyReload(ctx context.Context, cfg *config.Config) {
	a.orchestrator.Checker().SetPolicy(gateway.BuildApprovalPolicy(cfg.Tools.Approval))
	keys, _ := providerKeys(cfg)
	a.keys.SetKeys(keys)
	if err := a.mcp.Reload(ctx, &cfg.MCP); err != nil {
		a.logger.Warn("MCP reload incomplete", "error", err)
	}
	a.logger.Info("configuration applied")
}

// Close releases every component in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	if a.pruner != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		a.pruner.Stop(stopCtx)
		cancel()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
