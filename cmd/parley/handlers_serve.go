package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/channels/discord"
	"github.com/haasonsaas/parley/internal/channels/telegram"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/gateway"
	"github.com/haasonsaas/parley/internal/sessions"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, wires every component, serves until a
// shutdown signal and then stops in reverse order.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, debug)
	slog.SetDefault(logger)

	logger.Info("starting parley",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{Metrics: true, ConnectMCP: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	if cfg.Session.Store == "file" {
		instance, err := gateway.AcquireInstanceLock(gateway.InstanceLockOptions{
			Dir:     cfg.Session.Dir,
			Timeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		defer instance.Release()
	}

	locks := sessions.NewSessionLockManager()
	normalizer := channels.NewNormalizer(sessions.ScopeConfig{
		DMScope:       cfg.Session.Scoping.DMScope,
		IdentityLinks: cfg.Session.Scoping.IdentityLinks,
	})
	svc, err := gateway.NewService(gateway.ServiceConfig{
		Store:       a.store,
		Runner:      a.orchestrator,
		Normalizer:  normalizer,
		Locks:       locks,
		Workspace:   cfg.Session.DefaultWorkspace,
		Model:       cfg.LLM.DefaultModel,
		AutoApprove: cfg.Tools.Approval.GatewayAutoApprove,
		Logger:      logger,
		Metrics:     a.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	registry := channels.NewRegistry(logger)
	if err := registerConnectors(registry, cfg.Channels, svc, logger); err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		DefaultWorkspace: cfg.Session.DefaultWorkspace,
	}, gateway.Options{
		Runner:   a.orchestrator,
		Store:    a.store,
		Gateway:  svc,
		Channels: registry,
		Auth:     authService(cfg.Auth),
		Locks:    locks,
		Metrics:  a.metrics,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	watcher := config.NewWatcher(configPath, cfg, logger)
	watcher.Subscribe(func(next *config.Config) { a.applyReload(ctx, next) })
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watching disabled", "error", err)
	}
	defer watcher.Close()

	if err := a.pruner.Start(); err != nil {
		return fmt.Errorf("schedule ledger pruning: %w", err)
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("parley started", "http_addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("parley stopped")
	return nil
}

func authService(cfg config.AuthConfig) *auth.Service {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: k.Key, Subject: k.Subject, Name: k.Name})
	}
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
		APIKeys:     keys,
	})
}

func registerConnectors(registry *channels.Registry, cfg config.ChannelsConfig, handler channels.Handler, logger *slog.Logger) error {
	if cfg.Telegram.Enabled {
		conn, err := telegram.New(telegram.Config{
			Token:          cfg.Telegram.BotToken,
			AgentID:        cfg.Telegram.AgentID,
			AllowedChats:   cfg.Telegram.AllowedChats,
			HandlerTimeout: cfg.Telegram.HandlerTimeout,
			MaxImageBytes:  cfg.Telegram.MaxImageBytes,
			Logger:         logger,
		}, handler)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		registry.Register(conn)
	}
	if cfg.Discord.Enabled {
		conn, err := discord.New(discord.Config{
			Token:           cfg.Discord.BotToken,
			AgentID:         cfg.Discord.AgentID,
			RespondInGuilds: cfg.Discord.RespondInGuilds,
			AllowedGuilds:   cfg.Discord.AllowedGuilds,
			HandlerTimeout:  cfg.Discord.HandlerTimeout,
			Logger:          logger,
		}, handler)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		registry.Register(conn)
	}
	return nil
}
