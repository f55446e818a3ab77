// Package gateway serves the parley HTTP API and routes channel messages
// into store-and-forward turns.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/sessions"
)

// Config configures the HTTP API.
type Config struct {
	Host string
	Port int

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// MaxBodyBytes bounds request bodies. Default: 32 MiB
	MaxBodyBytes int64

	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string

	// DefaultWorkspace is used when a request names none.
	DefaultWorkspace string
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Options holds the server's collaborators.
type Options struct {
	Runner   TurnRunner
	Store    sessions.Store
	Gateway  *Service
	Channels *channels.Registry
	Auth     *auth.Service
	Locks    *sessions.SessionLockManager
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Server is the parley HTTP server. It also owns the channel connectors so
// they start and stop with the API.
type Server struct {
	config   Config
	runner   TurnRunner
	store    sessions.Store
	gateway  *Service
	channels *channels.Registry
	auth     *auth.Service
	locks    *sessions.SessionLockManager
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	startTime    time.Time
	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer creates a new gateway server.
func NewServer(config Config, opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("turn runner is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 32 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	if opts.Locks == nil {
		opts.Locks = sessions.NewSessionLockManager()
	}
	if opts.Channels == nil {
		opts.Channels = channels.NewRegistry(opts.Logger)
	}

	s := &Server{
		config:    config,
		runner:    opts.Runner,
		store:     opts.Store,
		gateway:   opts.Gateway,
		channels:  opts.Channels,
		auth:      opts.Auth,
		locks:     opts.Locks,
		metrics:   opts.Metrics,
		logger:    logger,
		startTime: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the API routes with auth, logging and metrics applied.
func (s *Server) Handler() http.Handler {
	protect := auth.Middleware(s.auth, s.logger)
	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", protect(http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /api/chat/ws", protect(http.HandlerFunc(s.handleChatWS)))
	mux.Handle("POST /api/gateway/message", protect(http.HandlerFunc(s.handleGatewayMessage)))
	mux.Handle("GET /api/sessions", protect(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /api/sessions/{id}", protect(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("DELETE /api/sessions/{id}", protect(http.HandlerFunc(s.handleDeleteSession)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return recoverMiddleware(s.logger)(requestLogger(s.logger, s.metrics)(mux))
}

// Start starts the channel connectors and begins serving HTTP. Connector
// failures are logged and do not stop the server.
func (s *Server) Start(ctx context.Context) error {
	if err := s.startHTTPServer(ctx); err != nil {
		return err
	}
	if err := s.channels.StartAll(ctx); err != nil {
		s.logger.Warn("some channels failed to start", "error", err)
	}
	return nil
}

// Stop stops the connectors, then drains HTTP requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.channels.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop channels: %w", err))
	}
	if err := s.stopHTTPServer(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return s.config.addr()
	}
	return s.httpListener.Addr().String()
}

func (s *Server) workspace(requested string) string {
	if requested != "" {
		return requested
	}
	return s.config.DefaultWorkspace
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
