package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

// TurnRunner starts turns. *agent.Orchestrator implements it.
type TurnRunner interface {
	Run(ctx context.Context, req *agent.TurnRequest) (<-chan *models.StreamEvent, error)
}

// GatewayRequest is one delivery from an external channel.
type GatewayRequest struct {
	AgentID     string                    `json:"agentId,omitempty"`
	Channel     models.ChannelType        `json:"channel"`
	PeerID      string                    `json:"peerId"`
	DisplayName string                    `json:"displayName,omitempty"`
	IsGroup     bool                      `json:"isGroup"`
	ThreadID    string                    `json:"threadId,omitempty"`
	Workspace   string                    `json:"workspace,omitempty"`
	Model       string                    `json:"model,omitempty"`
	Messages    []channels.InboundMessage `json:"messages"`
}

// Metadata returns the channel identity of the request.
func (r *GatewayRequest) Metadata() channels.Metadata {
	return channels.Metadata{
		AgentID:     r.AgentID,
		Channel:     r.Channel,
		PeerID:      r.PeerID,
		DisplayName: r.DisplayName,
		IsGroup:     r.IsGroup,
		ThreadID:    r.ThreadID,
	}
}

// GatewayResponse carries the assistant's reply for the channel.
type GatewayResponse struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
	// AwaitingApproval is set when the turn stopped on a tool call that
	// needs a human decision.
	AwaitingApproval bool `json:"awaitingApproval,omitempty"`
}

// TurnError is a turn that ended with a turn.error event.
type TurnError struct {
	Payload *models.ErrorPayload
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s): %s", e.Payload.Category, e.Payload.Message)
}

func (e *TurnError) Unwrap() error { return e.Payload.Err }

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store      sessions.Store
	Runner     TurnRunner
	Normalizer *channels.Normalizer
	Locks      *sessions.SessionLockManager

	// Workspace is used when a request names none.
	Workspace string
	// Model is used when a request names none; empty defers to the runner.
	Model string
	// AutoApprove runs approval-class tools without asking. Channels have
	// no approval UI, so without it such calls leave the turn waiting.
	AutoApprove bool

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

var _ channels.Handler = (*Service)(nil)

// Service runs store-and-forward turns for channel messages: the session
// is found by the channel identity, the inbound messages are appended and
// the assistant's final text is returned.
type Service struct {
	config ServiceConfig
	logger *slog.Logger
}

// NewService creates a gateway service.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Store == nil {
		return nil, errors.New("session store is required")
	}
	if config.Runner == nil {
		return nil, errors.New("turn runner is required")
	}
	if config.Normalizer == nil {
		config.Normalizer = channels.NewNormalizer(sessions.ScopeConfig{})
	}
	if config.Locks == nil {
		config.Locks = sessions.NewSessionLockManager()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{config: config, logger: logger.With("component", "gateway")}, nil
}

// HandleInbound implements channels.Handler for the platform connectors.
func (s *Service) HandleInbound(ctx context.Context, meta channels.Metadata, messages []channels.InboundMessage) (string, error) {
	resp, err := s.HandleMessage(ctx, &GatewayRequest{
		AgentID:     meta.AgentID,
		Channel:     meta.Channel,
		PeerID:      meta.PeerID,
		DisplayName: meta.DisplayName,
		IsGroup:     meta.IsGroup,
		ThreadID:    meta.ThreadID,
		Messages:    messages,
	})
	if err != nil {
		return "", err
	}
	if resp.AwaitingApproval && strings.TrimSpace(resp.Text) == "" {
		return AwaitingApprovalReply, nil
	}
	return resp.Text, nil
}

// AwaitingApprovalReply is sent to a channel when a turn stopped on a tool
// call that needs approval and produced no text.
const AwaitingApprovalReply = "This request needs approval before I can continue. Approve it from the parley UI."

// HandleMessage derives the session key, loads or creates the gateway
// session, appends the normalized messages, runs a turn and returns the
// assistant text. Turns for the same key run one at a time.
func (s *Service) HandleMessage(ctx context.Context, req *GatewayRequest) (*GatewayResponse, error) {
	if req == nil {
		return nil, &agent.ValidationError{Message: "request is required"}
	}
	meta := req.Metadata()
	if err := channels.ValidateMetadata(meta); err != nil {
		return nil, err
	}

	inbound, err := s.config.Normalizer.Normalize(req.Messages, meta)
	if err != nil {
		return nil, err
	}
	if len(inbound) == 0 {
		return nil, &agent.ValidationError{Field: "messages", Message: "no message has text or images"}
	}

	gw := s.config.Normalizer.GatewayMetadata(meta)
	key := gw.SessionKey
	s.config.Metrics.GatewayMessageReceived(string(gw.Channel))

	workspace := strings.TrimSpace(req.Workspace)
	if workspace == "" {
		workspace = s.config.Workspace
	}
	scope := sessions.GatewayScope(workspace)

	release, err := s.config.Locks.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	history, err := s.history(ctx, scope, key)
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.config.Model
	}

	logger := s.logger.With("session_key", key, "channel", gw.Channel)
	logger.Debug("gateway turn", "history", len(history), "inbound", len(inbound))

	events, err := s.config.Runner.Run(ctx, &agent.TurnRequest{
		SessionID:   key,
		Scope:       scope,
		Messages:    append(history, inbound...),
		Model:       model,
		AutoApprove: s.config.AutoApprove,
		Gateway:     gw,
	})
	if err != nil {
		return nil, err
	}

	resp := &GatewayResponse{SessionID: key}
	if err := drain(ctx, events, resp); err != nil {
		logger.Warn("gateway turn failed", "error", err)
		return nil, err
	}
	return resp, nil
}

func (s *Service) history(ctx context.Context, scope sessions.Scope, key string) ([]*models.Message, error) {
	session, err := s.config.Store.Load(ctx, scope, key)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	return session.Messages, nil
}

// drain consumes a turn's events and fills resp from the terminal event.
func drain(ctx context.Context, events <-chan *models.StreamEvent, resp *GatewayResponse) error {
	var terminal *models.StreamEvent
	for ev := range events {
		if ev.Terminal() {
			terminal = ev
		}
	}
	switch {
	case terminal == nil:
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("turn ended without a terminal event")
	case terminal.Type == models.EventTurnError:
		return &TurnError{Payload: terminal.Error}
	case terminal.Finished != nil && terminal.Finished.Status == models.TurnAborted:
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	if terminal.SessionID != "" {
		resp.SessionID = terminal.SessionID
	}
	if terminal.Finished != nil {
		resp.Text = terminal.Finished.Text
		resp.AwaitingApproval = terminal.Finished.AwaitingApproval
	}
	return nil
}
