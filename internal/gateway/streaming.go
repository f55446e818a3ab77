package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

// ChatRequest is a UI turn: the full conversation as the client holds it.
type ChatRequest struct {
	SessionID       string            `json:"sessionId,omitempty"`
	Workspace       string            `json:"workspace,omitempty"`
	Messages        []*models.Message `json:"messages"`
	Model           string            `json:"model,omitempty"`
	ReasoningEffort string            `json:"reasoningEffort,omitempty"`
	ApprovalPolicy  *ApprovalRequest  `json:"approvalPolicy,omitempty"`
}

// ApprovalRequest carries per-request approval settings.
type ApprovalRequest struct {
	AutoApprove bool `json:"autoApprove"`
}

func (s *Server) turnRequest(req *ChatRequest) *agent.TurnRequest {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	tr := &agent.TurnRequest{
		SessionID:       sessionID,
		Scope:           sessions.UIScope(s.workspace(strings.TrimSpace(req.Workspace))),
		Messages:        req.Messages,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
	}
	if req.ApprovalPolicy != nil {
		tr.AutoApprove = req.ApprovalPolicy.AutoApprove
	}
	return tr
}

// startTurn takes the session lock and starts the turn. The returned release
// must be called once the events channel is drained.
func (s *Server) startTurn(ctx context.Context, req *ChatRequest) (<-chan *models.StreamEvent, func(), error) {
	tr := s.turnRequest(req)
	release, err := s.locks.Acquire(ctx, tr.SessionID)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.runner.Run(ctx, tr)
	if err != nil {
		release()
		return nil, nil, err
	}
	return events, release, nil
}

// handleChat streams one turn as server-sent events. A client disconnect or
// a failed write cancels the turn; the turn still persists what it produced.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, release, err := s.startTurn(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := newSSEWriter(w)
	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if err := sse.write(ev); err != nil {
			s.logger.Debug("sse write failed, aborting turn", "error", err)
			broken = true
			cancel()
		}
	}
}

type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) write(ev *models.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data); err != nil {
		return err
	}
	return s.rc.Flush()
}
