package gateway

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

// handleGatewayMessage runs a store-and-forward turn for a channel message.
func (s *Server) handleGatewayMessage(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "gateway is not configured"})
		return
	}
	var req GatewayRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Workspace = s.workspace(strings.TrimSpace(req.Workspace))

	resp, err := s.gateway.HandleMessage(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// scopeFromQuery reads ?workspace= and ?scope= (ui or gateway).
func (s *Server) scopeFromQuery(r *http.Request) (sessions.Scope, error) {
	q := r.URL.Query()
	kind, err := sessions.ParseScopeKind(q.Get("scope"))
	if err != nil {
		return sessions.Scope{}, &agent.ValidationError{Field: "scope", Message: err.Error()}
	}
	return sessions.Scope{
		Kind:      kind,
		Workspace: s.workspace(strings.TrimSpace(q.Get("workspace"))),
	}, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	scope, err := s.scopeFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	metas, err := s.store.List(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	if metas == nil {
		metas = []*models.SessionMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": metas})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	scope, err := s.scopeFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := s.store.Load(r.Context(), scope, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleDeleteSession succeeds whether or not the session existed.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	scope, err := s.scopeFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	release, err := s.locks.Acquire(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	removed, err := s.store.Delete(r.Context(), scope, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": removed})
}
