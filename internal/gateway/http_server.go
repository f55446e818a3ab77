package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/sessions"
)

func (s *Server) startHTTPServer(ctx context.Context) error {
	addr := s.config.addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

func (s *Server) stopHTTPServer(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		_ = s.httpServer.Close()
	}
	s.httpServer = nil
	s.httpListener = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Category  string `json:"category,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps request and turn errors onto status codes. Validation
// and credential failures happen before anything is persisted.
func writeError(w http.ResponseWriter, err error) {
	status, body := errorStatus(err)
	writeJSON(w, status, body)
}

func errorStatus(err error) (int, errorResponse) {
	var (
		validation *agent.ValidationError
		credential *agent.CredentialError
		turnErr    *TurnError
		maxBytes   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorResponse{Error: validation.Message, Field: validation.Field}
	case errors.As(err, &credential):
		return http.StatusUnprocessableEntity, errorResponse{Error: credential.Error(), Category: string(agent.CategoryAuthentication)}
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()}
	case errors.Is(err, sessions.ErrInvalidID):
		return http.StatusBadRequest, errorResponse{Error: err.Error(), Field: "id"}
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: err.Error()}
	case errors.As(err, &turnErr):
		return http.StatusBadGateway, errorResponse{
			Error:     turnErr.Payload.Message,
			Category:  turnErr.Payload.Category,
			Retriable: turnErr.Payload.Retriable,
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorResponse{Error: "turn aborted", Retriable: true}
	default:
		return http.StatusInternalServerError, errorResponse{Error: err.Error()}
	}
}

// decodeBody reads a JSON request body, rejecting unknown trailing data.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return &agent.ValidationError{Message: "malformed JSON body: " + err.Error()}
	}
	if dec.More() {
		return &agent.ValidationError{Message: "unexpected data after JSON body"}
	}
	return nil
}
