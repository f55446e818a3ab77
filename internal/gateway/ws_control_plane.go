package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/parley/pkg/models"
)

const (
	wsMaxPayloadBytes = 32 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsFrame is the envelope for both directions. Clients send "chat" frames
// carrying a request and "abort" frames; the server answers with "event"
// frames for each stream event and "error" frames.
type wsFrame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id,omitempty"`
	Request *ChatRequest        `json:"request,omitempty"`
	Event   *models.StreamEvent `json:"event,omitempty"`
	Error   *wsError            `json:"error,omitempty"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan *wsFrame
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu         sync.Mutex
	turnCancel context.CancelFunc
	turns      sync.WaitGroup
}

// handleChatWS runs turns over a WebSocket. One turn runs at a time per
// connection; closing the connection aborts it.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	session := &wsSession{
		server: s,
		conn:   conn,
		send:   make(chan *wsFrame, 64),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With("ws_conn", uuid.NewString()),
	}
	session.run()
}

func (c *wsSession) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsSession) close() {
	c.cancel()
	c.turns.Wait()
	_ = c.conn.Close()
}

func (c *wsSession) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "invalid_frame", err)
			continue
		}
		switch frame.Type {
		case "", "chat":
			c.startTurn(&frame)
		case "abort":
			c.abortTurn()
		default:
			c.sendError(frame.ID, "invalid_frame", fmt.Errorf("unsupported frame type %q", frame.Type))
		}
	}
}

func (c *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteJSON(frame); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsSession) enqueue(frame *wsFrame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *wsSession) sendError(id, code string, err error) {
	status, body := errorStatus(err)
	if code == "" {
		code = http.StatusText(status)
	}
	c.enqueue(&wsFrame{Type: "error", ID: id, Error: &wsError{
		Code:      code,
		Message:   body.Error,
		Field:     body.Field,
		Retriable: body.Retriable,
	}})
}

func (c *wsSession) startTurn(frame *wsFrame) {
	if frame.Request == nil {
		c.sendError(frame.ID, "invalid_frame", fmt.Errorf("chat frame has no request"))
		return
	}

	c.mu.Lock()
	if c.turnCancel != nil {
		c.mu.Unlock()
		c.sendError(frame.ID, "busy", fmt.Errorf("a turn is already running on this connection"))
		return
	}
	turnCtx, cancel := context.WithCancel(c.ctx)
	c.turnCancel = cancel
	c.turns.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.turns.Done()
		defer c.finishTurn(cancel)

		events, release, err := c.server.startTurn(turnCtx, frame.Request)
		if err != nil {
			c.sendError(frame.ID, "rejected", err)
			return
		}
		defer release()
		for ev := range events {
			c.enqueue(&wsFrame{Type: "event", ID: frame.ID, Event: ev})
		}
	}()
}

func (c *wsSession) finishTurn(cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	c.turnCancel = nil
	c.mu.Unlock()
}

func (c *wsSession) abortTurn() {
	c.mu.Lock()
	cancel := c.turnCancel
	c.mu.Unlock()
	if cancel != nil {
		c.logger.Debug("turn aborted by client")
		cancel()
	}
}
