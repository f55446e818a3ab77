package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

// echoRunner persists the request history plus an assistant reply that
// echoes the last user message, emitting turn.started and turn.finished.
type echoRunner struct {
	store sessions.Store
	err   error
	fail  *models.ErrorPayload
	block chan struct{}
	// awaiting finishes the turn waiting on an approval with no text.
	awaiting bool

	mu       sync.Mutex
	requests []*agent.TurnRequest
}

func (r *echoRunner) Run(ctx context.Context, req *agent.TurnRequest) (<-chan *models.StreamEvent, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	events := make(chan *models.StreamEvent, 4)
	go func() {
		defer close(events)
		var seq uint64
		emit := func(ev *models.StreamEvent) {
			seq++
			ev.Version = models.EventVersion
			ev.Sequence = seq
			ev.Time = time.Now()
			ev.TurnID = "turn-1"
			events <- ev
		}
		emit(&models.StreamEvent{Type: models.EventTurnStarted, SessionID: req.SessionID})

		if r.block != nil {
			select {
			case <-r.block:
			case <-ctx.Done():
				emit(&models.StreamEvent{
					Type:      models.EventTurnFinished,
					SessionID: req.SessionID,
					Finished:  &models.FinishedPayload{Status: models.TurnAborted},
				})
				return
			}
		}
		if r.fail != nil {
			emit(&models.StreamEvent{Type: models.EventTurnError, SessionID: req.SessionID, Error: r.fail})
			return
		}

		if r.awaiting {
			emit(&models.StreamEvent{
				Type:      models.EventTurnFinished,
				SessionID: req.SessionID,
				Finished:  &models.FinishedPayload{Status: models.TurnCompleted, AwaitingApproval: true},
			})
			return
		}

		reply := "echo: " + lastUserText(req.Messages)
		emit(&models.StreamEvent{Type: models.EventTextDelta, Delta: &models.DeltaPayload{Text: reply}})

		if r.store != nil {
			msgs := append(models.CloneMessages(req.Messages), &models.Message{
				ID:    "assistant",
				Role:  models.RoleAssistant,
				Parts: []models.Part{models.TextPart(reply)},
			})
			session := &models.Session{ID: req.SessionID, Metadata: req.Gateway}
			session.SetMessages(msgs, time.Now())
			if err := r.store.Save(context.WithoutCancel(ctx), req.Scope, session); err != nil {
				emit(&models.StreamEvent{Type: models.EventTurnError, SessionID: req.SessionID, Error: &models.ErrorPayload{
					Category: string(agent.CategoryStore),
					Message:  err.Error(),
				}})
				return
			}
		}
		emit(&models.StreamEvent{
			Type:      models.EventTurnFinished,
			SessionID: req.SessionID,
			Finished:  &models.FinishedPayload{Status: models.TurnCompleted, Text: reply},
		})
	}()
	return events, nil
}

func (r *echoRunner) lastRequest() *agent.TurnRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return nil
	}
	return r.requests[len(r.requests)-1]
}

func lastUserText(msgs []*models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return strings.TrimSpace(msgs[i].Text())
		}
	}
	return ""
}
