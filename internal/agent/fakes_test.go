package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

// mockTool implements Tool for testing
type mockTool struct {
	name      string
	schema    json.RawMessage
	approval  bool
	execFunc  func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
	execCount atomic.Int32
}

func (m *mockTool) Name() string            { return m.name }
func (m *mockTool) Description() string     { return "test tool " + m.name }
func (m *mockTool) Schema() json.RawMessage { return m.schema }
func (m *mockTool) RequiresApproval() bool  { return m.approval }
func (m *mockTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	m.execCount.Add(1)
	if m.execFunc != nil {
		return m.execFunc(ctx, params)
	}
	return &ToolResult{Content: "success"}, nil
}

// mockToolProvider implements ToolProvider for testing
type mockToolProvider struct {
	name  string
	tools []Tool
	err   error
}

func (p *mockToolProvider) Name() string { return p.name }
func (p *mockToolProvider) Tools(ctx context.Context) ([]Tool, error) {
	return p.tools, p.err
}

// scriptedProvider replays one chunk script per Complete call.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    [][]*CompletionChunk
	requests []*CompletionRequest
	err      error

	// hang makes the call after the scripted chunks block until ctx ends.
	hang bool
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return []Model{{ID: "test-model"}} }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		p.mu.Unlock()
		return nil, p.err
	}
	var script []*CompletionChunk
	if len(p.steps) > 0 {
		script = p.steps[0]
		p.steps = p.steps[1:]
	} else {
		script = textStep("done")
	}
	hang := p.hang
	p.mu.Unlock()

	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		for _, c := range script {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Requests() []*CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*CompletionRequest(nil), p.requests...)
}

func textStep(parts ...string) []*CompletionChunk {
	var chunks []*CompletionChunk
	for _, p := range parts {
		chunks = append(chunks, &CompletionChunk{Text: p})
	}
	return append(chunks, &CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 5})
}

func toolStep(calls ...ToolCall) []*CompletionChunk {
	var chunks []*CompletionChunk
	for i := range calls {
		c := calls[i]
		chunks = append(chunks, &CompletionChunk{ToolCall: &c})
	}
	return append(chunks, &CompletionChunk{Done: true})
}

func staticResolver(p LLMProvider) GenerationResolver {
	return GenerationResolverFunc(func(ctx context.Context, model string) (LLMProvider, error) {
		return p, nil
	})
}

// failingStore wraps a Store and fails every Save.
type failingStore struct {
	sessions.Store
}

func (s failingStore) Save(ctx context.Context, scope sessions.Scope, session *models.Session) error {
	return errors.New("disk full")
}

func userMsg(id, text string) *models.Message {
	return &models.Message{ID: id, Role: models.RoleUser, Parts: []models.Part{models.TextPart(text)}}
}

// collect drains a turn with a timeout so a stuck orchestrator fails the test.
func collect(t *testing.T, events <-chan *models.StreamEvent) []*models.StreamEvent {
	t.Helper()
	var out []*models.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("turn did not finish; got %d events", len(out))
		}
	}
}

func eventsOf(events []*models.StreamEvent, typ models.StreamEventType) []*models.StreamEvent {
	var out []*models.StreamEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func lastEvent(t *testing.T, events []*models.StreamEvent) *models.StreamEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	return events[len(events)-1]
}
