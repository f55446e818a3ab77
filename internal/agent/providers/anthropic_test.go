package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
)

// mockTool implements agent.Tool for testing.
type mockTool struct {
	name        string
	description string
	schema      json.RawMessage
}

func (m *mockTool) Name() string            { return m.name }
func (m *mockTool) Description() string     { return m.description }
func (m *mockTool) Schema() json.RawMessage { return m.schema }
func (m *mockTool) RequiresApproval() bool  { return false }

func (m *mockTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "test result"}, nil
}

// writeSSE writes events in the text/event-stream framing used by the
// Anthropic API.
func writeSSE(t *testing.T, w http.ResponseWriter, events ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("expected http.Flusher")
	}
	for _, data := range events {
		var typed struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(data), &typed); err != nil {
			t.Fatalf("bad event %s: %v", data, err)
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typed.Type, data)
		flusher.Flush()
	}
}

func collect(t *testing.T, chunks <-chan *agent.CompletionChunk) []*agent.CompletionChunk {
	t.Helper()
	var out []*agent.CompletionChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("timed out waiting for chunks")
		}
	}
}

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	provider, err := NewAnthropicProvider(AnthropicConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	return provider
}

func TestNewAnthropicProvider(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if p.Name() != "anthropic" || !p.SupportsTools() || len(p.Models()) == 0 {
		t.Errorf("unexpected provider metadata")
	}
	if p.defaultModel == "" {
		t.Error("default model not set")
	}
}

func TestAnthropicStreamingText(t *testing.T) {
	var body map[string]any
	provider := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeSSE(t, w,
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":12,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Let me think."}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":" world"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
			`{"type":"message_stop"}`,
		)
	})

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Model:           "anthropic/claude-sonnet-4-20250514",
		System:          "Be brief.",
		Messages:        []agent.CompletionMessage{{Role: "user", Content: "hi"}},
		ReasoningEffort: "low",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var text, thinking strings.Builder
	var last *agent.CompletionChunk
	for _, chunk := range collect(t, chunks) {
		if chunk.Error != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
		text.WriteString(chunk.Text)
		thinking.WriteString(chunk.Thinking)
		last = chunk
	}
	if text.String() != "Hello world" {
		t.Errorf("text = %q", text.String())
	}
	if thinking.String() != "Let me think." {
		t.Errorf("thinking = %q", thinking.String())
	}
	if last == nil || !last.Done || last.InputTokens != 12 || last.OutputTokens != 7 {
		t.Errorf("unexpected final chunk %+v", last)
	}

	if body["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("model prefix not stripped: %v", body["model"])
	}
	thinkingParam, _ := body["thinking"].(map[string]any)
	if thinkingParam["type"] != "enabled" || thinkingParam["budget_tokens"] != float64(2048) {
		t.Errorf("thinking = %v", body["thinking"])
	}
	if maxTokens, _ := body["max_tokens"].(float64); maxTokens <= 2048 {
		t.Errorf("max_tokens %v must exceed the thinking budget", maxTokens)
	}
}

func TestAnthropicStreamingToolCall(t *testing.T) {
	provider := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w,
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":5,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"London\"}"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_2","name":"clock","input":{}}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
			`{"type":"message_stop"}`,
		)
	})

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "weather?"}},
		Tools:    []agent.Tool{&mockTool{name: "get_weather", schema: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var calls []*agent.ToolCall
	for _, chunk := range collect(t, chunks) {
		if chunk.ToolCall != nil {
			calls = append(calls, chunk.ToolCall)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "toolu_1" || calls[0].Name != "get_weather" || string(calls[0].Input) != `{"city":"London"}` {
		t.Errorf("unexpected first call %+v", calls[0])
	}
	if string(calls[1].Input) != "{}" {
		t.Errorf("empty input should become {}, got %s", calls[1].Input)
	}
}

func TestAnthropicErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason FailoverReason
		wantCalls  int32
	}{
		{
			name:       "authentication",
			status:     http.StatusUnauthorized,
			body:       `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
			wantReason: FailoverAuth,
			wantCalls:  1,
		},
		{
			name:       "rate limited is retried",
			status:     http.StatusTooManyRequests,
			body:       `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`,
			wantReason: FailoverRateLimit,
			wantCalls:  2,
		},
		{
			name:       "context length",
			status:     http.StatusBadRequest,
			body:       `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens > 200000 maximum"}}`,
			wantReason: FailoverContextLength,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			provider := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("request-id", "req_abc")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
				Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
			})
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			got := collect(t, chunks)
			if len(got) != 1 || got[0].Error == nil {
				t.Fatalf("expected a single error chunk, got %+v", got)
			}
			providerErr, ok := GetProviderError(got[0].Error)
			if !ok {
				t.Fatalf("error is not a ProviderError: %v", got[0].Error)
			}
			if providerErr.Reason != tt.wantReason {
				t.Errorf("reason = %v, want %v", providerErr.Reason, tt.wantReason)
			}
			if providerErr.Status != tt.status {
				t.Errorf("status = %d, want %d", providerErr.Status, tt.status)
			}
			if n := calls.Load(); n != tt.wantCalls {
				t.Errorf("server called %d times, want %d", n, tt.wantCalls)
			}
			if provider.ClassifyError(got[0].Error) != tt.wantReason.Category() {
				t.Errorf("ClassifyError = %v", provider.ClassifyError(got[0].Error))
			}
		})
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p := &AnthropicProvider{}
	messages, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "look", Attachments: []agent.Attachment{
			{MediaType: "image/png", Data: "data:image/png;base64,iVBORw0KGgo="},
			{MediaType: "image/jpeg", Data: "https://example.com/cat.jpg"},
			{MediaType: "application/pdf", Data: "data:application/pdf;base64,JVBERi0="},
		}},
		{Role: "assistant", ToolCalls: []agent.ToolCall{
			{ID: "c1", Name: "read_file", Input: json.RawMessage(`{"path":"a"}`)},
			{ID: "c2", Name: "clock"},
		}},
		{Role: "tool", ToolResults: []agent.ToolCallResult{
			{CallID: "c1", Content: "contents"},
			{CallID: "c2", Content: "boom", IsError: true},
		}},
		{Role: "assistant"},
	})
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3 (empty message skipped)", len(messages))
	}

	if got := len(messages[0].Content); got != 3 {
		t.Errorf("user blocks = %d, want text and two images", got)
	}
	if messages[0].Content[1].OfImage == nil || messages[0].Content[2].OfImage == nil {
		t.Error("expected image blocks")
	}
	if string(messages[1].Role) != "assistant" || len(messages[1].Content) != 2 || messages[1].Content[0].OfToolUse == nil {
		t.Errorf("unexpected assistant message %+v", messages[1])
	}
	if string(messages[2].Role) != "user" || len(messages[2].Content) != 2 {
		t.Fatalf("tool results should travel in a user message: %+v", messages[2])
	}
	second := messages[2].Content[1].OfToolResult
	if second == nil || second.ToolUseID != "c2" {
		t.Errorf("unexpected tool result %+v", second)
	}

	if _, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "assistant", ToolCalls: []agent.ToolCall{{ID: "c1", Name: "x", Input: json.RawMessage(`{`)}}},
	}); err == nil {
		t.Error("expected error for malformed tool input")
	}
}
