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

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/parley/internal/agent"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	provider, err := NewOpenAIProvider(OpenAIConfig{
		Name:       "openrouter",
		APIKey:     "test-key",
		BaseURL:    server.URL,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	return provider
}

func writeChatStream(t *testing.T, w http.ResponseWriter, events ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("expected http.Flusher")
	}
	for _, data := range append(events, "[DONE]") {
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func TestNewOpenAIProvider(t *testing.T) {
	tests := []struct {
		name      string
		config    OpenAIConfig
		wantError bool
		wantName  string
	}{
		{name: "missing key", config: OpenAIConfig{}, wantError: true},
		{name: "hosted", config: OpenAIConfig{APIKey: "k"}, wantName: "openai"},
		{name: "local without key", config: OpenAIConfig{Name: "ollama", BaseURL: "http://localhost:11434/v1"}, wantName: "ollama"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewOpenAIProvider(tt.config)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewOpenAIProvider: %v", err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestOpenAIStreaming(t *testing.T) {
	var req openai.ChatCompletionRequest
	provider := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &req)
		writeChatStream(t, w,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"hmm"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Let me check"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"clock","arguments":""}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"read_file","arguments":"{\"pa"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.txt\"}"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":30,"completion_tokens":9,"total_tokens":39}}`,
		)
	})

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Model:     "openrouter/anthropic/claude-sonnet-4",
		System:    "Be brief.",
		Messages:  []agent.CompletionMessage{{Role: "user", Content: "read a.txt"}},
		Tools:     []agent.Tool{&mockTool{name: "read_file", schema: json.RawMessage(`{"type":"object"}`)}},
		MaxTokens: 500,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var text, thinking strings.Builder
	var calls []*agent.ToolCall
	var last *agent.CompletionChunk
	for _, chunk := range collect(t, chunks) {
		if chunk.Error != nil {
			t.Fatalf("unexpected error: %v", chunk.Error)
		}
		text.WriteString(chunk.Text)
		thinking.WriteString(chunk.Thinking)
		if chunk.ToolCall != nil {
			calls = append(calls, chunk.ToolCall)
		}
		last = chunk
	}

	if text.String() != "Let me check" || thinking.String() != "hmm" {
		t.Errorf("text = %q, thinking = %q", text.String(), thinking.String())
	}
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || string(calls[0].Input) != `{"path":"a.txt"}` {
		t.Errorf("calls should be ordered by index, got %+v", calls[0])
	}
	if calls[1].ID != "call_b" || string(calls[1].Input) != "{}" {
		t.Errorf("unexpected second call %+v", calls[1])
	}
	if !last.Done || last.InputTokens != 30 || last.OutputTokens != 9 {
		t.Errorf("unexpected final chunk %+v", last)
	}

	if req.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("model = %q, routing prefix should be stripped", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("system prompt should lead the messages: %+v", req.Messages)
	}
	if req.MaxTokens != 500 || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
		t.Errorf("unexpected request options %+v", req)
	}
}

func TestOpenAIOpenErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason FailoverReason
		wantCalls  int32
	}{
		{
			name:       "invalid key",
			status:     http.StatusUnauthorized,
			body:       `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`,
			wantReason: FailoverAuth,
			wantCalls:  1,
		},
		{
			name:       "server error retried",
			status:     http.StatusServiceUnavailable,
			body:       `{"error":{"message":"overloaded","type":"server_error"}}`,
			wantReason: FailoverServerError,
			wantCalls:  2,
		},
		{
			name:       "context length",
			status:     http.StatusBadRequest,
			body:       `{"error":{"message":"This model's maximum context length is 128000 tokens.","type":"invalid_request_error","code":"context_length_exceeded"}}`,
			wantReason: FailoverContextLength,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			provider := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := provider.Complete(context.Background(), &agent.CompletionRequest{
				Model:    "gpt-4o",
				Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
			})
			providerErr, ok := GetProviderError(err)
			if !ok {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if providerErr.Reason != tt.wantReason {
				t.Errorf("reason = %v, want %v", providerErr.Reason, tt.wantReason)
			}
			if providerErr.Provider != "openrouter" {
				t.Errorf("provider = %q", providerErr.Provider)
			}
			if n := calls.Load(); n != tt.wantCalls {
				t.Errorf("server called %d times, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	p := &OpenAIProvider{name: "openai"}
	messages, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "what is this", Attachments: []agent.Attachment{
			{MediaType: "image/png", Data: "data:image/png;base64,iVBORw0KGgo="},
			{MediaType: "text/plain", Data: "data:text/plain;base64,aGk="},
		}},
		{Role: "assistant", ToolCalls: []agent.ToolCall{{ID: "c1", Name: "clock"}}},
		{Role: "tool", ToolResults: []agent.ToolCallResult{
			{CallID: "c1", Content: "noon"},
			{CallID: "c2", Content: "awaiting approval"},
		}},
	}, "")
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}
	if len(messages[0].MultiContent) != 2 || messages[0].Content != "" {
		t.Errorf("image message should use multi content: %+v", messages[0])
	}
	if messages[1].ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("arguments = %q", messages[1].ToolCalls[0].Function.Arguments)
	}
	if messages[2].ToolCallID != "c1" || messages[3].ToolCallID != "c2" {
		t.Errorf("each tool result should become its own message")
	}

	if _, err := p.convertMessages([]agent.CompletionMessage{{Role: "narrator"}}, ""); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestIsReasoningModel(t *testing.T) {
	for model, want := range map[string]bool{"o3-mini": true, "gpt-5": true, "gpt-4o": false, "llama3": false} {
		if got := isReasoningModel(model); got != want {
			t.Errorf("isReasoningModel(%q) = %v, want %v", model, got, want)
		}
	}
}
