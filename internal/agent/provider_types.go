package agent

import (
	"context"
	"encoding/json"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of communicating with a vendor API
// (Anthropic, OpenAI) while presenting a unified streaming interface to the
// orchestrator.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple turns may call
// Complete simultaneously.
//
// See Also:
//   - providers.AnthropicProvider
//   - providers.OpenAIProvider
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel
	// is closed after a chunk with Done or Error set, or when ctx ends.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one generation step.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:    "claude-sonnet-4-20250514",
//	    System:   "You are a helpful coding assistant.",
//	    Messages: []CompletionMessage{{Role: "user", Content: "Write hello world in Go"}},
//	}
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's default
	// model is used.
	Model string `json:"model"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines the tools the model may call during this step.
	Tools []Tool `json:"-"`

	// MaxTokens limits the response length. Providers apply their own
	// default when zero.
	MaxTokens int `json:"max_tokens,omitempty"`

	// ReasoningEffort is passed through to providers that support it
	// ("low", "medium", "high"). Empty disables extended reasoning.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// CompletionMessage is the provider-facing form of a conversation message.
//
// Role values: "user", "assistant", "tool"
type CompletionMessage struct {
	Role        string           `json:"role"`
	Content     string           `json:"content,omitempty"`
	ToolCalls   []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults []ToolCallResult `json:"tool_results,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolCallResult is the answer to a ToolCall sent back to the model.
type ToolCallResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Attachment is an image or file handed to a vision-capable model. Data is
// an http(s) URL or a data URI.
type Attachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// CompletionChunk represents a single chunk in a streaming response.
//
// Processing Example:
//
//	for chunk := range chunks {
//	    switch {
//	    case chunk.Error != nil:
//	        return chunk.Error
//	    case chunk.ToolCall != nil:
//	        calls = append(calls, chunk.ToolCall)
//	    case chunk.Text != "":
//	        fmt.Print(chunk.Text)
//	    case chunk.Done:
//	        break
//	    }
//	}
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// Thinking contains reasoning text when extended reasoning is enabled.
	Thinking string `json:"thinking,omitempty"`

	// ToolCall contains a complete tool call once its input has been
	// fully streamed.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	// Token usage, populated on the final chunk only.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool defines the interface for executable tools.
//
// Built-in tools and tools bridged from MCP servers implement the same
// interface, so the orchestrator never distinguishes between them.
//
// Implementing a Tool:
//
//	type Clock struct{}
//
//	func (Clock) Name() string            { return "clock" }
//	func (Clock) Description() string     { return "Returns the current time" }
//	func (Clock) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
//	func (Clock) RequiresApproval() bool  { return false }
//
//	func (Clock) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
//	    return &ToolResult{Content: time.Now().Format(time.RFC3339)}, nil
//	}
type Tool interface {
	// Name returns the tool name for function calling.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema of the tool's input.
	Schema() json.RawMessage

	// RequiresApproval reports whether calls to this tool must be approved
	// by a human before they run.
	RequiresApproval() bool

	// Execute runs the tool. An error return is reported to the model as
	// an error result; it never fails the turn.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
