package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// PartType is the discriminator of the Part union.
type PartType string

const (
	PartText                 PartType = "text"
	PartReasoning            PartType = "reasoning"
	PartToolCall             PartType = "tool-call"
	PartToolResult           PartType = "tool-result"
	PartToolApprovalRequest  PartType = "tool-approval-request"
	PartToolApprovalResponse PartType = "tool-approval-response"
	PartFile                 PartType = "file"
)

// Part is one ordered unit of message content.
//
// Only the fields relevant to Type are populated. Parts with an unknown
// Type are carried through unchanged so newer clients can round-trip
// content this version does not understand.
type Part struct {
	Type PartType `json:"type"`

	// Text holds the content of text and reasoning parts.
	Text string `json:"text,omitempty"`

	// CallID links tool-call, tool-result and tool-approval-request parts.
	CallID   string          `json:"callId,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	IsError  bool            `json:"isError,omitempty"`

	// ApprovalID links a tool-approval-request to its response.
	ApprovalID string `json:"approvalId,omitempty"`
	Approved   bool   `json:"approved,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// MediaType and Data describe a file part. Data is a URL or a data URI.
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ReasoningPart returns a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

// ToolCallPart returns a tool-call part.
func ToolCallPart(callID, toolName string, input json.RawMessage) Part {
	return Part{Type: PartToolCall, CallID: callID, ToolName: toolName, Input: input}
}

// ToolResultPart returns a tool-result part.
func ToolResultPart(callID, toolName string, output json.RawMessage, isError bool) Part {
	return Part{Type: PartToolResult, CallID: callID, ToolName: toolName, Output: output, IsError: isError}
}

// ApprovalRequestPart returns a tool-approval-request part.
func ApprovalRequestPart(approvalID, callID string) Part {
	return Part{Type: PartToolApprovalRequest, ApprovalID: approvalID, CallID: callID}
}

// ApprovalResponsePart returns a tool-approval-response part.
func ApprovalResponsePart(approvalID string, approved bool, reason string) Part {
	return Part{Type: PartToolApprovalResponse, ApprovalID: approvalID, Approved: approved, Reason: reason}
}

// FilePart returns a file part.
func FilePart(mediaType, data string) Part {
	return Part{Type: PartFile, MediaType: mediaType, Data: data}
}

// TextOutput encodes s as a tool-result output value.
func TextOutput(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// OutputText returns the output of a tool-result part as text. String
// outputs are unquoted; any other JSON value is returned verbatim.
func (p Part) OutputText() string {
	if len(p.Output) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Output, &s); err == nil {
		return s
	}
	return string(p.Output)
}

// IsBlankText reports whether p is a text part with no visible content.
func (p Part) IsBlankText() bool {
	return p.Type == PartText && strings.TrimSpace(p.Text) == ""
}

// Clone returns a copy of p that shares no byte slices with it.
func (p Part) Clone() Part {
	if p.Input != nil {
		p.Input = append(json.RawMessage(nil), p.Input...)
	}
	if p.Output != nil {
		p.Output = append(json.RawMessage(nil), p.Output...)
	}
	return p
}

// Message is a single conversation entry made of ordered parts.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	CreatedAt time.Time      `json:"createdAt,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ErrMisplacedPart is returned by Validate when a part appears under a role
// that may not carry it.
var ErrMisplacedPart = errors.New("part not allowed for role")

// Validate checks the role and part placement rules: tool calls and
// approval requests belong to assistant messages, tool results and approval
// responses belong to tool messages.
func (m *Message) Validate() error {
	if m == nil {
		return errors.New("message is nil")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	for i, p := range m.Parts {
		switch p.Type {
		case PartToolCall, PartToolApprovalRequest:
			if m.Role != RoleAssistant {
				return fmt.Errorf("part %d (%s) in %s message: %w", i, p.Type, m.Role, ErrMisplacedPart)
			}
		case PartToolResult, PartToolApprovalResponse:
			if m.Role != RoleTool {
				return fmt.Errorf("part %d (%s) in %s message: %w", i, p.Type, m.Role, ErrMisplacedPart)
			}
		}
	}
	return nil
}

// Text concatenates the content of all text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// PartsOf returns the parts of the given type in order.
func (m *Message) PartsOf(t PartType) []Part {
	if m == nil {
		return nil
	}
	var out []Part
	for _, p := range m.Parts {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// HasVisibleContent reports whether m carries a non-blank text part or a
// tool call.
func (m *Message) HasVisibleContent() bool {
	if m == nil {
		return false
	}
	for _, p := range m.Parts {
		switch {
		case p.Type == PartToolCall:
			return true
		case p.Type == PartText && !p.IsBlankText():
			return true
		}
	}
	return false
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Parts != nil {
		clone.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			clone.Parts[i] = p.Clone()
		}
	}
	if m.Metadata != nil {
		clone.Metadata = cloneMap(m.Metadata)
	}
	return &clone
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []*Message) []*Message {
	if msgs == nil {
		return nil
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = cloneValue(v)
	}
	return clone
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
