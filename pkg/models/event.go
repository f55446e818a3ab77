// Package models provides the domain types shared by the parley packages:
// messages and their parts, sessions, and streamed turn events.
package models

import (
	"encoding/json"
	"time"
)

// StreamEvent is one unit of incremental turn output.
//
// Design principles:
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence within a turn for ordering guarantees
//   - Add fields, don't rename or remove them
type StreamEvent struct {
	Version  int             `json:"version"`
	Type     StreamEventType `json:"type"`
	Time     time.Time       `json:"time"`
	Sequence uint64          `json:"seq"`
	TurnID   string          `json:"turnId,omitempty"`

	// SessionID is set on turn.started and on terminal events.
	SessionID string `json:"sessionId,omitempty"`

	// Exactly one payload is set for a given Type, except turn.started
	// which carries none.
	Delta    *DeltaPayload    `json:"delta,omitempty"`
	Tool     *ToolPayload     `json:"tool,omitempty"`
	Finished *FinishedPayload `json:"finished,omitempty"`
	Error    *ErrorPayload    `json:"error,omitempty"`
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	EventTurnStarted     StreamEventType = "turn.started"
	EventTextDelta       StreamEventType = "text.delta"
	EventReasoningDelta  StreamEventType = "reasoning.delta"
	EventToolCall        StreamEventType = "tool.call"
	EventToolProgress    StreamEventType = "tool.progress"
	EventToolResult      StreamEventType = "tool.result"
	EventApprovalRequest StreamEventType = "tool.approval_request"
	EventTurnFinished    StreamEventType = "turn.finished"
	EventTurnError       StreamEventType = "turn.error"
)

// EventVersion is the current StreamEvent schema version.
const EventVersion = 1

// Terminal reports whether no further events follow e.
func (e *StreamEvent) Terminal() bool {
	return e.Type == EventTurnFinished || e.Type == EventTurnError
}

// DeltaPayload carries incremental text or reasoning.
type DeltaPayload struct {
	Text string `json:"text"`
}

// ToolPayload describes a tool call, its progress, its result or its
// approval request.
type ToolPayload struct {
	CallID     string          `json:"callId"`
	Name       string          `json:"name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Chunk      string          `json:"chunk,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	ApprovalID string          `json:"approvalId,omitempty"`
}

// TurnStatus is the terminal state of a turn that did not fail.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnAborted   TurnStatus = "aborted"
)

// FinishedPayload closes a turn.
type FinishedPayload struct {
	Status TurnStatus `json:"status"`
	// Text is the concatenated assistant text produced during the turn.
	Text string `json:"text,omitempty"`
	// AwaitingApproval is set when the turn suspended on approval requests.
	AwaitingApproval bool `json:"awaitingApproval,omitempty"`
	InputTokens      int  `json:"inputTokens,omitempty"`
	OutputTokens     int  `json:"outputTokens,omitempty"`
}

// ErrorPayload standardizes failure reporting on the stream.
type ErrorPayload struct {
	Category  string `json:"category"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`

	// Err is the original error (runtime only, not serialized).
	Err error `json:"-"`
}
