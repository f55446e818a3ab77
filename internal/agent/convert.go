package agent

import (
	"strings"

	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

// AwaitingApprovalResult is the placeholder result given to calls whose
// approval request is unanswered. It exists only in provider requests.
const AwaitingApprovalResult = "awaiting approval: this tool call has not been approved or denied yet"

// toCompletionMessages converts a repaired history into provider messages.
//
// System messages are folded into the returned system prompt. Reasoning and
// approval parts are not sent. Calls still waiting for approval get a
// synthetic result so providers that require strict call/result pairing
// accept the request; the history itself is left untouched.
func toCompletionMessages(history []*models.Message, system string) ([]CompletionMessage, string) {
	resolved := map[string]bool{}
	for _, m := range history {
		if m == nil || m.Role != models.RoleTool {
			continue
		}
		for _, p := range m.PartsOf(models.PartToolResult) {
			resolved[p.CallID] = true
		}
	}
	awaiting := map[string]bool{}
	for _, callID := range sessions.PendingApprovals(history) {
		if !resolved[callID] {
			awaiting[callID] = true
		}
	}

	systemParts := []string{}
	if s := strings.TrimSpace(system); s != "" {
		systemParts = append(systemParts, s)
	}

	out := make([]CompletionMessage, 0, len(history))
	var pendingPlaceholders []ToolCallResult
	for i, m := range history {
		if m == nil {
			continue
		}
		switch m.Role {
		case models.RoleSystem:
			if s := strings.TrimSpace(m.Text()); s != "" {
				systemParts = append(systemParts, s)
			}

		case models.RoleUser:
			msg := CompletionMessage{Role: string(models.RoleUser), Content: m.Text()}
			for _, p := range m.PartsOf(models.PartFile) {
				msg.Attachments = append(msg.Attachments, Attachment{MediaType: p.MediaType, Data: p.Data})
			}
			if msg.Content == "" && len(msg.Attachments) == 0 {
				continue
			}
			out = append(out, msg)

		case models.RoleAssistant:
			msg := CompletionMessage{Role: string(models.RoleAssistant), Content: m.Text()}
			var placeholders []ToolCallResult
			for _, p := range m.PartsOf(models.PartToolCall) {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: p.CallID, Name: p.ToolName, Input: p.Input})
				if awaiting[p.CallID] {
					placeholders = append(placeholders, ToolCallResult{CallID: p.CallID, Content: AwaitingApprovalResult})
				}
			}
			if strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			out = append(out, msg)
			if len(placeholders) > 0 {
				// Merge into the tool message that follows, if any, so
				// results stay adjacent to their calls.
				if next := nextMessage(history, i); next != nil && next.Role == models.RoleTool {
					pendingPlaceholders = placeholders
					continue
				}
				out = append(out, CompletionMessage{Role: string(models.RoleTool), ToolResults: placeholders})
			}

		case models.RoleTool:
			msg := CompletionMessage{Role: string(models.RoleTool)}
			for _, p := range m.PartsOf(models.PartToolResult) {
				msg.ToolResults = append(msg.ToolResults, ToolCallResult{
					CallID:  p.CallID,
					Content: p.OutputText(),
					IsError: p.IsError,
				})
			}
			msg.ToolResults = append(msg.ToolResults, pendingPlaceholders...)
			pendingPlaceholders = nil
			if len(msg.ToolResults) == 0 {
				continue
			}
			out = append(out, msg)
		}
	}
	return pairToolResults(out), strings.Join(systemParts, "\n\n")
}

// pairToolResults moves every tool result into a tool message directly
// after the assistant message holding its call, in call order. Provider
// APIs reject a call whose result is separated from it by other messages.
// Results with no matching call stay where they are.
func pairToolResults(msgs []CompletionMessage) []CompletionMessage {
	owner := map[string]int{}
	for i, m := range msgs {
		for _, c := range m.ToolCalls {
			owner[c.ID] = i
		}
	}
	if len(owner) == 0 {
		return msgs
	}

	byCall := map[string]ToolCallResult{}
	for _, m := range msgs {
		for _, r := range m.ToolResults {
			if _, ok := owner[r.CallID]; ok {
				if _, seen := byCall[r.CallID]; !seen {
					byCall[r.CallID] = r
				}
			}
		}
	}

	out := make([]CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.ToolResults) > 0 {
			var orphans []ToolCallResult
			for _, r := range m.ToolResults {
				if _, ok := owner[r.CallID]; !ok {
					orphans = append(orphans, r)
				}
			}
			if len(orphans) > 0 {
				m.ToolResults = orphans
				out = append(out, m)
			}
			continue
		}
		out = append(out, m)

		var results []ToolCallResult
		for _, c := range m.ToolCalls {
			if r, ok := byCall[c.ID]; ok {
				results = append(results, r)
			}
		}
		if len(results) > 0 {
			out = append(out, CompletionMessage{Role: string(models.RoleTool), ToolResults: results})
		}
	}
	return out
}

func nextMessage(history []*models.Message, i int) *models.Message {
	for j := i + 1; j < len(history); j++ {
		if history[j] != nil {
			return history[j]
		}
	}
	return nil
}
