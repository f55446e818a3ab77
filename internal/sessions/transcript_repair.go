package sessions

import (
	"github.com/haasonsaas/parley/pkg/models"
)

// TranscriptRepairReport contains the results of transcript repair.
type TranscriptRepairReport struct {
	// Messages is the repaired message list.
	Messages []*models.Message
	// DroppedCalls lists the ids of dangling tool calls that were removed.
	DroppedCalls []string
	// DroppedMessages is the number of assistant messages removed because
	// nothing visible was left in them.
	DroppedMessages int
}

// Changed reports whether repair altered the history.
func (r TranscriptRepairReport) Changed() bool {
	return len(r.DroppedCalls) > 0 || r.DroppedMessages > 0
}

// RepairTranscript removes dangling tool calls so the history can be sent to
// a model.
//
// A tool call survives when some tool message carries its result, or when it
// has an approval request, answered or not. The whole history is scanned
// because an interrupted turn can leave dangling calls anywhere, not just at
// the tail.
//
// After filtering, an assistant message with no non-blank text and no tool
// call is dropped, unless it is the last message of the history: the caller
// resuming a stream must see the latest state, even if it is reasoning only.
//
// The input is never mutated; modified messages are copies. Parts of
// unknown type pass through untouched.
//
// Dropping a message can remove an approval request that kept a call in an
// earlier message alive, so the passes repeat until nothing changes. The
// result is therefore a fixed point and repairing it again is a no-op.
func RepairTranscript(history []*models.Message) TranscriptRepairReport {
	report := repairOnce(history)
	for report.Changed() {
		next := repairOnce(report.Messages)
		if !next.Changed() {
			break
		}
		report.Messages = next.Messages
		report.DroppedCalls = append(report.DroppedCalls, next.DroppedCalls...)
		report.DroppedMessages += next.DroppedMessages
	}
	return report
}

func repairOnce(history []*models.Message) TranscriptRepairReport {
	valid := validCallIDs(history)
	report := TranscriptRepairReport{
		Messages: make([]*models.Message, 0, len(history)),
	}

	last := len(history) - 1
	for last >= 0 && history[last] == nil {
		last--
	}

	for i, msg := range history {
		if msg == nil {
			continue
		}
		if msg.Role != models.RoleAssistant {
			report.Messages = append(report.Messages, msg)
			continue
		}

		kept := msg
		var dropped []string
		for _, p := range msg.Parts {
			if p.Type == models.PartToolCall {
				if _, ok := valid[p.CallID]; !ok {
					dropped = append(dropped, p.CallID)
				}
			}
		}
		if len(dropped) > 0 {
			kept = withoutCalls(msg, valid)
			report.DroppedCalls = append(report.DroppedCalls, dropped...)
		}

		if !kept.HasVisibleContent() && i != last {
			report.DroppedMessages++
			continue
		}
		report.Messages = append(report.Messages, kept)
	}

	return report
}

// DanglingCalls returns the ids of tool calls that repair would remove.
func DanglingCalls(history []*models.Message) []string {
	valid := validCallIDs(history)
	var out []string
	for _, msg := range history {
		if msg == nil || msg.Role != models.RoleAssistant {
			continue
		}
		for _, p := range msg.Parts {
			if p.Type != models.PartToolCall {
				continue
			}
			if _, ok := valid[p.CallID]; !ok {
				out = append(out, p.CallID)
			}
		}
	}
	return out
}

// PendingApprovals maps approval id to call id for approval requests that
// have no response yet.
func PendingApprovals(history []*models.Message) map[string]string {
	pending := make(map[string]string)
	for _, msg := range history {
		if msg == nil || msg.Role != models.RoleAssistant {
			continue
		}
		for _, p := range msg.Parts {
			if p.Type == models.PartToolApprovalRequest {
				pending[p.ApprovalID] = p.CallID
			}
		}
	}
	for _, msg := range history {
		if msg == nil || msg.Role != models.RoleTool {
			continue
		}
		for _, p := range msg.Parts {
			if p.Type == models.PartToolApprovalResponse {
				delete(pending, p.ApprovalID)
			}
		}
	}
	return pending
}

// validCallIDs collects resolved and pending-approval call ids.
func validCallIDs(history []*models.Message) map[string]struct{} {
	resolved := make(map[string]struct{})
	pendingApproval := make(map[string]struct{})
	approvalToCall := make(map[string]string)

	for _, msg := range history {
		if msg == nil {
			continue
		}
		for _, p := range msg.Parts {
			switch {
			case msg.Role == models.RoleTool && p.Type == models.PartToolResult:
				resolved[p.CallID] = struct{}{}
			case msg.Role == models.RoleAssistant && p.Type == models.PartToolApprovalRequest:
				approvalToCall[p.ApprovalID] = p.CallID
				pendingApproval[p.CallID] = struct{}{}
			}
		}
	}

	for _, msg := range history {
		if msg == nil || msg.Role != models.RoleTool {
			continue
		}
		for _, p := range msg.Parts {
			if p.Type != models.PartToolApprovalResponse {
				continue
			}
			callID, ok := approvalToCall[p.ApprovalID]
			if !ok {
				continue
			}
			delete(pendingApproval, callID)
			resolved[callID] = struct{}{}
		}
	}

	for id := range pendingApproval {
		resolved[id] = struct{}{}
	}
	return resolved
}

func withoutCalls(msg *models.Message, valid map[string]struct{}) *models.Message {
	clone := *msg
	clone.Parts = make([]models.Part, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if p.Type == models.PartToolCall {
			if _, ok := valid[p.CallID]; !ok {
				continue
			}
		}
		clone.Parts = append(clone.Parts, p)
	}
	return &clone
}
