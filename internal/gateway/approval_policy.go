package gateway

import (
	"strings"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/config"
)

// BuildApprovalPolicy turns the approval section of the config into the
// policy enforced by the orchestrator's checker.
func BuildApprovalPolicy(cfg config.ApprovalConfig) *agent.ApprovalPolicy {
	base := agent.DefaultApprovalPolicy()
	applyApprovalConfig(base, cfg)
	return base
}

func applyApprovalConfig(target *agent.ApprovalPolicy, cfg config.ApprovalConfig) {
	if target == nil {
		return
	}
	target.Allowlist = append(target.Allowlist, trimPatterns(cfg.Allowlist)...)
	target.Denylist = append(target.Denylist, trimPatterns(cfg.Denylist)...)
	target.RequireApproval = append(target.RequireApproval, trimPatterns(cfg.RequireApproval)...)
	target.DangerousPatterns = append(target.DangerousPatterns, trimPatterns(cfg.DangerousPatterns)...)
	if decision, ok := parseApprovalDecision(cfg.DefaultDecision); ok {
		target.DefaultDecision = decision
	}
}

func trimPatterns(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func cloneApprovalPolicy(policy *agent.ApprovalPolicy) *agent.ApprovalPolicy {
	if policy == nil {
		return nil
	}
	clone := *policy
	clone.Allowlist = append([]string(nil), policy.Allowlist...)
	clone.Denylist = append([]string(nil), policy.Denylist...)
	clone.RequireApproval = append([]string(nil), policy.RequireApproval...)
	clone.DangerousPatterns = append([]string(nil), policy.DangerousPatterns...)
	return &clone
}

func parseApprovalDecision(value string) (agent.ApprovalDecision, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return "", false
	case "allow", "allowed":
		return agent.ApprovalAllowed, true
	case "deny", "denied":
		return agent.ApprovalDenied, true
	case "pending", "ask":
		return agent.ApprovalPending, true
	default:
		return "", false
	}
}
