package agent

import (
	"encoding/json"
	"regexp"
	"sync"
)

// ApprovalDecision represents the result of an approval check for a tool call.
type ApprovalDecision string

const (
	// ApprovalAllowed means the tool call is allowed to execute.
	ApprovalAllowed ApprovalDecision = "allowed"
	// ApprovalDenied means the tool call is denied.
	ApprovalDenied ApprovalDecision = "denied"
	// ApprovalPending means the tool call requires user approval.
	ApprovalPending ApprovalDecision = "pending"
)

// ApprovalPolicy configures approval behavior for tool execution including
// allow/deny lists and default decisions.
type ApprovalPolicy struct {
	// Allowlist contains tools that never need approval unless their input
	// looks dangerous. Supports patterns like "mcp_github_*", "read_*".
	Allowlist []string `yaml:"allowlist" json:"allowlist"`

	// Denylist contains tools that are always denied.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// RequireApproval contains tools that always require approval.
	RequireApproval []string `yaml:"require_approval" json:"require_approval"`

	// DangerousPatterns are extra regular expressions matched against the
	// string values of a call's input. A match requires approval.
	DangerousPatterns []string `yaml:"dangerous_patterns" json:"dangerous_patterns"`

	// DefaultDecision when no rule matches (default: "allowed").
	DefaultDecision ApprovalDecision `yaml:"default_decision" json:"default_decision"`
}

// DefaultApprovalPolicy returns a policy that gates only approval-class
// tools and dangerous commands.
func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{
		DefaultDecision: ApprovalAllowed,
	}
}

// defaultDangerousPatterns flag destructive shell usage in any tool input.
var defaultDangerousPatterns = []string{
	`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`,
	`\bmkfs\b`,
	`\bdd\s+.*of=/dev/`,
	`>\s*/dev/sd`,
	`\bchmod\s+(-R\s+)?777\b`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`\b(shutdown|reboot|halt|poweroff)\b`,
	`\bgit\s+push\s+.*--force\b`,
	`\bcurl\b.*\|\s*(ba|z)?sh\b`,
	`\bsudo\b`,
}

// ApprovalChecker evaluates tool calls against the approval policy.
//
// Evaluation order: denylist, auto-approve, allowlist, the tool's own
// approval class, require_approval patterns, dangerous input patterns,
// default decision. The denylist applies even when auto-approve is set.
type ApprovalChecker struct {
	mu        sync.RWMutex
	policy    *ApprovalPolicy
	dangerous []*regexp.Regexp
}

// NewApprovalChecker creates a checker. If policy is nil,
// DefaultApprovalPolicy is used.
func NewApprovalChecker(policy *ApprovalPolicy) *ApprovalChecker {
	c := &ApprovalChecker{}
	c.SetPolicy(policy)
	return c
}

// SetPolicy swaps the active policy. Invalid dangerous patterns are skipped;
// config validation reports them before they get here.
func (c *ApprovalChecker) SetPolicy(policy *ApprovalPolicy) {
	policy = normalizeApprovalPolicy(policy)
	patterns := make([]*regexp.Regexp, 0, len(defaultDangerousPatterns)+len(policy.DangerousPatterns))
	for _, p := range append(append([]string(nil), defaultDangerousPatterns...), policy.DangerousPatterns...) {
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			patterns = append(patterns, re)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
	c.dangerous = patterns
}

// Policy returns the active policy. Treat it as read-only.
func (c *ApprovalChecker) Policy() *ApprovalPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// Check evaluates whether a call to tool with input should run, be denied, or
// wait for a human decision. The reason explains the decision.
func (c *ApprovalChecker) Check(tool Tool, input json.RawMessage, autoApprove bool) (ApprovalDecision, string) {
	c.mu.RLock()
	policy := c.policy
	dangerous := c.dangerous
	c.mu.RUnlock()

	name := tool.Name()

	if matchesToolPatterns(policy.Denylist, name) {
		return ApprovalDenied, "tool in denylist"
	}
	if autoApprove {
		return ApprovalAllowed, "auto-approve enabled"
	}

	risky := matchesDangerous(dangerous, input)
	if matchesToolPatterns(policy.Allowlist, name) && !risky {
		return ApprovalAllowed, "tool in allowlist"
	}
	if tool.RequiresApproval() {
		return ApprovalPending, "tool requires approval"
	}
	if matchesToolPatterns(policy.RequireApproval, name) {
		return ApprovalPending, "tool matches require_approval"
	}
	if risky {
		return ApprovalPending, "input matches a dangerous pattern"
	}
	return policy.DefaultDecision, "default policy"
}

// matchesDangerous checks every string value in the input, so a command is
// caught whichever field carries it.
func matchesDangerous(patterns []*regexp.Regexp, input json.RawMessage) bool {
	if len(patterns) == 0 || len(input) == 0 {
		return false
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return matchesAnyPattern(patterns, string(input))
	}
	found := false
	walkStrings(decoded, func(s string) {
		if !found && matchesAnyPattern(patterns, s) {
			found = true
		}
	})
	return found
}

func matchesAnyPattern(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}

func normalizeApprovalPolicy(policy *ApprovalPolicy) *ApprovalPolicy {
	if policy == nil {
		return DefaultApprovalPolicy()
	}
	clone := *policy
	clone.Allowlist = append([]string(nil), policy.Allowlist...)
	clone.Denylist = append([]string(nil), policy.Denylist...)
	clone.RequireApproval = append([]string(nil), policy.RequireApproval...)
	clone.DangerousPatterns = append([]string(nil), policy.DangerousPatterns...)
	switch clone.DefaultDecision {
	case ApprovalAllowed, ApprovalDenied, ApprovalPending:
	default:
		clone.DefaultDecision = ApprovalAllowed
	}
	return &clone
}
