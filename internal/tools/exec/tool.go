package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/tools/schema"
)

type runInput struct {
	Command        string            `json:"command" jsonschema:"description=Shell command to execute"`
	Cwd            string            `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace"`
	Env            map[string]string `json:"env,omitempty" jsonschema:"description=Environment overrides"`
	Input          string            `json:"input,omitempty" jsonschema:"description=Content passed on stdin"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" jsonschema:"minimum=0,description=Timeout in seconds (0 uses the default)"`
}

// Tool is the run_command tool. Every call requires approval.
type Tool struct {
	runner         *Runner
	defaultTimeout time.Duration
}

// NewTool creates the run_command tool. defaultTimeout applies when the
// call does not set one; zero means no limit.
func NewTool(runner *Runner, defaultTimeout time.Duration) *Tool {
	return &Tool{runner: runner, defaultTimeout: defaultTimeout}
}

func (t *Tool) Name() string { return "run_command" }

func (t *Tool) Description() string {
	return "Run a shell command in the workspace and return its exit code and output. Output streams while the command runs."
}

func (t *Tool) Schema() json.RawMessage { return schema.For[runInput]() }

func (t *Tool) RequiresApproval() bool { return true }

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input runInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	timeout := t.defaultTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}

	result, err := t.runner.Run(ctx, Request{
		Command: input.Command,
		Cwd:     input.Cwd,
		Env:     input.Env,
		Stdin:   input.Input,
		Timeout: timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return toolError(err.Error()), nil
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload), IsError: result.ExitCode != 0}, nil
}

func toolError(message string) *agent.ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
