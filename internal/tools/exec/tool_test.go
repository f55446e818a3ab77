package exec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell syntax")
	}
}

func runTool(t *testing.T, tool *Tool, ctx context.Context, params map[string]any) (*agent.ToolResult, Result) {
	t.Helper()
	raw, _ := json.Marshal(params)
	result, err := tool.Execute(ctx, raw)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out Result
	_ = json.Unmarshal([]byte(result.Content), &out)
	return result, out
}

func TestRunCommand(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tool := NewTool(NewRunner(root), 0)

	if !tool.RequiresApproval() || tool.Name() != "run_command" {
		t.Fatal("run_command must require approval")
	}

	tests := []struct {
		name     string
		params   map[string]any
		stdout   string
		exitCode int
		isError  bool
	}{
		{name: "echo", params: map[string]any{"command": "echo hello"}, stdout: "hello\n"},
		{name: "cwd", params: map[string]any{"command": "basename \"$PWD\"", "cwd": "sub"}, stdout: "sub\n"},
		{name: "env", params: map[string]any{"command": "printf %s \"$GREETING\"", "env": map[string]string{"GREETING": "hi"}}, stdout: "hi"},
		{name: "stdin", params: map[string]any{"command": "cat", "input": "piped"}, stdout: "piped"},
		{name: "exit code", params: map[string]any{"command": "exit 3"}, exitCode: 3, isError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, out := runTool(t, tool, context.Background(), tt.params)
			if out.Stdout != tt.stdout || out.ExitCode != tt.exitCode || result.IsError != tt.isError {
				t.Errorf("got stdout %q exit %d isError %v: %s", out.Stdout, out.ExitCode, result.IsError, result.Content)
			}
		})
	}

	result, _ := runTool(t, tool, context.Background(), map[string]any{"command": "ls", "cwd": "../.."})
	if !result.IsError || !strings.Contains(result.Content, "escapes workspace") {
		t.Errorf("cwd escape should fail: %s", result.Content)
	}
}

func TestRunCommandStreamsProgress(t *testing.T) {
	skipOnWindows(t)
	tool := NewTool(NewRunner(t.TempDir()), 0)

	var mu sync.Mutex
	var chunks []string
	ctx := agent.WithProgress(context.Background(), func(chunk string) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	})

	_, out := runTool(t, tool, ctx, map[string]any{"command": "echo out; echo err 1>&2"})
	if out.Stdout != "out\n" || out.Stderr != "err\n" {
		t.Fatalf("unexpected output %+v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(chunks, "")
	if !strings.Contains(joined, "out\n") || !strings.Contains(joined, "err\n") {
		t.Errorf("progress chunks = %q", chunks)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	skipOnWindows(t)
	tool := NewTool(NewRunner(t.TempDir()), 0)

	start := time.Now()
	result, out := runTool(t, tool, context.Background(), map[string]any{"command": "sleep 5", "timeout_seconds": 1})
	if time.Since(start) > 4*time.Second {
		t.Fatal("timeout was not enforced")
	}
	if !out.TimedOut || !result.IsError {
		t.Errorf("expected timed out error result: %s", result.Content)
	}
}

func TestRunCommandCancel(t *testing.T) {
	skipOnWindows(t)
	tool := NewTool(NewRunner(t.TempDir()), 0)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	raw, _ := json.Marshal(map[string]any{"command": "sleep 5"})
	if _, err := tool.Execute(ctx, raw); err == nil {
		t.Error("cancelled command should return the context error")
	}
}

func TestLimitedBuffer(t *testing.T) {
	buf := newLimitedBuffer(5)
	_, _ = buf.Write([]byte("abc"))
	_, _ = buf.Write([]byte("defgh"))
	_, _ = buf.Write([]byte("ij"))
	if got := buf.String(); got != "abcde\n[output truncated]" {
		t.Errorf("String() = %q", got)
	}
}
