// Package exec provides the run_command tool.
package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/tools/files"
)

const (
	defaultMaxOutput = 64000
	waitDelay        = 2 * time.Second
)

// Runner executes shell commands inside the workspace.
type Runner struct {
	resolver  files.Resolver
	maxOutput int
}

// NewRunner creates a runner scoped to the workspace.
func NewRunner(workspace string) *Runner {
	return &Runner{
		resolver:  files.Resolver{Root: workspace},
		maxOutput: defaultMaxOutput,
	}
}

// Result summarizes a finished command.
type Result struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Request describes one command invocation.
type Request struct {
	Command string
	Cwd     string
	Env     map[string]string
	Stdin   string
	Timeout time.Duration
}

// Run executes req and waits for it. Output is streamed to the turn as
// progress while it is produced. A non-zero exit is reported in the Result,
// not as an error.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return Result{}, fmt.Errorf("command is required")
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	dir, err := r.resolver.Resolve(firstNonEmpty(req.Cwd, "."))
	if err != nil {
		return Result{}, err
	}

	cmd := shellCommand(runCtx, command)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	progress := &progressSink{ctx: ctx}
	stdout := &streamWriter{buf: newLimitedBuffer(r.maxOutput), sink: progress}
	stderr := &streamWriter{buf: newLimitedBuffer(r.maxOutput), sink: progress}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	result := Result{
		Command:  command,
		Cwd:      r.resolver.Rel(dir),
		Stdout:   stdout.buf.String(),
		Stderr:   stderr.buf.String(),
		ExitCode: exitCode(runErr),
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

// progressSink forwards output chunks to the turn's progress reporter.
// Stdout and stderr are copied on separate goroutines, so reports are
// serialized.
type progressSink struct {
	ctx context.Context
	mu  sync.Mutex
}

func (s *progressSink) report(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent.ReportProgress(s.ctx, chunk)
}

type streamWriter struct {
	buf  *limitedBuffer
	sink *progressSink
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.sink.report(string(p))
	return w.buf.Write(p)
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		if remaining > 0 {
			b.buf = append(b.buf, p[:remaining]...)
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "\n[output truncated]"
	}
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
