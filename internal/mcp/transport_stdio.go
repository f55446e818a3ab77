package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const maxStdioLine = 4 << 20

// StdioTransport runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC over its stdin and stdout.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *rpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(cfg *ServerConfig, logger *slog.Logger) *StdioTransport {
	return &StdioTransport{
		config:  cfg,
		logger:  logger.With("mcp_server", cfg.ID, "transport", "stdio"),
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
}

// Connect starts the subprocess. The process outlives ctx; it is stopped by
// Close.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if t.config.WorkDir != "" {
		cmd.Dir = t.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.process = cmd
	t.stdin = stdin
	t.connected.Store(true)
	t.logger.Info("started MCP server process", "command", t.config.Command, "pid", cmd.Process.Pid)

	t.wg.Add(2)
	go t.readLoop(stdout)
	go t.logStderr(stderr)
	return nil
}

// Close stops the subprocess and fails pending calls.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			_ = t.process.Process.Kill()
			t.wg.Wait()
			_ = t.process.Wait()
		}
	})
	return nil
}

// Call sends a request and waits for the matching response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	data, err := newRequest(&id, method, params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(t.config.timeout())
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: request timeout after %v", method, t.config.timeout())
	case <-t.done:
		return nil, ErrNotConnected
	}
}

// Notify sends a notification.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	data, err := newRequest(nil, method, params)
	if err != nil {
		return err
	}
	if err := t.write(data); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (t *StdioTransport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.stdin.Write(append(data, '\n'))
	return err
}

// Connected returns whether the transport is connected.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

func (t *StdioTransport) dispatch(line []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.logger.Debug("ignoring non-JSON output", "line", string(line))
		return
	}
	if resp.Method != "" {
		// Server notifications and requests are not used.
		t.logger.Debug("ignoring server message", "method", resp.Method)
		return
	}
	id, ok := responseID(resp.ID)
	if !ok {
		t.logger.Warn("response without usable id", "id", string(resp.ID))
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.pendingMu.Unlock()
	if ok {
		ch <- &resp
	}
}

func (t *StdioTransport) logStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}
