package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// ExecutorConfig configures tool execution for a turn.
type ExecutorConfig struct {
	// Checker decides whether calls run, wait for approval, or are denied.
	// Nil uses DefaultApprovalPolicy.
	Checker *ApprovalChecker

	// Ledger enforces at-most-once execution. Nil uses a private
	// MemoryLedger, which only deduplicates within the executor.
	Ledger ExecutionLedger

	// AutoApprove skips approval gating. The denylist still applies.
	AutoApprove bool

	// DefaultTimeout bounds each execution. Zero means no limit beyond ctx.
	DefaultTimeout time.Duration

	// ToolTimeouts overrides DefaultTimeout per tool name.
	ToolTimeouts map[string]time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// ExecutionOutcome is what a tool call produced: either a tool-result part or,
// when the call waits for a human, a tool-approval-request part.
type ExecutionOutcome struct {
	Result   *models.Part
	Approval *models.Part

	// Replayed is set when the ledger already held this call and its
	// recorded result was returned instead of running the tool again.
	Replayed bool
}

// Suspended reports whether the call is waiting for approval.
func (o ExecutionOutcome) Suspended() bool {
	return o.Approval != nil
}

// Executor runs tool calls for one turn.
type Executor struct {
	tools  ToolSet
	config ExecutorConfig
	logger *slog.Logger
}

// NewExecutor creates an executor over the turn's tool set.
func NewExecutor(tools ToolSet, config ExecutorConfig) *Executor {
	if config.Checker == nil {
		config.Checker = NewApprovalChecker(nil)
	}
	if config.Ledger == nil {
		config.Ledger = NewMemoryLedger()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tools:  tools,
		config: config,
		logger: logger.With("component", "tool-executor"),
	}
}

// Execute handles a tool call freshly produced by the model.
func (e *Executor) Execute(ctx context.Context, call models.Part) ExecutionOutcome {
	tool, errResult := e.prepare(call)
	if errResult != nil {
		return ExecutionOutcome{Result: errResult}
	}

	decision, reason := e.config.Checker.Check(tool, call.Input, e.config.AutoApprove)
	switch decision {
	case ApprovalDenied:
		e.config.Metrics.RecordToolExecution(call.ToolName, "denied", 0)
		e.logger.Info("tool call denied by policy", "tool", call.ToolName, "call_id", call.CallID, "reason", reason)
		return ExecutionOutcome{Result: errorResult(call, "denied by policy: "+reason)}
	case ApprovalPending:
		approval := models.ApprovalRequestPart(uuid.NewString(), call.CallID)
		e.config.Metrics.RecordToolExecution(call.ToolName, "pending", 0)
		e.config.Metrics.RecordApproval("requested")
		e.logger.Info("tool call awaiting approval",
			"tool", call.ToolName,
			"call_id", call.CallID,
			"approval_id", approval.ApprovalID,
			"reason", reason)
		return ExecutionOutcome{Approval: &approval}
	}
	return e.run(ctx, tool, call)
}

// Resolve handles a call whose approval request has been answered. A denied
// call gets a denial result carrying the user's reason and is never run.
func (e *Executor) Resolve(ctx context.Context, call, response models.Part) ExecutionOutcome {
	if !response.Approved {
		e.config.Metrics.RecordApproval("denied")
		msg := "denied by user"
		if r := strings.TrimSpace(response.Reason); r != "" {
			msg += ": " + r
		}
		return ExecutionOutcome{Result: errorResult(call, msg)}
	}
	e.config.Metrics.RecordApproval("approved")

	tool, errResult := e.prepare(call)
	if errResult != nil {
		return ExecutionOutcome{Result: errResult}
	}
	// Approval overrides gating but a policy reload may have denylisted
	// the tool since the request was made.
	if decision, reason := e.config.Checker.Check(tool, call.Input, true); decision == ApprovalDenied {
		return ExecutionOutcome{Result: errorResult(call, "denied by policy: "+reason)}
	}
	return e.run(ctx, tool, call)
}

func (e *Executor) prepare(call models.Part) (Tool, *models.Part) {
	if len(call.ToolName) > MaxToolNameLength {
		return nil, errorResult(call, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	tool, ok := e.tools.Get(call.ToolName)
	if !ok {
		e.config.Metrics.RecordToolExecution(call.ToolName, "unknown", 0)
		return nil, errorResult(call, fmt.Sprintf("%s: %s", ErrToolNotFound, call.ToolName))
	}
	if len(call.Input) > MaxToolParamsSize {
		return nil, errorResult(call, fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize))
	}
	if err := validateToolInput(tool.Schema(), call.Input); err != nil {
		e.config.Metrics.RecordToolExecution(call.ToolName, "invalid", 0)
		return nil, errorResult(call, "invalid input: "+err.Error())
	}
	return tool, nil
}

func (e *Executor) run(ctx context.Context, tool Tool, call models.Part) ExecutionOutcome {
	claimed, prior, err := e.config.Ledger.Claim(ctx, call.CallID, call.ToolName)
	if err != nil {
		e.logger.Error("execution ledger unavailable", "call_id", call.CallID, "error", err)
		return ExecutionOutcome{Result: errorResult(call, "execution ledger unavailable")}
	}
	if !claimed {
		e.config.Metrics.RecordToolExecution(call.ToolName, "replayed", 0)
		if prior != nil && prior.Result != nil {
			part := models.ToolResultPart(call.CallID, call.ToolName, models.TextOutput(prior.Result.Content), prior.Result.IsError)
			return ExecutionOutcome{Result: &part, Replayed: true}
		}
		return ExecutionOutcome{Result: errorResult(call, ErrAlreadyExecuted.Error()), Replayed: true}
	}

	start := time.Now()
	ctx, span := e.config.Tracer.TraceToolExecution(ctx, call.ToolName, call.CallID)
	result, execErr := e.invoke(ctx, tool, call)
	if execErr != nil {
		e.config.Tracer.RecordError(span, execErr)
		result = &ToolResult{Content: execErr.Error(), IsError: true}
		e.logger.Warn("tool execution failed", "tool", call.ToolName, "call_id", call.CallID, "error", execErr)
	}
	span.End()

	outcome := "success"
	if result.IsError {
		outcome = "error"
	}
	e.config.Metrics.RecordToolExecution(call.ToolName, outcome, time.Since(start).Seconds())

	if err := e.config.Ledger.Complete(context.WithoutCancel(ctx), call.CallID, result); err != nil {
		e.logger.Error("failed to record tool result", "call_id", call.CallID, "error", err)
	}

	part := models.ToolResultPart(call.CallID, call.ToolName, models.TextOutput(result.Content), result.IsError)
	return ExecutionOutcome{Result: &part}
}

// invoke runs the tool, turning panics and error returns into a
// ToolExecutionError.
func (e *Executor) invoke(ctx context.Context, tool Tool, call models.Part) (result *ToolResult, err error) {
	timeout := e.config.DefaultTimeout
	if t, ok := e.config.ToolTimeouts[call.ToolName]; ok {
		timeout = t
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", call.ToolName, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = &ToolExecutionError{ToolName: call.ToolName, CallID: call.CallID, Cause: fmt.Errorf("%w: %v", ErrToolPanic, r)}
		}
	}()

	result, err = tool.Execute(ctx, call.Input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			err = fmt.Errorf("execution timed out after %s", timeout)
		}
		return nil, &ToolExecutionError{ToolName: call.ToolName, CallID: call.CallID, Cause: err}
	}
	if result == nil {
		result = &ToolResult{}
	}
	return result, nil
}

func errorResult(call models.Part, msg string) *models.Part {
	part := models.ToolResultPart(call.CallID, call.ToolName, models.TextOutput(msg), true)
	return &part
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateToolInput checks input against the tool's schema. A tool without a
// schema accepts any JSON value; a schema that does not compile is treated
// as absent.
func validateToolInput(schema, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil
	}
	return compiled.Validate(decoded)
}

type progressKey struct{}

// ProgressFunc receives incremental output from a running tool.
type ProgressFunc func(chunk string)

// WithProgress binds a progress reporter to ctx. The orchestrator binds one
// per tool call.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards a chunk of partial output to the caller, if a
// reporter is bound. Safe to call from goroutines started by the tool.
func ReportProgress(ctx context.Context, chunk string) {
	if chunk == "" {
		return
	}
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(chunk)
	}
}
