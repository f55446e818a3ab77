package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultMaxIterations bounds the generation steps of one turn.
const DefaultMaxIterations = 20

// GenerationResolver builds the provider that serves a model. An error means
// the model cannot be served with the available credentials.
type GenerationResolver interface {
	Resolve(ctx context.Context, model string) (LLMProvider, error)
}

// GenerationResolverFunc adapts a function to GenerationResolver.
type GenerationResolverFunc func(ctx context.Context, model string) (LLMProvider, error)

func (f GenerationResolverFunc) Resolve(ctx context.Context, model string) (LLMProvider, error) {
	return f(ctx, model)
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Resolver GenerationResolver
	Store    sessions.Store

	// Tools holds the built-in tools; Providers contribute discovered ones.
	Tools     *ToolRegistry
	Providers []ToolProvider

	Checker *ApprovalChecker
	Ledger  ExecutionLedger

	SystemPrompt  string
	DefaultModel  string
	MaxIterations int
	MaxTokens     int

	DefaultToolTimeout time.Duration
	ToolTimeouts       map[string]time.Duration

	// EventBuffer is the capacity of each turn's event channel.
	EventBuffer int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Now is overridable for tests.
	Now func() time.Time
}

// TurnRequest is one turn: the conversation so far, ending with the new input.
type TurnRequest struct {
	// SessionID names the session to write. A new id is generated when empty.
	SessionID string
	Scope     sessions.Scope

	// Messages is the full history as the client sees it.
	Messages []*models.Message

	Model           string
	ReasoningEffort string
	AutoApprove     bool

	// SystemPrompt overrides the configured system prompt when set.
	SystemPrompt string

	// Gateway is stored on the session when the turn comes from a channel.
	Gateway *models.GatewayMetadata
}

// Orchestrator drives turns: validation, repair, approval resolution, the
// generation loop and persistence.
type Orchestrator struct {
	config OrchestratorConfig
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	if config.Resolver == nil {
		return nil, ErrNoProvider
	}
	if config.Store == nil {
		return nil, errors.New("session store is required")
	}
	if config.Tools == nil {
		config.Tools = NewToolRegistry()
	}
	if config.Checker == nil {
		config.Checker = NewApprovalChecker(nil)
	}
	if config.Ledger == nil {
		config.Ledger = NewMemoryLedger()
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config: config,
		logger: logger.With("component", "orchestrator"),
	}, nil
}

// Checker returns the approval checker, so config reloads can swap policy.
func (o *Orchestrator) Checker() *ApprovalChecker {
	return o.config.Checker
}

// Run validates the request and starts the turn. Validation and credential
// failures are returned synchronously and nothing is persisted. Otherwise
// the returned channel delivers the turn's events and is closed after the
// terminal event. Cancelling ctx aborts the turn.
func (o *Orchestrator) Run(ctx context.Context, req *TurnRequest) (<-chan *models.StreamEvent, error) {
	if err := validateTurn(req); err != nil {
		return nil, err
	}
	scope, err := req.Scope.Normalized()
	if err != nil {
		return nil, invalid("scope", "%v", err)
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = o.config.DefaultModel
	}
	provider, err := o.config.Resolver.Resolve(ctx, model)
	if err != nil {
		var credErr *CredentialError
		if errors.As(err, &credErr) {
			return nil, credErr
		}
		return nil, &CredentialError{Model: model, Cause: err}
	}
	if provider == nil {
		return nil, &CredentialError{Model: model, Cause: ErrNoProvider}
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	t := &turn{
		o:         o,
		req:       req,
		scope:     scope,
		model:     model,
		provider:  provider,
		sessionID: sessionID,
		turnID:    uuid.NewString(),
		events:    make(chan *models.StreamEvent, o.config.EventBuffer),
		started:   o.config.Now(),
		logger:    o.logger.With("session_id", sessionID),
	}
	go t.run(ctx)
	return t.events, nil
}

func validateTurn(req *TurnRequest) error {
	if req == nil {
		return invalid("", "request is required")
	}
	if len(req.Messages) == 0 {
		return invalid("messages", "at least one message is required")
	}
	for i, m := range req.Messages {
		if m == nil {
			return invalid(fmt.Sprintf("messages[%d]", i), "message is null")
		}
		if err := m.Validate(); err != nil {
			return invalid(fmt.Sprintf("messages[%d]", i), "%v", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(req.ReasoningEffort)) {
	case "", "low", "medium", "high":
	default:
		return invalid("reasoningEffort", "must be low, medium or high")
	}
	return nil
}

// turn is the state of one Run.
type turn struct {
	o         *Orchestrator
	req       *TurnRequest
	scope     sessions.Scope
	model     string
	provider  LLMProvider
	sessionID string
	turnID    string
	started   time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	seq    uint64
	closed bool
	events chan *models.StreamEvent

	history      []*models.Message
	produced     []*models.Message
	inputTokens  int
	outputTokens int
	awaiting     bool
}

// emit delivers ev unless the turn context ends first. It is safe to call
// from tool goroutines reporting progress.
func (t *turn) emit(ctx context.Context, ev *models.StreamEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.stamp(ev)
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTerminal sends the final event and closes the stream. When the caller
// has gone away the send is attempted without blocking.
func (t *turn) emitTerminal(ctx context.Context, ev *models.StreamEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.stamp(ev)
	ev.SessionID = t.sessionID
	if ctx.Err() != nil {
		select {
		case t.events <- ev:
		default:
			t.logger.Debug("dropped terminal event, caller gone", "type", ev.Type)
		}
	} else {
		select {
		case t.events <- ev:
		case <-ctx.Done():
		}
	}
	t.closed = true
	close(t.events)
}

func (t *turn) stamp(ev *models.StreamEvent) {
	t.seq++
	ev.Version = models.EventVersion
	ev.Sequence = t.seq
	ev.TurnID = t.turnID
	if ev.Time.IsZero() {
		ev.Time = t.o.config.Now()
	}
}

func (t *turn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ctx, span := t.o.config.Tracer.TraceTurn(ctx, t.sessionID, t.turnID)
	defer span.End()

	t.emit(ctx, &models.StreamEvent{Type: models.EventTurnStarted, SessionID: t.sessionID})

	report := sessions.RepairTranscript(t.req.Messages)
	if report.Changed() {
		t.logger.Debug("repaired history",
			"dangling_calls", sessions.DanglingCalls(t.req.Messages),
			"dropped_calls", report.DroppedCalls,
			"dropped_messages", report.DroppedMessages)
		t.o.config.Metrics.RecordRepair(len(report.DroppedCalls), report.DroppedMessages)
	}
	t.history = append([]*models.Message(nil), report.Messages...)

	tools := BuildToolSet(ctx, t.o.config.Tools, t.logger, t.o.config.Providers...)
	exec := NewExecutor(tools, ExecutorConfig{
		Checker:        t.o.config.Checker,
		Ledger:         t.o.config.Ledger,
		AutoApprove:    t.req.AutoApprove,
		DefaultTimeout: t.o.config.DefaultToolTimeout,
		ToolTimeouts:   t.o.config.ToolTimeouts,
		Logger:         t.logger,
		Metrics:        t.o.config.Metrics,
		Tracer:         t.o.config.Tracer,
	})

	err := t.resolveApprovals(ctx, exec)
	if err == nil {
		err = t.generate(ctx, exec, tools)
	}
	t.finish(ctx, err)
	t.o.config.Tracer.RecordError(span, err)
}

// resolveApprovals executes or denies every answered approval whose call has
// no result yet, before the model runs again.
func (t *turn) resolveApprovals(ctx context.Context, exec *Executor) error {
	calls := map[string]models.Part{}
	approvals := map[string]string{}
	resolved := map[string]bool{}
	for _, m := range t.history {
		for _, p := range m.Parts {
			switch {
			case m.Role == models.RoleAssistant && p.Type == models.PartToolCall:
				calls[p.CallID] = p
			case m.Role == models.RoleAssistant && p.Type == models.PartToolApprovalRequest:
				approvals[p.ApprovalID] = p.CallID
			case m.Role == models.RoleTool && p.Type == models.PartToolResult:
				resolved[p.CallID] = true
			}
		}
	}

	// Results join the tool message that carries the approval response, so
	// they stay next to their calls even when later messages follow.
	for i, m := range t.history {
		if m.Role != models.RoleTool {
			continue
		}
		var results []models.Part
		for _, resp := range m.PartsOf(models.PartToolApprovalResponse) {
			callID, ok := approvals[resp.ApprovalID]
			if !ok {
				t.logger.Warn("approval response without request", "approval_id", resp.ApprovalID)
				continue
			}
			call, ok := calls[callID]
			if !ok || resolved[callID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				t.attachToolResults(i, results)
				return err
			}
			outcome := exec.Resolve(t.toolContext(ctx, callID), call, resp)
			resolved[callID] = true
			results = append(results, *outcome.Result)
			t.emit(ctx, toolResultEvent(*outcome.Result))
		}
		t.attachToolResults(i, results)
	}
	return ctx.Err()
}

// attachToolResults appends results to a copy of the history message at i.
// The caller's message is never modified.
func (t *turn) attachToolResults(i int, results []models.Part) {
	if len(results) == 0 {
		return
	}
	msg := *t.history[i]
	msg.Parts = append(append([]models.Part(nil), msg.Parts...), results...)
	t.history[i] = &msg
}

func (t *turn) appendToolResults(results []models.Part) {
	if len(results) == 0 {
		return
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleTool,
		Parts:     results,
		CreatedAt: t.o.config.Now(),
	}
	t.history = append(t.history, msg)
	t.produced = append(t.produced, msg)
}

func (t *turn) toolContext(ctx context.Context, callID string) context.Context {
	return WithProgress(ctx, func(chunk string) {
		t.emit(ctx, &models.StreamEvent{
			Type: models.EventToolProgress,
			Tool: &models.ToolPayload{CallID: callID, Chunk: chunk},
		})
	})
}

func (t *turn) generate(ctx context.Context, exec *Executor, tools ToolSet) error {
	systemPrompt := t.o.config.SystemPrompt
	if t.req.SystemPrompt != "" {
		systemPrompt = t.req.SystemPrompt
	}

	for step := 1; step <= t.o.config.MaxIterations; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		messages, system := toCompletionMessages(t.history, systemPrompt)
		req := &CompletionRequest{
			Model:           t.model,
			System:          system,
			Messages:        messages,
			MaxTokens:       t.o.config.MaxTokens,
			ReasoningEffort: strings.ToLower(strings.TrimSpace(t.req.ReasoningEffort)),
		}
		if t.provider.SupportsTools() {
			req.Tools = tools.List()
		}

		assistant, err := t.stream(ctx, req, step)
		if assistant != nil {
			t.history = append(t.history, assistant)
			t.produced = append(t.produced, assistant)
		}
		if err != nil {
			return err
		}

		calls := assistant.PartsOf(models.PartToolCall)
		if len(calls) == 0 {
			return nil
		}

		var results []models.Part
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				t.appendToolResults(results)
				return err
			}
			outcome := exec.Execute(t.toolContext(ctx, call.CallID), call)
			if outcome.Suspended() {
				assistant.Parts = append(assistant.Parts, *outcome.Approval)
				t.awaiting = true
				t.emit(ctx, &models.StreamEvent{
					Type: models.EventApprovalRequest,
					Tool: &models.ToolPayload{
						CallID:     call.CallID,
						Name:       call.ToolName,
						Input:      call.Input,
						ApprovalID: outcome.Approval.ApprovalID,
					},
				})
				continue
			}
			results = append(results, *outcome.Result)
			t.emit(ctx, toolResultEvent(*outcome.Result))
		}
		t.appendToolResults(results)

		if t.awaiting {
			return nil
		}
	}
	return ErrMaxIterations
}

// stream runs one generation step. The returned message holds whatever
// arrived, even when the step failed or was cancelled part way.
func (t *turn) stream(ctx context.Context, req *CompletionRequest, step int) (*models.Message, error) {
	stepCtx, span := t.o.config.Tracer.TraceGeneration(ctx, t.provider.Name(), t.model, step)
	defer span.End()

	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		CreatedAt: t.o.config.Now(),
	}
	partial := func() *models.Message {
		if len(msg.Parts) == 0 {
			return nil
		}
		return msg
	}

	chunks, err := t.provider.Complete(stepCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.o.config.Tracer.RecordError(span, err)
		return nil, t.generationError(err)
	}

	for {
		var chunk *CompletionChunk
		var ok bool
		select {
		case chunk, ok = <-chunks:
		case <-ctx.Done():
			return partial(), ctx.Err()
		}
		if !ok {
			if ctx.Err() != nil {
				return partial(), ctx.Err()
			}
			return partial(), nil
		}

		switch {
		case chunk.Error != nil:
			if ctx.Err() != nil {
				return partial(), ctx.Err()
			}
			t.o.config.Tracer.RecordError(span, chunk.Error)
			return partial(), t.generationError(chunk.Error)

		case chunk.ToolCall != nil:
			call := models.ToolCallPart(chunk.ToolCall.ID, chunk.ToolCall.Name, chunk.ToolCall.Input)
			if call.CallID == "" {
				call.CallID = uuid.NewString()
			}
			msg.Parts = append(msg.Parts, call)
			t.emit(ctx, &models.StreamEvent{
				Type: models.EventToolCall,
				Tool: &models.ToolPayload{CallID: call.CallID, Name: call.ToolName, Input: call.Input},
			})
		}

		if chunk.Thinking != "" {
			appendDelta(msg, models.PartReasoning, chunk.Thinking)
			t.emit(ctx, &models.StreamEvent{Type: models.EventReasoningDelta, Delta: &models.DeltaPayload{Text: chunk.Thinking}})
		}
		if chunk.Text != "" {
			appendDelta(msg, models.PartText, chunk.Text)
			t.emit(ctx, &models.StreamEvent{Type: models.EventTextDelta, Delta: &models.DeltaPayload{Text: chunk.Text}})
		}
		if chunk.Done {
			t.inputTokens += chunk.InputTokens
			t.outputTokens += chunk.OutputTokens
			t.o.config.Metrics.RecordTokens(t.provider.Name(), chunk.InputTokens, chunk.OutputTokens)
			return partial(), nil
		}
	}
}

// appendDelta extends the trailing part of the same type or starts a new one,
// so interleaved text and tool calls keep their arrival order.
func appendDelta(msg *models.Message, typ models.PartType, text string) {
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == typ {
		msg.Parts[n-1].Text += text
		return
	}
	msg.Parts = append(msg.Parts, models.Part{Type: typ, Text: text})
}

func (t *turn) generationError(err error) *GenerationError {
	genErr := NewGenerationError(t.provider.Name(), t.model, err, classifierFor(t.provider))
	t.o.config.Metrics.RecordGenerationError(genErr.Provider, string(genErr.Category))
	return genErr
}

// classifierFor lets providers that know their error types classify them.
func classifierFor(p LLMProvider) ErrorClassifier {
	if c, ok := p.(interface{ ClassifyError(error) ErrorCategory }); ok {
		return c.ClassifyError
	}
	return nil
}

// finish persists the turn and emits the terminal event.
func (t *turn) finish(ctx context.Context, runErr error) {
	status := "completed"
	aborted := runErr != nil && ctx.Err() != nil
	if aborted {
		status = "aborted"
	} else if runErr != nil {
		status = "failed"
	}

	saveErr := t.persist(context.WithoutCancel(ctx))

	var terminal *models.StreamEvent
	switch {
	case aborted:
		terminal = &models.StreamEvent{
			Type:     models.EventTurnFinished,
			Finished: t.finishedPayload(models.TurnAborted),
		}
	case runErr != nil:
		terminal = t.errorEvent(runErr)
		if saveErr != nil {
			t.logger.Error("failed to persist failed turn", "error", saveErr)
		}
	case saveErr != nil:
		status = "failed"
		terminal = t.errorEvent(saveErr)
	default:
		terminal = &models.StreamEvent{
			Type:     models.EventTurnFinished,
			Finished: t.finishedPayload(models.TurnCompleted),
		}
	}

	t.o.config.Metrics.TurnFinished(status, t.o.config.Now().Sub(t.started).Seconds())
	t.logger.Info("turn finished",
		"turn_id", t.turnID,
		"status", status,
		"new_messages", len(t.produced),
		"awaiting_approval", t.awaiting)
	t.emitTerminal(ctx, terminal)
}

func (t *turn) finishedPayload(status models.TurnStatus) *models.FinishedPayload {
	var texts []string
	for _, m := range t.produced {
		if m.Role != models.RoleAssistant {
			continue
		}
		if s := strings.TrimSpace(m.Text()); s != "" {
			texts = append(texts, s)
		}
	}
	return &models.FinishedPayload{
		Status:           status,
		Text:             strings.Join(texts, "\n\n"),
		AwaitingApproval: t.awaiting,
		InputTokens:      t.inputTokens,
		OutputTokens:     t.outputTokens,
	}
}

func (t *turn) errorEvent(err error) *models.StreamEvent {
	payload := &models.ErrorPayload{
		Category: string(CategoryUnknown),
		Message:  err.Error(),
		Err:      err,
	}
	var genErr *GenerationError
	var storeErr *storeError
	switch {
	case errors.As(err, &genErr):
		payload.Category = string(genErr.Category)
		payload.Retriable = genErr.Category.Retriable()
	case errors.As(err, &storeErr):
		payload.Category = string(CategoryStore)
		payload.Retriable = true
	}
	return &models.StreamEvent{Type: models.EventTurnError, Error: payload}
}

type storeError struct{ err error }

func (e *storeError) Error() string { return "save session: " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// persist writes the repaired history plus this turn's messages. An existing
// session keeps its id, creation time and title.
func (t *turn) persist(ctx context.Context) error {
	store := t.o.config.Store
	session, err := store.Load(ctx, t.scope, t.sessionID)
	t.o.config.Metrics.RecordStoreOperation("load", ignoreNotFound(err))
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		session = &models.Session{ID: t.sessionID}
	case err != nil:
		t.logger.Error("failed to load session before save", "error", err)
		return &storeError{err: err}
	}
	if t.req.Gateway != nil {
		md := *t.req.Gateway
		session.Metadata = &md
	}
	session.SetMessages(t.history, t.o.config.Now())

	err = store.Save(ctx, t.scope, session)
	t.o.config.Metrics.RecordStoreOperation("save", err)
	if err != nil {
		t.logger.Error("failed to save session", "error", err)
		return &storeError{err: err}
	}
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, sessions.ErrNotFound) {
		return nil
	}
	return err
}

func toolResultEvent(p models.Part) *models.StreamEvent {
	return &models.StreamEvent{
		Type: models.EventToolResult,
		Tool: &models.ToolPayload{
			CallID:  p.CallID,
			Name:    p.ToolName,
			Output:  p.Output,
			IsError: p.IsError,
		},
	}
}
