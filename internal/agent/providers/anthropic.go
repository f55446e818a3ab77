// Package providers implements agent.LLMProvider for the hosted model APIs
// parley talks to: Anthropic, OpenAI (and OpenAI-compatible endpoints such
// as OpenRouter and Ollama) and Google Gemini.
//
// Every provider streams: Complete returns a channel of chunks that ends
// with a Done chunk or a chunk carrying an error. Errors are wrapped in
// ProviderError so the orchestrator can classify them through the
// provider's ClassifyError method.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/agent/toolconv"
)

// AnthropicProvider implements agent.LLMProvider for Anthropic's Claude API.
//
// It is safe for concurrent use; each Complete call opens an independent
// stream served by its own goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	base         BaseProvider
}

// AnthropicConfig holds configuration for creating an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, mostly for tests and proxies.
	BaseURL string

	// MaxRetries bounds attempts to open a stream. Default: 3
	MaxRetries int

	// RetryDelay is the base delay between attempts. Default: 1 second
	RetryDelay time.Duration

	// DefaultModel is used when the request names no model.
	DefaultModel string
}

// NewAnthropicProvider creates a provider. An empty API key is an error.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	// Retries are handled by BaseProvider so they can see classified errors.
	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// ClassifyError maps a stream error onto the turn error categories.
func (p *AnthropicProvider) ClassifyError(err error) agent.ErrorCategory {
	return ClassifyCategory(err)
}

// Complete streams a completion. Conversion errors are returned directly;
// API errors arrive as an error chunk.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := modelID(p.Name(), req.Model, p.defaultModel)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		// The SDK opens the connection lazily, so an attempt is only
		// considered successful once the first event arrives.
		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.base.Retry(ctx, IsRetryable, func() error {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if stream.Next() {
				return nil
			}
			err := stream.Err()
			stream.Close()
			if err == nil {
				err = errors.New("anthropic: stream closed before any event")
			}
			return p.wrapError(err, model)
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: err})
			return
		}
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := int64(getMaxTokens(req.MaxTokens))
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	if budget := thinkingBudget(req.ReasoningEffort); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		// The budget is part of max_tokens and must leave room for the answer.
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + maxTokens
		}
	}
	return params, nil
}

// maxEmptyStreamEvents is the number of consecutive events without output
// after which the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// processStream converts SSE events into chunks. The first event has
// already been read by Complete and is available through Current.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentToolCall *agent.ToolCall
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int
	emptyEventCount := 0

	for {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &agent.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			} else {
				processed = false
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch {
			case delta.Type == "text_delta" && delta.Text != "":
				processed = send(ctx, chunks, &agent.CompletionChunk{Text: delta.Text})
			case delta.Type == "thinking_delta" && delta.Thinking != "":
				processed = send(ctx, chunks, &agent.CompletionChunk{Thinking: delta.Thinking})
			case delta.Type == "input_json_delta" && delta.PartialJSON != "":
				currentToolInput.WriteString(delta.PartialJSON)
			default:
				processed = false
			}

		case "content_block_stop":
			if currentToolCall == nil {
				processed = false
				break
			}
			input := currentToolInput.String()
			if strings.TrimSpace(input) == "" {
				input = "{}"
			}
			currentToolCall.Input = json.RawMessage(input)
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: currentToolCall}) {
				return
			}
			currentToolCall = nil

		case "message_delta":
			if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
				outputTokens = int(n)
			}

		case "message_stop":
			send(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return

		case "error":
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)})
			return

		default:
			processed = false
		}

		if ctx.Err() != nil {
			return
		}
		if processed {
			emptyEventCount = 0
		} else if emptyEventCount++; emptyEventCount >= maxEmptyStreamEvents {
			send(ctx, chunks, &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount), model),
			})
			return
		}

		if !stream.Next() {
			break
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
		return
	}
	send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// convertMessages converts completion messages into Anthropic content
// blocks. Tool results travel in user messages.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, att := range msg.Attachments {
			if block, ok := anthropicImageBlock(att); ok {
				content = append(content, block)
			}
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func anthropicImageBlock(att agent.Attachment) (anthropic.ContentBlockParamUnion, bool) {
	if mediaType, data, ok := parseDataURL(att.Data); ok {
		if !supportedImageType(mediaType) {
			return anthropic.ContentBlockParamUnion{}, false
		}
		return anthropic.NewImageBlockBase64(mediaType, data), true
	}
	if isHTTPURL(att.Data) && strings.HasPrefix(att.MediaType, "image/") {
		return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: att.Data}), true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Reason:   FailoverUnknown,
	}).WithStatus(apiErr.StatusCode)

	requestID := apiErr.RequestID
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr = providerErr.WithMessage(payload.Error.Message)
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				requestID = payload.RequestID
			}
		}
	}
	if providerErr.Message == "" {
		providerErr.Message = "anthropic request failed"
	}
	if requestID != "" {
		providerErr = providerErr.WithRequestID(requestID)
	}
	return providerErr.refine()
}
