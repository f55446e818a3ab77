package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/agent/toolconv"
)

// GoogleProvider implements agent.LLMProvider for the Gemini API.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	base         BaseProvider
}

// GoogleConfig holds configuration for creating a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewGoogleProvider creates a Gemini provider using the Gemini API backend.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
	}, nil
}

func (p *GoogleProvider) Name() string {
	return "google"
}

func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1048576, SupportsVision: true},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextSize: 1048576, SupportsVision: true},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextSize: 1048576, SupportsVision: true},
	}
}

func (p *GoogleProvider) SupportsTools() bool {
	return true
}

// ClassifyError maps a stream error onto the turn error categories.
func (p *GoogleProvider) ClassifyError(err error) agent.ErrorCategory {
	return ClassifyCategory(err)
}

// Complete streams a completion. A failed stream is retried only while it
// has not produced any output, so retries never duplicate text.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := modelID(p.Name(), req.Model, p.defaultModel)
	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("google: failed to convert messages: %w", err)
	}
	config := p.buildConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var emitted bool
		var inputTokens, outputTokens int
		retryable := func(err error) bool {
			return !emitted && IsRetryable(err)
		}
		err := p.base.Retry(ctx, retryable, func() error {
			stream := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			var streamErr error
			inputTokens, outputTokens, streamErr = p.processStream(ctx, stream, chunks, &emitted)
			if streamErr != nil {
				return p.wrapError(streamErr, model)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() == nil {
				send(ctx, chunks, &agent.CompletionChunk{Error: err})
			}
			return
		}
		send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
	}()
	return chunks, nil
}

func (p *GoogleProvider) processStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *agent.CompletionChunk, emitted *bool) (int, int, error) {
	var inputTokens, outputTokens int
	emit := func(chunk *agent.CompletionChunk) error {
		if !send(ctx, chunks, chunk) {
			return ctx.Err()
		}
		*emitted = true
		return nil
	}

	for resp, err := range stream {
		if err != nil {
			return 0, 0, err
		}
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		if resp == nil {
			continue
		}
		if usage := resp.UsageMetadata; usage != nil {
			inputTokens = int(usage.PromptTokenCount)
			outputTokens = int(usage.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					chunk := &agent.CompletionChunk{Text: part.Text}
					if part.Thought {
						chunk = &agent.CompletionChunk{Thinking: part.Text}
					}
					if err := emit(chunk); err != nil {
						return 0, 0, err
					}
				}
				if call := part.FunctionCall; call != nil {
					args, jsonErr := json.Marshal(call.Args)
					if jsonErr != nil || call.Args == nil {
						args = []byte("{}")
					}
					id := call.ID
					if id == "" {
						id = "call_" + uuid.NewString()
					}
					if err := emit(&agent.CompletionChunk{ToolCall: &agent.ToolCall{ID: id, Name: call.Name, Input: args}}); err != nil {
						return 0, 0, err
					}
				}
			}
		}
	}
	return inputTokens, outputTokens, nil
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	if budget := thinkingBudget(req.ReasoningEffort); budget > 0 {
		b := int32(budget)
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &b}
	}
	return config
}

// convertGeminiMessages converts completion messages to Gemini contents.
// Gemini matches function responses by name, so each result looks up the
// name of the call it answers.
func convertGeminiMessages(messages []agent.CompletionMessage) ([]*genai.Content, error) {
	callNames := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, att := range msg.Attachments {
			if part := geminiAttachment(att); part != nil {
				content.Parts = append(content.Parts, part)
			}
		}
		for _, tc := range msg.ToolCalls {
			args := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			response := map[string]any{"output": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.CallID,
					Name:     callNames[tr.CallID],
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func geminiAttachment(att agent.Attachment) *genai.Part {
	if mediaType, data, ok := parseDataURL(att.Data); ok {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil
		}
		return &genai.Part{InlineData: &genai.Blob{MIMEType: mediaType, Data: decoded}}
	}
	if isHTTPURL(att.Data) {
		return &genai.Part{FileData: &genai.FileData{FileURI: att.Data, MIMEType: att.MediaType}}
	}
	return nil
}

// wrapError classifies SDK errors. The Gemini SDK exposes status codes only
// through the message text.
func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil || IsProviderError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	providerErr := NewProviderError("google", model, err)
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401") || strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403") || strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "404"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "400"):
		providerErr = providerErr.WithStatus(http.StatusBadRequest)
	case strings.Contains(errMsg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}
	return providerErr.refine()
}
