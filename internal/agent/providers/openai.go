package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/agent/toolconv"
)

// OpenAIProvider implements agent.LLMProvider for the OpenAI chat
// completions API and any endpoint compatible with it. OpenRouter and
// Ollama are served by the same type with a different Name and BaseURL.
//
// Tool calls arrive as argument fragments keyed by index; they are
// accumulated and emitted once the stream reports finish_reason
// "tool_calls" or ends.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	models       []agent.Model
	base         BaseProvider
}

// OpenAIConfig holds configuration for an OpenAI-compatible provider.
type OpenAIConfig struct {
	// Name identifies the provider in routing and errors. Default: "openai"
	Name string

	// APIKey is required for hosted endpoints. Local servers such as
	// Ollama accept any value.
	APIKey string

	// BaseURL overrides the endpoint, e.g. "https://openrouter.ai/api/v1".
	BaseURL string

	DefaultModel string

	// Models overrides the advertised model list.
	Models []agent.Model

	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.Name == "" {
		config.Name = "openai"
	}
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("%s: API key is required", config.Name)
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	models := config.Models
	if models == nil && config.Name == "openai" {
		models = []agent.Model{
			{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
			{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextSize: 128000, SupportsVision: true},
			{ID: "o3-mini", Name: "o3-mini", ContextSize: 200000},
		}
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		name:         config.Name,
		defaultModel: config.DefaultModel,
		models:       models,
		base:         NewBaseProvider(config.Name, config.MaxRetries, config.RetryDelay),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Models() []agent.Model {
	return p.models
}

func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// ClassifyError maps a stream error onto the turn error categories.
func (p *OpenAIProvider) ClassifyError(err error) agent.ErrorCategory {
	return ClassifyCategory(err)
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := modelID(p.name, req.Model, p.defaultModel)
	chatReq, err := p.buildRequest(req, model)
	if err != nil {
		return nil, err
	}

	var stream *openai.ChatCompletionStream
	err = p.base.Retry(ctx, IsRetryable, func() error {
		var openErr error
		stream, openErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if openErr != nil {
			return p.wrapError(openErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest, model string) (openai.ChatCompletionRequest, error) {
	messages, err := p.convertMessages(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("%s: failed to convert messages: %w", p.name, err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	chatReq.ReasoningEffort = req.ReasoningEffort
	if req.MaxTokens > 0 {
		// Reasoning models reject max_tokens.
		if req.ReasoningEffort != "" || isReasoningModel(model) {
			chatReq.MaxCompletionTokens = req.MaxTokens
		} else {
			chatReq.MaxTokens = req.MaxTokens
		}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}
	return chatReq, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*agent.ToolCall)
	var inputTokens, outputTokens int

	flushToolCalls := func() bool {
		indexes := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := toolCalls[i]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(strings.TrimSpace(string(tc.Input))) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: tc}) {
				return false
			}
		}
		toolCalls = make(map[int]*agent.ToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if flushToolCalls() {
				send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		delta := choice.Delta
		if delta.ReasoningContent != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Thinking: delta.ReasoningContent}) {
				return
			}
		}
		if delta.Content != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := toolCalls[index]
			if call == nil {
				call = &agent.ToolCall{}
				toolCalls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Input = append(call.Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flushToolCalls() {
				return
			}
		}
	}
}

// convertMessages converts completion messages to the chat format. The
// system prompt becomes the first message and each tool result becomes a
// separate "tool" message.
func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "user", "system":
			oaiMsg := openai.ChatCompletionMessage{Role: msg.Role}
			images := openAIImageParts(msg.Attachments)
			if len(images) == 0 {
				oaiMsg.Content = msg.Content
			} else {
				if msg.Content != "" {
					oaiMsg.MultiContent = append(oaiMsg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					})
				}
				oaiMsg.MultiContent = append(oaiMsg.MultiContent, images...)
			}
			result = append(result, oaiMsg)

		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				if len(tc.Input) > 0 && !json.Valid(tc.Input) {
					return nil, fmt.Errorf("invalid tool call input for %s", tc.Name)
				}
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, oaiMsg)

		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.CallID,
				})
			}

		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}

	return result, nil
}

func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func openAIImageParts(attachments []agent.Attachment) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, att := range attachments {
		if !strings.HasPrefix(att.MediaType, "image/") {
			continue
		}
		if !isHTTPURL(att.Data) && !strings.HasPrefix(att.Data, "data:") {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    att.Data,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil || IsProviderError(err) {
		return err
	}

	providerErr := NewProviderError(p.name, model, err)

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
	case errors.As(err, &reqErr):
		providerErr = providerErr.WithStatus(reqErr.HTTPStatusCode)
	}
	return providerErr.refine()
}
