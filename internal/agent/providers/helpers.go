package providers

import (
	"context"
	"strings"

	"github.com/haasonsaas/parley/internal/agent"
)

const defaultMaxTokens = 4096

func getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return defaultMaxTokens
	}
	return maxTokens
}

// thinkingBudget maps a reasoning effort onto a token budget for providers
// that take an explicit budget. Zero disables reasoning.
func thinkingBudget(effort string) int64 {
	switch effort {
	case "low":
		return 2048
	case "medium":
		return 8192
	case "high":
		return 16384
	default:
		return 0
	}
}

// modelID resolves the model for a request and strips a leading
// "<provider>/" routing prefix.
func modelID(provider, requested, fallback string) string {
	model := strings.TrimSpace(requested)
	if model == "" {
		model = fallback
	}
	return strings.TrimPrefix(model, provider+"/")
}

// send delivers a chunk unless ctx ends first.
func send(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseDataURL splits a base64 data URI into media type and payload.
func parseDataURL(value string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(value, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	header, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", "", false
	}
	if i := strings.IndexByte(header, ';'); i >= 0 {
		header = header[:i]
	}
	return strings.ToLower(header), payload, true
}

func isHTTPURL(value string) bool {
	return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
}

func supportedImageType(mediaType string) bool {
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}
