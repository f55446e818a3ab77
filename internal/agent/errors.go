package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrMaxIterations indicates the generation loop exceeded its step limit.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no generation provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrAlreadyExecuted indicates a call id was claimed by an earlier
	// execution that recorded no result.
	ErrAlreadyExecuted = errors.New("tool call already executed")
)

// ValidationError rejects a turn request before anything runs or is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CredentialError reports that no provider could be built for a model,
// typically because no API key was found.
type CredentialError struct {
	Model string
	Cause error
}

func (e *CredentialError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("no credentials for model %q", e.Model)
	}
	return fmt.Sprintf("no credentials for model %q: %v", e.Model, e.Cause)
}

func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// ErrorCategory classifies generation failures for callers.
type ErrorCategory string

const (
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryRateLimited    ErrorCategory = "rate_limited"
	CategoryTransient      ErrorCategory = "transient"
	CategoryContextTooLong ErrorCategory = "context_too_long"
	CategoryUnknown        ErrorCategory = "unknown"

	// CategoryStore is used when a finished turn could not be saved.
	CategoryStore ErrorCategory = "store"
)

// Retriable reports whether repeating the request may succeed.
func (c ErrorCategory) Retriable() bool {
	switch c {
	case CategoryRateLimited, CategoryTransient:
		return true
	default:
		return false
	}
}

// GenerationError is a provider failure normalized to a category. It ends the
// turn with a turn.error event.
type GenerationError struct {
	Category ErrorCategory
	Provider string
	Model    string
	Cause    error
}

func (e *GenerationError) Error() string {
	var b strings.Builder
	b.WriteString("generation failed")
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		if e.Model != "" {
			b.WriteString("/")
			b.WriteString(e.Model)
		}
		b.WriteString("]")
	}
	fmt.Fprintf(&b, " (%s)", e.Category)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// ErrorClassifier maps a provider error to a category. Provider packages
// register richer classifiers; the fallback uses message patterns only.
type ErrorClassifier func(err error) ErrorCategory

// NewGenerationError wraps cause, keeping an existing GenerationError as is.
func NewGenerationError(provider, model string, cause error, classify ErrorClassifier) *GenerationError {
	var genErr *GenerationError
	if errors.As(cause, &genErr) {
		return genErr
	}
	if classify == nil {
		classify = classifyByMessage
	}
	return &GenerationError{
		Category: classify(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
}

func classifyByMessage(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "invalid api key", "authentication", "permission denied"):
		return CategoryAuthentication
	case containsAny(msg, "429", "rate limit", "rate_limit", "too many requests", "quota"):
		return CategoryRateLimited
	case containsAny(msg, "context length", "context_length", "too many tokens", "maximum context", "prompt is too long"):
		return CategoryContextTooLong
	case containsAny(msg, "timeout", "deadline exceeded", "connection", "500", "502", "503", "504", "overloaded", "unavailable"):
		return CategoryTransient
	}
	return CategoryUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ToolExecutionError describes a failed tool call. It is converted into an
// error tool-result and never fails a turn.
type ToolExecutionError struct {
	ToolName string
	CallID   string
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s (%s): %v", e.ToolName, e.CallID, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}
