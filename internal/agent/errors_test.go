package agent

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyByMessage(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{errors.New("401 Unauthorized"), CategoryAuthentication},
		{errors.New("invalid API key provided"), CategoryAuthentication},
		{errors.New("429 Too Many Requests"), CategoryRateLimited},
		{errors.New("rate limit exceeded"), CategoryRateLimited},
		{errors.New("prompt is too long: 250000 tokens"), CategoryContextTooLong},
		{errors.New("503 service unavailable"), CategoryTransient},
		{errors.New("dial tcp: connection refused"), CategoryTransient},
		{errors.New("something odd"), CategoryUnknown},
		{nil, CategoryUnknown},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := classifyByMessage(tt.err); got != tt.want {
				t.Errorf("classifyByMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorCategory_Retriable(t *testing.T) {
	retriable := map[ErrorCategory]bool{
		CategoryAuthentication: false,
		CategoryRateLimited:    true,
		CategoryTransient:      true,
		CategoryContextTooLong: false,
		CategoryUnknown:        false,
		CategoryStore:          false,
	}
	for c, want := range retriable {
		if got := c.Retriable(); got != want {
			t.Errorf("%s.Retriable() = %v, want %v", c, got, want)
		}
	}
}

func TestNewGenerationError(t *testing.T) {
	cause := errors.New("429 slow down")
	err := NewGenerationError("anthropic", "claude", cause, nil)
	if err.Category != CategoryRateLimited {
		t.Errorf("Category = %q", err.Category)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
	want := "generation failed [anthropic/claude] (rate_limited): 429 slow down"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	custom := NewGenerationError("x", "y", errors.New("whatever"), func(error) ErrorCategory { return CategoryTransient })
	if custom.Category != CategoryTransient {
		t.Errorf("custom classifier ignored: %q", custom.Category)
	}

	wrapped := fmt.Errorf("stream: %w", err)
	if again := NewGenerationError("other", "z", wrapped, nil); again != err {
		t.Error("existing GenerationError should be kept")
	}
}

func TestValidationAndCredentialErrors(t *testing.T) {
	if got := invalid("messages", "must not be empty").Error(); got != "invalid request: messages: must not be empty" {
		t.Errorf("ValidationError = %q", got)
	}
	cause := errors.New("ANTHROPIC_API_KEY not set")
	credErr := &CredentialError{Model: "claude", Cause: cause}
	if !errors.Is(credErr, cause) {
		t.Error("CredentialError should unwrap")
	}
}
