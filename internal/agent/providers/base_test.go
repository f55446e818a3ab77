package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBaseProviderRetry(t *testing.T) {
	transient := NewProviderError("openai", "gpt-4o", errors.New("boom")).WithStatus(503)
	fatal := NewProviderError("openai", "gpt-4o", errors.New("bad key")).WithStatus(401)

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{name: "first attempt succeeds", errs: []error{nil}, wantCalls: 1},
		{name: "retries transient", errs: []error{transient, transient, nil}, wantCalls: 3},
		{name: "stops on fatal", errs: []error{fatal, nil}, wantCalls: 1, wantErr: fatal},
		{name: "gives up after max", errs: []error{transient, transient, transient, nil}, wantCalls: 3, wantErr: transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := NewBaseProvider("openai", 3, time.Millisecond)
			calls := 0
			err := base.Retry(context.Background(), IsRetryable, func() error {
				err := tt.errs[calls]
				calls++
				return err
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !errors.Is(err, tt.wantErr) && err != tt.wantErr {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBaseProviderRetryStopsOnCancel(t *testing.T) {
	base := NewBaseProvider("anthropic", 5, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := base.Retry(ctx, IsRetryable, func() error {
		calls++
		cancel()
		return NewProviderError("anthropic", "claude", errors.New("overloaded")).WithStatus(529)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBaseProviderBackoff(t *testing.T) {
	base := NewBaseProvider("openai", 5, time.Second)
	rateLimited := NewProviderError("openai", "gpt-4o", errors.New("slow down")).WithStatus(429)
	server := NewProviderError("openai", "gpt-4o", errors.New("oops")).WithStatus(500)

	tests := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{attempt: 1, err: server, want: time.Second},
		{attempt: 3, err: server, want: 3 * time.Second},
		{attempt: 1, err: rateLimited, want: time.Second},
		{attempt: 4, err: rateLimited, want: 8 * time.Second},
		{attempt: 10, err: rateLimited, want: maxRetryDelay},
	}
	for _, tt := range tests {
		if got := base.backoff(tt.attempt, tt.err); got != tt.want {
			t.Errorf("backoff(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
		}
	}
}
