package providers

import (
	"context"
	"time"
)

// maxRetryDelay caps the wait between two attempts.
const maxRetryDelay = 30 * time.Second

// BaseProvider holds the retry settings shared by the generation adapters.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider returns retry settings with at least one attempt and a
// one second base delay.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Retry runs op up to maxRetries times while isRetryable accepts the error.
// Waits grow linearly, and exponentially when the provider reports a rate
// limit.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if isRetryable == nil || !isRetryable(lastErr) || attempt == b.maxRetries {
			return lastErr
		}

		timer := time.NewTimer(b.backoff(attempt, lastErr))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (b *BaseProvider) backoff(attempt int, err error) time.Duration {
	delay := b.retryDelay * time.Duration(attempt)
	reason := ClassifyError(err)
	if pe, ok := GetProviderError(err); ok {
		reason = pe.Reason
	}
	if reason == FailoverRateLimit {
		delay = b.retryDelay << (attempt - 1)
	}
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}
