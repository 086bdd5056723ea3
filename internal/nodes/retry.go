package nodes

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/axiomiq/flowrun/pkg/schema"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second

	// Fixed retry cap for tool calls without an explicit maxRetries.
	defaultToolRetries = 3
)

// IsTransient classifies whether an error is worth retrying. Structured
// errors carry their own classification; otherwise network errors and
// common gateway failure strings qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Context cancelled means the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		if transient, ok := flowErr.Details["transient"].(bool); ok {
			return transient
		}
		return flowErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// BackoffDelay returns the exponential delay before retry attempt n
// (0-based), capped at retryMaxDelay.
func BackoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}

// waitBackoff sleeps for the delay or returns early when ctx is done.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs call, retrying transient failures up to maxRetries
// times with exponential backoff. It returns the number of retries
// performed alongside the final result.
func withRetry[T any](ctx context.Context, maxRetries int, call func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := call(ctx)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
		if attempt >= maxRetries || !IsTransient(err) {
			return zero, attempt, lastErr
		}
		if waitErr := waitBackoff(ctx, BackoffDelay(attempt)); waitErr != nil {
			return zero, attempt, schema.NewError(schema.ErrKindCancelled, "execution cancelled during retry backoff").
				WithCause(waitErr)
		}
	}
}
