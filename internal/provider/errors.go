package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrAllProvidersUnavailable is returned when no backend is available even
// after the last-resort reset.
var ErrAllProvidersUnavailable = errors.New("all AI providers unavailable")

// RateLimitError signals that a backend refused the call due to rate limiting.
// RetryAfter is zero when the backend did not say how long to wait.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s rate limited", e.Provider)
}

// RetryableError wraps a transient backend failure (timeout, 5xx) that
// qualifies for failover to the next backend.
type RetryableError struct {
	Provider string
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("provider %s transient failure: %v", e.Provider, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is a rate-limit error.
func IsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsRetryable reports whether err qualifies for failover to another backend.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
