// Copyright 2024-2026 Aiku AI

package threadline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAuthInvalid means the session is invalid or expired. Callers must not
// retry with the same session; the account needs a fresh login.
var ErrAuthInvalid = errors.New("threadline: invalid or expired session")

// ErrNotFound means the referenced thread, item or user does not exist.
var ErrNotFound = errors.New("threadline: not found")

// RateLimitedError is returned when the server rejects a call for rate
// limiting. RetryAfter is the server-advised wait, or zero if it didn't
// advise one.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("threadline: rate limited, retry after %v", e.RetryAfter)
	}
	return "threadline: rate limited"
}

// NetworkError wraps transport-level failures (timeouts, connection resets,
// malformed responses). Always retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("threadline: network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a rate limit rejection, and if so the
// server-advised retry delay (zero if none was given).
func IsRateLimited(err error) (time.Duration, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying with backoff: network
// errors, rate limits and deadline expiry. Auth errors and not-found are not
// transient.
func IsTransient(err error) bool {
	if _, ok := IsRateLimited(err); ok {
		return true
	}
	var ne *NetworkError
	return errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded)
}
