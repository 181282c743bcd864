package upstream

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is returned when a single call exceeds its own timeout.
type TimeoutError struct {
	Service string
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s calling %s", e.Service, e.Timeout, e.URL)
}

// RateLimitExceeded is returned when 429 responses outlast the retry policy.
type RateLimitExceeded struct {
	Service  string
	Attempts int
	LastHint time.Duration
	// DeadlineHit is true when retries stopped because the aggregation
	// deadline passed rather than because the retry budget ran out.
	DeadlineHit bool
}

func (e *RateLimitExceeded) Error() string {
	if e.DeadlineHit {
		return fmt.Sprintf("%s rate limited, deadline reached after %d attempt(s)", e.Service, e.Attempts)
	}
	return fmt.Sprintf("%s rate limited after %d attempt(s)", e.Service, e.Attempts)
}

// HTTPError is a non-2xx, non-429 response.
type HTTPError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Service, e.StatusCode, e.Message)
}

// APIError is an application-level failure reported inside a 2xx payload
// (for example {"ok": false, "error": "channel_not_found"}).
type APIError struct {
	Service string
	Code    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: %s", e.Service, e.Code)
}

func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

func IsRateLimited(err error) bool {
	var target *RateLimitExceeded
	return errors.As(err, &target)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var target *HTTPError
	if errors.As(err, &target) {
		return target.StatusCode
	}
	return 0
}

// APICode returns the application error code carried by err, or "".
func APICode(err error) string {
	var target *APIError
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}
