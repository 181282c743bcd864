package upstream

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxRetries   = 8
	defaultRetryAfter   = time.Second
	retryAfterSafetyGap = 250 * time.Millisecond
)

// RetryPolicy decides, after the attempt-th call (zero based) came back
// rate limited with the given hint, how long to wait before the next call.
// Returning false stops retrying.
type RetryPolicy func(attempt int, hint time.Duration) (time.Duration, bool)

// DefaultRetryPolicy waits the server hint plus a small safety gap and gives
// up after maxRetries retries, so at most maxRetries+1 calls are made.
func DefaultRetryPolicy(maxRetries int) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return func(attempt int, hint time.Duration) (time.Duration, bool) {
		if attempt >= maxRetries {
			return 0, false
		}
		if hint < 0 {
			hint = defaultRetryAfter
		}
		return hint + retryAfterSafetyGap, true
	}
}

// retryAfterHint reads Retry-After as whole seconds. Missing or malformed
// values fall back to one second; "0" means retry right after the gap.
func retryAfterHint(header http.Header) time.Duration {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return defaultRetryAfter
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return defaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}
