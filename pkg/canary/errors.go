package canary

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQueueFull is returned by Enqueue when the bounded queue is at
	// capacity. The diff is not accepted.
	ErrQueueFull = errors.New("canary queue at capacity")

	// ErrPayloadTooLarge marks an encoded request body that exceeds the
	// configured limit. It is never retried.
	ErrPayloadTooLarge = errors.New("canary payload too large")

	// ErrSession marks session token acquisition or keepalive failures.
	ErrSession = errors.New("canary session error")
)

// StatusError carries a non-2xx response from the Canary API. Body is
// truncated, it is only used for session invalidation checks and logging.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("canary request failed with status %d: %s", e.StatusCode, e.Body)
}

// isSessionError reports whether the response indicates an expired or
// rejected session token. The write API signals this with 401/403 or a body
// mentioning the session token.
func isSessionError(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	if statusErr.StatusCode == 401 || statusErr.StatusCode == 403 {
		return true
	}
	return strings.Contains(statusErr.Body, "BadSessionToken") ||
		strings.Contains(statusErr.Body, "sessionToken")
}

// isRetriable classifies an error for the dispatch retry loop. Oversize
// payloads and non-session 4xx responses are permanent, everything else
// (network failures, 5xx, 429) is worth another attempt.
func isRetriable(err error) bool {
	if errors.Is(err, ErrPayloadTooLarge) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 || statusErr.StatusCode == 429 {
			return true
		}
		return isSessionError(err)
	}
	return true
}
