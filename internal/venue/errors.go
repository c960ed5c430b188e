package venue

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotSupported marks a capability a venue does not implement (leverage,
// margin mode, funding rates, ...). Callers must treat it as a capability
// miss, not a runtime failure.
var ErrNotSupported = errors.New("venue: capability not supported")

// ErrOrderNotFound is returned by order lookups when the venue has no such
// order. Reconciliation uses it to conclude a submit never landed.
var ErrOrderNotFound = errors.New("venue: order not found")

// RateLimitError carries the server-provided wait hint from a 429 response.
type RateLimitError struct {
	Venue      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("venue %s rate limited, retry after %s", e.Venue, e.RetryAfter)
}

// RejectionError is a definite refusal from the venue: insufficient balance,
// invalid instrument, price outside band. Never retried; the venue message
// is preserved for the caller.
type RejectionError struct {
	Venue   string
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("venue %s rejected: %s (%s)", e.Venue, e.Message, e.Code)
}

// TransientError wraps network failures, 5xx responses and timeouts. The
// adapter retries these; once surfaced, the queue may retry again up to the
// envelope's max attempts.
type TransientError struct {
	Venue string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("venue %s transient failure: %v", e.Venue, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a definite venue refusal.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// IsRateLimit reports whether err is a rate-limit response, returning the
// wait hint when it is.
func IsRateLimit(err error) (time.Duration, bool) {
	var r *RateLimitError
	if errors.As(err, &r) {
		return r.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	if errors.As(err, &t) {
		return true
	}
	_, rateLimited := IsRateLimit(err)
	return rateLimited
}
