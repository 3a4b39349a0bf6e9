package session

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for session admission.
// These errors are part of the Store's public API and should be checked using errors.Is().
//
// Example:
//
//	if err := store.Admit(ctx, id, time.Now()); errors.Is(err, session.ErrQuotaExhausted) {
//	    // Surface a 429 to the caller
//	}
var (
	// ErrSessionNotFound indicates the session does not exist in the database.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates the session is past its expiry window.
	// The caller must create a new session.
	ErrSessionExpired = errors.New("session expired")

	// ErrQuotaExhausted indicates the session has no remaining message quota.
	ErrQuotaExhausted = errors.New("session quota exhausted")

	// ErrRateLimited is the target for errors.Is on *RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
)

// RateLimitedError rejects a message sent before the minimum inter-message
// interval has elapsed. RetryAfter is the remaining wait, rounded up to the
// next second for caller-facing retry hints.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// NewRateLimitedError rounds the remaining wait up to a whole second
// (minimum 1s) so the retry hint is never an under-estimate.
func NewRateLimitedError(remaining time.Duration) *RateLimitedError {
	rounded := remaining.Truncate(time.Second)
	if rounded < remaining {
		rounded += time.Second
	}
	if rounded < time.Second {
		rounded = time.Second
	}
	return &RateLimitedError{RetryAfter: rounded}
}
