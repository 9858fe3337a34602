package nsite

import (
	stderrs "errors"
	"fmt"
	"net/http"
)

// ErrNotFound is the error returned when a blob server definitively
// reports that it does not have a blob.
// It is an answer, not a failure.
var ErrNotFound = stderrs.New("not found")

// ConnectionError means a destination could not be reached or timed out,
// or answered with a server-side (5xx) error.
// These are retried within the destination's budget.
type ConnectionError struct {
	Dest string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %s", e.Dest, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RejectionError means a destination answered and said no:
// a relay's OK=false or a blob server's 4xx.
// These are not retried.
type RejectionError struct {
	Dest string

	// Status is the HTTP status for blob servers, 0 for relays.
	Status  int
	Message string
}

func (e *RejectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s rejected request: %d %s: %s", e.Dest, e.Status, http.StatusText(e.Status), e.Message)
	}
	return fmt.Sprintf("%s rejected request: %s", e.Dest, e.Message)
}

// RateLimitError is a RejectionError whose message says the client is going too fast.
// Callers warn about it but do not treat the destination as hard-failed.
type RateLimitError struct {
	*RejectionError
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + e.RejectionError.Error()
}

func (e *RateLimitError) Unwrap() error { return e.RejectionError }

// ValidationError is a problem with the caller's inputs,
// detected before any network I/O.
// It is fatal to a run.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// SigningError wraps a failure of a Signer.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return "signing: " + e.Err.Error()
}

func (e *SigningError) Unwrap() error { return e.Err }

// Retryable tells whether err is worth another attempt at the same destination.
func Retryable(err error) bool {
	var connErr *ConnectionError
	return stderrs.As(err, &connErr)
}
