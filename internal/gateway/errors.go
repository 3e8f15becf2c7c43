package gateway

import (
	"errors"
	"fmt"
)

// Class buckets a dispatch failure by how the engines must react.
// Engines branch on the class alone and never parse error strings.
type Class string

const (
	// ClassTransient covers connection failures, timeouts, 5xx responses
	// and success=false envelopes. Retried indefinitely.
	ClassTransient Class = "transient"
	// ClassRateLimited is HTTP 429. Retried like transient, but counts
	// toward backoff pressure.
	ClassRateLimited Class = "rate_limited"
	// ClassPermanent is any other 4xx. The record is terminal.
	ClassPermanent Class = "permanent"
)

// Error is the typed failure returned by every gateway operation that
// reached the server (or got a readable response).
type Error struct {
	Class      Class
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway: %s (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Class, e.Message)
}

// Classify maps any dispatch error to its class. Errors that are not a
// *Error never reached the server (dial failures, timeouts, cancelled
// contexts), which makes them transient by construction.
func Classify(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassTransient
}

// IsPermanent reports whether the error is a terminal rejection.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// IsRateLimited reports whether the server asked us to back off.
func IsRateLimited(err error) bool {
	return Classify(err) == ClassRateLimited
}
