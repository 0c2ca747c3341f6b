package client

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrUpstreamUnavailable marks transient collaborator failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamRejected marks permanent collaborator failures.
	ErrUpstreamRejected = errors.New("upstream rejected request")
)

// UpstreamError is a failure reported by the generator or metadata service.
// Retryable is authoritative for the retry envelope.
type UpstreamError struct {
	Code      string
	Message   string
	Status    int
	Transient bool
	Err       error
}

// Unavailable builds a retryable upstream error.
func Unavailable(code, message string, cause error) *UpstreamError {
	return &UpstreamError{Code: code, Message: message, Transient: true, Err: cause}
}

// Rejected builds a non-retryable upstream error.
func Rejected(code, message string) *UpstreamError {
	return &UpstreamError{Code: code, Message: message}
}

func (e *UpstreamError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *UpstreamError) Retryable() bool {
	return e.Transient
}

// Is maps the error onto ErrUpstreamUnavailable or ErrUpstreamRejected.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamUnavailable:
		return e.Transient
	case ErrUpstreamRejected:
		return !e.Transient
	}
	return false
}

// AsUpstream returns the UpstreamError in err's chain, if any.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
