package preview

import (
	"context"
	"errors"

	"github.com/fruitsalade/preview/pkg/client"
	"github.com/fruitsalade/preview/pkg/protocol"
)

var (
	// ErrSuperseded is returned internally when a newer input replaced the
	// one being fetched. It never reaches callers as a failure.
	ErrSuperseded = errors.New("preview superseded by newer input")
	// ErrClosed is returned by Update after Close.
	ErrClosed = errors.New("preview coordinator closed")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("invalid preview input")
	// ErrNoPreview is returned when nothing has been generated yet.
	ErrNoPreview = errors.New("no preview available")
	// ErrFileNotFound is returned by SelectFile for unknown paths.
	ErrFileNotFound = errors.New("file not found in preview")
)

// Error codes used when a failure did not come from the generator.
const (
	CodeUnavailable = "upstream_unavailable"
	CodeRejected    = "upstream_rejected"
	CodeInternal    = "internal_error"
)

// describe converts a terminal fetch failure into the shape shown to
// callers: a code, a message and whether retrying may help.
func describe(err error) *protocol.GenerateError {
	if ue, ok := client.AsUpstream(err); ok {
		code := ue.Code
		if code == "" {
			code = CodeRejected
			if ue.Retryable() {
				code = CodeUnavailable
			}
		}
		return &protocol.GenerateError{Code: code, Message: ue.Message, Retryable: ue.Retryable()}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &protocol.GenerateError{Code: CodeUnavailable, Message: err.Error(), Retryable: true}
	case errors.Is(err, client.ErrUpstreamUnavailable):
		return &protocol.GenerateError{Code: CodeUnavailable, Message: err.Error(), Retryable: true}
	case errors.Is(err, client.ErrUpstreamRejected):
		return &protocol.GenerateError{Code: CodeRejected, Message: err.Error()}
	}
	return &protocol.GenerateError{Code: CodeInternal, Message: err.Error()}
}
