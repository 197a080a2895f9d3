// Package gwerr implements the gateway's error taxonomy: a small closed
// set of sentinel-wrapped kinds that every component boundary translates
// internal failures into, never leaking an inner cause into a user-visible
// message.
package gwerr

import (
	"errors"
	"fmt"

	"github.com/edgemcp/gateway/pkg/models"
)

// Error wraps an internal cause with a taxonomy Kind. Only Kind, Message and
// RetryAfter are ever serialized into a Response; Cause stays server-side
// for logs.
type Error struct {
	Kind       models.ErrKind
	Message    string
	RetryAfter int64
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind models.ErrKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind models.ErrKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func RateLimited(retryAfterMs int64) *Error {
	return &Error{Kind: models.ErrRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfterMs}
}

// Is reports whether err carries the given taxonomy kind.
func Is(err error, kind models.ErrKind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// ToErrorInfo converts a gwerr (or any error, defaulting to an internal
// kind) into the user-visible shape carried on a Response.
func ToErrorInfo(err error) *models.ErrorInfo {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return &models.ErrorInfo{Kind: ge.Kind, Message: ge.Message, RetryAfter: ge.RetryAfter}
	}
	return &models.ErrorInfo{Kind: models.ErrLocalInferenceFailed, Message: "internal error"}
}
