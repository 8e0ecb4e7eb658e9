// Package apperr holds the sentinel errors shared by services and handlers.
// Services wrap them with context (fmt.Errorf("%w: ...", apperr.ErrNotFound));
// handlers map them to HTTP status codes with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation is missing or malformed input (400).
	ErrValidation = errors.New("validation error")
	// ErrNotFound is an absent meeting or participant (404).
	ErrNotFound = errors.New("not found")
	// ErrForbidden is a non-host attempting a host-only action (403).
	ErrForbidden = errors.New("forbidden")
	// ErrTransport is a connection or negotiation failure. Retried locally, never a 5xx.
	ErrTransport = errors.New("transport error")
	// ErrInternal is a registry or storage failure (500).
	ErrInternal = errors.New("internal error")
)

// Message returns the part of err that is safe to show a caller.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrInternal) {
		return "internal server error"
	}
	return err.Error()
}
