// Package domainerrors provides coded errors that travel from domain logic
// to the transport layer without leaking transport concerns downward.
// Handlers switch on the code; messages stay operator-facing.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers that need to branch on kind.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"
	CodeTimeout      Code = "timeout"
	CodeInternal     Code = "internal"

	// Pool-specific kinds. Quota and exhaustion are distinguishable so a
	// caller can decide between immediate retry and backing off.
	CodeQuotaExceeded       Code = "quota_exceeded"
	CodePoolExhausted       Code = "pool_exhausted"
	CodeUpstreamRejected    Code = "upstream_rejected"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
)

// Error carries a code, an operator-facing message, and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error with no cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error, preserving the
// cause for errors.Is/As chains.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HasCode is an alias of Is kept for call-site readability in conditionals.
func HasCode(err error, code Code) bool { return Is(err, code) }

// CodeOf extracts the code from err, or CodeInternal when err is uncoded.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a code to the status the transport layer should emit.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodePoolExhausted, CodeUpstreamRejected, CodeUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
