package gate

import (
	"errors"
	"fmt"
)

// ErrorType classifies a gate Error.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeRateLimit
	ErrorTypeInvalidInput
	ErrorTypeUpstream
)

// Error is returned at the gate boundary. A rate-limit Error carries the
// number of seconds the caller should wait in RetryAfter.
type Error struct {
	Type       ErrorType
	Message    string
	Err        error
	RetryAfter int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.TypeString(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.TypeString(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) TypeString() string {
	switch e.Type {
	case ErrorTypeRateLimit:
		return "RateLimitError"
	case ErrorTypeInvalidInput:
		return "InvalidInputError"
	case ErrorTypeUpstream:
		return "UpstreamError"
	default:
		return "UnknownError"
	}
}

// LoggableFields returns the error as key/value pairs for a utils.Logger.
func (e *Error) LoggableFields() []any {
	return []any{
		"error_type", e.TypeString(),
		"message", e.Message,
		"retry_after", e.RetryAfter,
	}
}

// NewError creates a new Error.
func NewError(errType ErrorType, message string, err error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// NewRateLimitError reports a denied admission.
func NewRateLimitError(retryAfter int) *Error {
	return &Error{
		Type:       ErrorTypeRateLimit,
		Message:    "too many requests",
		RetryAfter: retryAfter,
	}
}

// IsRateLimited reports whether err is a rate-limit Error and, if so, how
// many seconds the caller should wait.
func IsRateLimited(err error) (int, bool) {
	var gateErr *Error
	if errors.As(err, &gateErr) && gateErr.Type == ErrorTypeRateLimit {
		return gateErr.RetryAfter, true
	}
	return 0, false
}
