// Package mesherr defines the error taxonomy shared by every mesh subsystem.
// Each error carries a stable machine code and a free-text diagnostic so
// callers can branch on the class without parsing messages.
package mesherr

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes are stable across releases and safe
// to match on.
type Code string

const (
	// CodeConnection — transport failed or unavailable. Recoverable.
	CodeConnection Code = "CONNECTION_ERROR"

	// CodeAuthentication — handshake rejected or timed out. Not recoverable
	// by retrying the same credentials.
	CodeAuthentication Code = "AUTHENTICATION_ERROR"

	// CodeTimeout — deadline exceeded on a request, connect, or webhook
	// delivery. Recoverable.
	CodeTimeout Code = "TIMEOUT_ERROR"

	// CodeValidation — schema, config, or payload shape invalid. Not
	// recoverable.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeMessage — post-validation processing failure (parse, size,
	// dispatch). Not recoverable for that frame.
	CodeMessage Code = "MESSAGE_ERROR"

	// CodeWebhook — delivery failure (bad URL, network, non-2xx).
	// Recoverable.
	CodeWebhook Code = "WEBHOOK_ERROR"

	// CodeRateLimit — token bucket denied or timed out. Recoverable.
	CodeRateLimit Code = "RATE_LIMIT_ERROR"

	// CodeSignature — missing-but-required, wrong signer, or untrusted
	// signer. Not recoverable for that frame.
	CodeSignature Code = "SIGNATURE_VERIFICATION_ERROR"

	// CodeCircuitOpen — fast-fail while the breaker is open. Recoverable
	// once the breaker half-opens.
	CodeCircuitOpen Code = "CIRCUIT_BREAKER_ERROR"

	// CodeConfiguration — usage fault in configuration. Fatal for the call.
	CodeConfiguration Code = "CONFIGURATION_ERROR"

	// CodeSDK — generic usage fault (use after close, bad argument). Fatal
	// for the call.
	CodeSDK Code = "SDK_ERROR"

	// CodeQueueOverflow — bounded queue rejected a push under the reject
	// policy.
	CodeQueueOverflow Code = "QUEUE_OVERFLOW_ERROR"
)

// recoverable marks the codes a caller may retry after backoff.
var recoverable = map[Code]bool{
	CodeConnection:  true,
	CodeTimeout:     true,
	CodeWebhook:     true,
	CodeRateLimit:   true,
	CodeCircuitOpen: true,
}

// Error is the concrete error value used across the SDK.
type Error struct {
	Code    Code
	Message string

	// Path points at the offending field for validation errors
	// ("data.task_id", "webhook_url"). Empty otherwise.
	Path string

	cause error
}

// New builds an error with the given code and diagnostic.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an error with a formatted diagnostic.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error that records cause for errors.Is/As traversal.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithPath returns a copy of e annotated with a diagnostic path.
func (e *Error) WithPath(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.cause != nil:
		return fmt.Sprintf("%s: %s (at %s): %v", e.Code, e.Message, e.Path, e.cause)
	case e.Path != "":
		return fmt.Sprintf("%s: %s (at %s)", e.Code, e.Message, e.Path)
	case e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the cause chain.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so
// errors.Is(err, &Error{Code: CodeTimeout}) works as a class check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Recoverable reports whether the error class is worth retrying.
func (e *Error) Recoverable() bool { return recoverable[e.Code] }

// CodeOf extracts the machine code from any error in the chain, or "" when
// the chain carries no mesh error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
