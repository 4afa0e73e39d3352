// Package errs provides structured error types shared across the Sentinel hub.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category used for retry and escalation decisions.
type Code string

const (
	// CodeAuth indicates the stored credentials were rejected by the remote authority.
	CodeAuth Code = "auth"
	// CodeTimeout indicates a request exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeNetwork indicates a transport-level failure before any response arrived.
	CodeNetwork Code = "network"
	// CodeRemote indicates a non-2xx or unacknowledged response from the remote authority.
	CodeRemote Code = "remote_error"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a subsystem is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the hub.
type E struct {
	Component   string
	Code        Code
	HTTP        int
	Message     string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and failure code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		HTTP:        0,
		Message:     "",
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure code from err, walking wrapped causes.
func CodeOf(err error) (Code, bool) {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code, true
	}
	return "", false
}

// IsAuth reports whether err carries an authentication failure code.
func IsAuth(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == CodeAuth
}

// Retryable reports whether the failure should be retried on the normal
// backoff schedule. Authentication failures remain retryable but are counted
// separately for escalation.
func Retryable(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return true
	}
	switch code {
	case CodeInvalid, CodeNotFound, CodeConflict:
		return false
	default:
		return true
	}
}
