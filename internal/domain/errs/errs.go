// Package errs provides structured error types and helpers shared by the Orbit engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller or a malformed event.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict or duplicate.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a dependency is temporarily unavailable and the call may be retried.
	CodeUnavailable Code = "unavailable"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeExchange indicates the broker refused the request.
	CodeExchange Code = "exchange_error"
	// CodeCorrupt indicates a broken invariant; processing for the affected key must stop.
	CodeCorrupt Code = "corrupt"
)

// E captures structured error information produced across the engine.
type E struct {
	Component string
	Code      Code
	Message   string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Fields:    nil,
		cause:     nil,
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

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair of context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in the error chain, or "" when none is present.
func CodeOf(err error) Code {
	var target *E
	if errors.As(err, &target) && target != nil {
		return target.Code
	}
	return ""
}

// IsTransient reports whether the error may succeed when retried.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeNetwork:
		return true
	default:
		return false
	}
}

// IsCorrupt reports whether the error signals a broken invariant.
func IsCorrupt(err error) bool {
	return CodeOf(err) == CodeCorrupt
}

// Corrupt is shorthand for a CodeCorrupt envelope.
func Corrupt(component, msg string, opts ...Option) *E {
	return New(component, CodeCorrupt, append([]Option{WithMessage(msg)}, opts...)...)
}

// Unavailable is shorthand for a CodeUnavailable envelope wrapping cause.
func Unavailable(component string, cause error) *E {
	msg := "dependency unavailable"
	if cause != nil {
		msg = cause.Error()
	}
	return New(component, CodeUnavailable, WithMessage(msg), WithCause(cause))
}
