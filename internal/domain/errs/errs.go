// Package errs provides structured error types and helpers for the AIS bus.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeConfiguration indicates invalid tunables or an invalid bus document.
	CodeConfiguration Code = "configuration"
	// CodeFilterSyntax indicates a malformed filter expression.
	CodeFilterSyntax Code = "filter_syntax"
	// CodeAlreadyRegistered indicates a duplicate stream registration.
	CodeAlreadyRegistered Code = "already_registered"
	// CodeInvalidOperation indicates an operation not supported by the stream role.
	CodeInvalidOperation Code = "invalid_operation"
	// CodeIllegalState indicates an operation attempted in the wrong lifecycle state.
	CodeIllegalState Code = "illegal_state"
	// CodeBusClosed indicates ingestion after the bus stopped.
	CodeBusClosed Code = "bus_closed"
	// CodeDelivery indicates a subscriber callback fault.
	CodeDelivery Code = "delivery"
	// CodeNotFound indicates a missing stream or adapter.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
)

// Sentinels usable with errors.Is; matching is by Code only.
var (
	ErrConfiguration     = &E{Code: CodeConfiguration}
	ErrFilterSyntax      = &E{Code: CodeFilterSyntax}
	ErrAlreadyRegistered = &E{Code: CodeAlreadyRegistered}
	ErrInvalidOperation  = &E{Code: CodeInvalidOperation}
	ErrIllegalState      = &E{Code: CodeIllegalState}
	ErrBusClosed         = &E{Code: CodeBusClosed}
	ErrDelivery          = &E{Code: CodeDelivery}
	ErrNotFound          = &E{Code: CodeNotFound}
)

// E captures structured error information produced across the bus.
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

// WithField appends a single metadata key/value pair.
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
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.Quote(e.Fields[k]))
		}
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope with the same code.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the code of the outermost envelope in err's chain.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
