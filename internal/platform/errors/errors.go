// Package errors classifies bridge failures so that each boundary knows
// whether to contain a fault or abort startup.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure category.
type Kind string

const (
	// KindTransport covers closed sockets and malformed frames.
	KindTransport Kind = "transport"
	// KindRelay covers an unreachable store and publish/subscribe failures.
	KindRelay Kind = "relay"
	// KindConfiguration covers identifiers that do not resolve. Always fatal.
	KindConfiguration Kind = "configuration"
	// KindHandler covers listen handlers that fail on their arguments.
	KindHandler Kind = "handler"
)

// Error is a classified error with optional structured context for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the kind onto a status for health and admin endpoints.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindRelay:
		return http.StatusServiceUnavailable
	case KindTransport, KindHandler:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body of an error answer.
type Response struct {
	Error   string         `json:"error"`
	Kind    Kind           `json:"error_kind"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() Response {
	resp := Response{Error: e.Message, Kind: e.Kind}
	if len(e.Context) > 0 {
		resp.Context = e.Context
	}
	return resp
}

// WithContext adds a context field (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// LogAttrs flattens the error into slog key/value pairs.
func (e *Error) LogAttrs() []any {
	attrs := []any{"error", e.Error(), "error_kind", string(e.Kind)}
	for k, v := range e.Context {
		attrs = append(attrs, k, v)
	}
	return attrs
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Context: make(map[string]any)}
}

func Transport(message string, cause error) *Error {
	return newError(KindTransport, message, cause)
}

func Relay(message string, cause error) *Error {
	return newError(KindRelay, message, cause)
}

func Configuration(message string, cause error) *Error {
	return newError(KindConfiguration, message, cause)
}

func Handler(message string, cause error) *Error {
	return newError(KindHandler, message, cause)
}

// KindOf returns the kind of the first classified error in the chain, or ""
// when the chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err must abort startup.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfiguration
}

// As converts any error into a classified one, defaulting to fallback.
func As(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(fallback, err.Error(), err)
}
