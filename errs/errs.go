// Package errs provides structured error types and helpers for the price relay.
package errs

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Code identifies a relay error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUpstream indicates the quote provider answered with a failure.
	CodeUpstream Code = "upstream_error"
	// CodeRateLimited indicates the quote provider rejected the request for rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates a component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeEncoding indicates an outbound payload could not be serialised.
	CodeEncoding Code = "encoding_failure"
	// CodeConsistency indicates a bookkeeping invariant was about to be violated.
	CodeConsistency Code = "consistency"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
)

// E captures structured error information produced across the relay.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Symbol    string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Symbol:    "",
		Message:   "",
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithSymbol records the ticker symbol the error relates to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
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
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether any error in err's chain is an envelope carrying code.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	for e != nil {
		if e.Code == code {
			return true
		}
		next := e.cause
		e = nil
		if next != nil && !errors.As(next, &e) {
			return false
		}
	}
	return false
}

// IsUpstream reports whether err describes a failed or timed out quote fetch.
func IsUpstream(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return Is(err, CodeUpstream) || Is(err, CodeRateLimited) || Is(err, CodeNetwork) || Is(err, CodeUnavailable)
}
