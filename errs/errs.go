// Package errs provides structured error types and helpers for swapbook components.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the kind of failure. Downstream logic matches on Code rather
// than probing transport-specific error shapes.
type Code string

const (
	// CodeRateLimited indicates that the node rejected the request due to rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a transport failure (dial, DNS, dropped connection).
	CodeNetwork Code = "network"
	// CodeTimeout indicates that the request exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeReverted indicates that a contract call reverted.
	CodeReverted Code = "reverted"
	// CodeDecode indicates that a response could not be decoded.
	CodeDecode Code = "decode"
	// CodeUnavailable indicates that a capability is not available right now.
	CodeUnavailable Code = "unavailable"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeStale indicates that a response was superseded by a newer request.
	CodeStale Code = "stale"
	// CodeClosed indicates that the component has been shut down.
	CodeClosed Code = "closed"
	// CodeUnknown captures uncategorized failures.
	CodeUnknown Code = "unknown"
)

// E captures structured error information produced across the swapbook stack.
type E struct {
	Component   string
	Code        Code
	RPCCode     int
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		RPCCode:     0,
		Message:     "",
		Remediation: "",
		Metadata:    nil,
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

// WithRPCCode records the JSON-RPC (or HTTP) status reported by the node.
func WithRPCCode(code int) Option {
	return func(e *E) {
		e.RPCCode = code
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
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
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
		code = string(CodeUnknown)
	}
	parts = append(parts, "code="+code)

	if e.RPCCode != 0 {
		parts = append(parts, "rpc="+strconv.Itoa(e.RPCCode))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the outermost envelope in err's chain, or
// CodeUnknown when err carries no envelope.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// Retryable reports whether the failure kind is transient.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeNetwork, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Transport reports whether err means the connection failed rather than the
// individual call.
func Transport(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeClosed, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}
