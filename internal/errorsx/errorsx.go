// Package errorsx attaches machine-readable reason codes to errors so the
// loop can sort failures into the recoverable and fatal classes without
// string matching.
package errorsx

import "errors"

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Registry: unreachable or unusable catalog at startup. Fatal.
	ReasonRegistryFetch ReasonCode = "registry_fetch"
	ReasonRegistryParse ReasonCode = "registry_parse"

	// Model backend: cannot reach or use the completion service. Fatal.
	ReasonModelConnect ReasonCode = "model_connect"
	ReasonModelTimeout ReasonCode = "model_timeout"
	ReasonModelAPI     ReasonCode = "model_api"

	// Tool host: always absorbed into a ToolResult, never fatal.
	ReasonToolCall        ReasonCode = "tool_call"
	ReasonToolTimeout     ReasonCode = "tool_timeout"
	ReasonToolNotFound    ReasonCode = "tool_not_found"
	ReasonToolInvalidArgs ReasonCode = "tool_invalid_args"
	ReasonToolServer      ReasonCode = "tool_server"

	// Loop-level terminal conditions.
	ReasonMalformedOutput ReasonCode = "malformed_output"
	ReasonBudgetExhausted ReasonCode = "budget_exhausted"
)

// ReasonedError wraps an error with a reason code.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap attaches a reason code to an error (no-op if err is nil or already reasoned).
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason extracts a reason code from an error, if present.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Retryable reports whether the failure class is worth another attempt
// against the same endpoint. Validation and not-found failures are not:
// resending the same payload cannot change the outcome.
func Retryable(err error) bool {
	switch Reason(err) {
	case ReasonToolCall, ReasonToolTimeout:
		return true
	}
	return false
}
