package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes. A flow failing any of these never starts.
const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrCyclicDependency  ErrorCode = "CYCLIC_DEPENDENCY"
	ErrUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
	ErrDuplicateStep     ErrorCode = "DUPLICATE_STEP"
	ErrUnknownModule     ErrorCode = "UNKNOWN_MODULE"
)

// Execution error codes
const (
	ErrStepExecution   ErrorCode = "STEP_EXECUTION"
	ErrStepTimeout     ErrorCode = "STEP_TIMEOUT"
	ErrContextConflict ErrorCode = "CONTEXT_CONFLICT"
	ErrCancelled       ErrorCode = "CANCELLED"
)

// Lifecycle and checkpoint error codes
const (
	ErrCheckpointMismatch ErrorCode = "CHECKPOINT_MISMATCH"
	ErrCheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrOrchestratorBusy   ErrorCode = "ORCHESTRATOR_BUSY"
	ErrFlowNotFound       ErrorCode = "FLOW_NOT_FOUND"
)

// Severity grades a recorded error. Ordering matters: ParseSeverity and
// AtLeast compare by rank.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Rank returns the ordinal of s; unknown severities rank as info.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as min or more.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity: %q", s)
	}
	return sev, nil
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity,omitempty"`
	Retryable bool      `json:"retryable"`
	StepID    string    `json:"step_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.StepID != "" {
		prefix = fmt.Sprintf("[%s] step %s", e.Code, e.StepID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStep attaches the failing step id.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithSeverity sets the severity.
func (e *Error) WithSeverity(sev Severity) *Error {
	e.Severity = sev
	return e
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsValidation reports whether err is a definition or graph validation failure.
func IsValidation(err error) bool {
	switch GetErrorCode(err) {
	case ErrValidation, ErrCyclicDependency, ErrUnknownDependency, ErrDuplicateStep, ErrUnknownModule:
		return true
	}
	return false
}
