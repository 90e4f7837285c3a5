package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine error for handling and reporting.
type ErrorKind string

const (
	// ErrorKindInvalidState indicates an operation attempted while the
	// engine was in an incompatible state.
	ErrorKindInvalidState ErrorKind = "invalid_state"

	// ErrorKindValidation indicates a plan was rejected before execution.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindStream indicates a plan's message stream yielded an error.
	ErrorKindStream ErrorKind = "stream"

	// ErrorKindMessageProcessing indicates a specific action failed
	// downstream in the module layer.
	ErrorKindMessageProcessing ErrorKind = "message_processing"

	// ErrorKindTimeout indicates a deadline elapsed: script deadline,
	// per-plan document wait, or yield poll.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindPlanLimit indicates a script exceeded its plan budget.
	ErrorKindPlanLimit ErrorKind = "plan_limit"

	// ErrorKindScript indicates the script host reported a syntax or
	// runtime failure.
	ErrorKindScript ErrorKind = "script"

	// ErrorKindWorkerPanic indicates the script worker terminated
	// abnormally. Distinguished from ErrorKindScript: a panic is an
	// unexpected failure, a script error an expected one.
	ErrorKindWorkerPanic ErrorKind = "worker_panic"
)

// Error is a classified engine error with optional run and message context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// RunUID is the run during which the error occurred, if any.
	RunUID string `json:"run_uid,omitempty"`

	// PlanMessage is the plan message being processed, if applicable.
	PlanMessage string `json:"plan_message,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.PlanMessage != "" {
		msg += fmt.Sprintf(" (message=%s)", e.PlanMessage)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two engine errors match when
// their kinds match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithRun attaches run context to the error.
func (e *Error) WithRun(runUID string) *Error {
	e.RunUID = runUID
	return e
}

// WithPlanMessage attaches the plan message being processed.
func (e *Error) WithPlanMessage(msg string) *Error {
	e.PlanMessage = msg
	return e
}

// NewInvalidStateError creates an invalid-state error.
func NewInvalidStateError(message string) *Error {
	return &Error{Kind: ErrorKindInvalidState, Message: message}
}

// NewValidationError creates a plan validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Kind: ErrorKindValidation, Message: message, Err: err}
}

// NewStreamError creates a plan stream error.
func NewStreamError(message string, err error) *Error {
	return &Error{Kind: ErrorKindStream, Message: message, Err: err}
}

// NewMessageProcessingError creates a message processing error.
func NewMessageProcessingError(message string, err error) *Error {
	return &Error{Kind: ErrorKindMessageProcessing, Message: message, Err: err}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *Error {
	return &Error{Kind: ErrorKindTimeout, Message: message}
}

// NewPlanLimitError creates a plan limit error.
func NewPlanLimitError(message string) *Error {
	return &Error{Kind: ErrorKindPlanLimit, Message: message}
}

// NewScriptError creates a script host error.
func NewScriptError(message string, err error) *Error {
	return &Error{Kind: ErrorKindScript, Message: message, Err: err}
}

// NewWorkerPanicError creates a worker panic error.
func NewWorkerPanicError(message string) *Error {
	return &Error{Kind: ErrorKindWorkerPanic, Message: message}
}

// kindOf extracts the engine error kind, or "" for foreign errors.
func kindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsInvalidState reports whether err is an invalid-state error.
func IsInvalidState(err error) bool { return kindOf(err) == ErrorKindInvalidState }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return kindOf(err) == ErrorKindValidation }

// IsStream reports whether err is a stream error.
func IsStream(err error) bool { return kindOf(err) == ErrorKindStream }

// IsMessageProcessing reports whether err is a message processing error.
func IsMessageProcessing(err error) bool { return kindOf(err) == ErrorKindMessageProcessing }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return kindOf(err) == ErrorKindTimeout }

// IsPlanLimit reports whether err is a plan limit error.
func IsPlanLimit(err error) bool { return kindOf(err) == ErrorKindPlanLimit }

// IsScript reports whether err is a script error.
func IsScript(err error) bool { return kindOf(err) == ErrorKindScript }

// IsWorkerPanic reports whether err is a worker panic error.
func IsWorkerPanic(err error) bool { return kindOf(err) == ErrorKindWorkerPanic }
