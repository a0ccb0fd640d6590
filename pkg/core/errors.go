package core

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes pipeline errors.
type ErrorKind string

const (
	ErrRealtimeUnavailable ErrorKind = "realtime_unavailable"
	ErrSttFailure          ErrorKind = "stt_failure"
	ErrReasoningFailure    ErrorKind = "reasoning_failure"
	ErrTtsFailure          ErrorKind = "tts_failure"
	ErrExecution           ErrorKind = "execution_error"
	ErrDeliveryOverflow    ErrorKind = "delivery_overflow"
	ErrNoActiveUtterance   ErrorKind = "no_active_utterance"
)

// Error is the typed error surfaced between pipeline components. The Kind
// determines how the controller reacts: realtime failures trigger failover,
// delivery overflow cancels the utterance, execution errors are fed back
// into the reasoning loop as structured results.
type Error struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	underlying  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s (stage: %s)", e.Kind, e.Message, e.Stage)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped provider error, if any.
func (e *Error) Unwrap() error {
	return e.underlying
}

// IsRetryable reports whether the failing stage may be retried in place
// before the error is escalated to the controller.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case ErrSttFailure, ErrReasoningFailure, ErrTtsFailure:
		return true
	default:
		return false
	}
}

// KindOf extracts the ErrorKind from an error chain. The second return is
// false when the chain does not contain a pipeline *Error.
func KindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// NewRealtimeUnavailable wraps a realtime backend failure. Connection loss,
// protocol errors, and first-fragment timeouts all map to this kind.
func NewRealtimeUnavailable(message string, underlying error) *Error {
	return &Error{Kind: ErrRealtimeUnavailable, Message: message, underlying: underlying}
}

// NewStageError wraps a fallback stage failure with its stage tag.
func NewStageError(kind ErrorKind, stage, message string, underlying error) *Error {
	return &Error{Kind: kind, Message: message, Stage: stage, underlying: underlying}
}

// NewExecutionError wraps a function executor failure. It is surfaced to the
// reasoning loop as a structured result, not as an utterance failure.
func NewExecutionError(name string, underlying error) *Error {
	return &Error{Kind: ErrExecution, Message: fmt.Sprintf("tool %s: %v", name, underlying), underlying: underlying}
}

// NewDeliveryOverflow reports that the per-utterance fragment buffer bound
// was exceeded. This is terminal for the utterance.
func NewDeliveryOverflow(utteranceID string, buffered, limit int) *Error {
	return &Error{
		Kind:        ErrDeliveryOverflow,
		Message:     fmt.Sprintf("fragment buffer exceeded (%d buffered, cap %d)", buffered, limit),
		UtteranceID: utteranceID,
	}
}

// NewNoActiveUtterance reports an operation that requires an open utterance.
func NewNoActiveUtterance(sessionID string) *Error {
	return &Error{Kind: ErrNoActiveUtterance, Message: "no utterance in flight for session " + sessionID}
}
