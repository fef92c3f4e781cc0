package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrInvalidJobID     = errors.New("ecoscan: invalid job id")
	ErrInvalidTaskID    = errors.New("ecoscan: invalid task id")
	ErrInvalidStage     = errors.New("ecoscan: unknown stage")
	ErrInvalidStatus    = errors.New("ecoscan: unknown frame status")
	ErrMalformedFrame   = errors.New("ecoscan: malformed frame")
	ErrMalformedMessage = errors.New("ecoscan: malformed task message")
	ErrPayloadTooLarge  = errors.New("ecoscan: payload exceeds size limit")
	ErrInvalidImageURL  = errors.New("ecoscan: image url is not allowed")
)

// State errors
var (
	ErrTerminalStatus = errors.New("ecoscan: task already in a terminal status")
	ErrTaskNotFound   = errors.New("ecoscan: task not found")
	ErrCircuitOpen    = errors.New("ecoscan: circuit open")
	ErrBudgetExceeded = errors.New("ecoscan: retry budget exhausted")
	ErrBackendMissing = errors.New("ecoscan: backend not configured")
	ErrDuplicate      = errors.New("ecoscan: duplicate record")
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// TimeoutError reports that a single attempt exceeded its hard deadline.
type TimeoutError struct {
	Node    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %v", e.Node, e.Timeout)
}

// ErrorKind is the coarse classification used to decide retries and reason codes.
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"
	KindTimeout        ErrorKind = "timeout"
	KindValidation     ErrorKind = "validation"
	KindIntegrity      ErrorKind = "integrity"
	KindPermanent      ErrorKind = "permanent"
	KindStateViolation ErrorKind = "state_violation"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindCancelled      ErrorKind = "cancelled"
)

// Retryable reports whether errors of this kind may be attempted again.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// Classify maps an error to its kind. Unknown errors are transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var timeout *TimeoutError
	var noRetry *NoRetryError
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTerminalStatus):
		return KindStateViolation
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, ErrMalformedMessage),
		errors.Is(err, ErrInvalidStage), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidJobID), errors.Is(err, ErrInvalidTaskID),
		errors.Is(err, ErrInvalidImageURL), errors.Is(err, ErrPayloadTooLarge):
		return KindValidation
	case errors.Is(err, ErrDuplicate):
		return KindIntegrity
	case errors.As(err, &noRetry):
		return KindPermanent
	}
	return KindTransient
}

// Reason codes carried by failed frames.
const (
	ReasonCancelled        = "cancelled"
	ReasonTimeout          = "timeout"
	ReasonCircuitOpen      = "circuit_open"
	ReasonValidationFailed = "validation_failed"
)

// StageFailedReason returns the reason code for a stage that exhausted its retries.
func StageFailedReason(stage Stage) string {
	return string(stage) + "_failed"
}

// ReasonError attaches a stable reason code to an error.
type ReasonError struct {
	Reason string
	Err    error
}

func (e *ReasonError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ReasonError) Unwrap() error {
	return e.Err
}

// WithReason wraps err with a reason code.
func WithReason(reason string, err error) error {
	return &ReasonError{Reason: reason, Err: err}
}

// ReasonFor returns the reason code carried by err, or derives one from its kind.
func ReasonFor(stage Stage, err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	switch Classify(err) {
	case KindCancelled:
		return ReasonCancelled
	case KindCircuitOpen:
		return ReasonCircuitOpen
	case KindValidation:
		return ReasonValidationFailed
	}
	return StageFailedReason(stage)
}
