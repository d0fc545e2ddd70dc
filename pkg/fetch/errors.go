package fetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExceeded is returned when the overall time budget runs out
// before another attempt could be made.
var ErrBudgetExceeded = errors.New("upstream retry budget exceeded")

// ErrorClass represents a classification of terminal fetch failures.
type ErrorClass string

const (
	// ErrorClassTimeout represents a per-attempt timeout.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassAborted represents cancellation by the caller.
	ErrorClassAborted ErrorClass = "aborted"

	// ErrorClassBudget represents an exhausted time budget.
	ErrorClassBudget ErrorClass = "budget"

	// ErrorClassNetwork represents connection and protocol errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassStatus represents a retryable upstream status.
	ErrorClassStatus ErrorClass = "status"
)

// TimeoutError reports that an attempt did not complete within its timeout.
// Timeouts are terminal; they are not retried.
type TimeoutError struct {
	Timeout  time.Duration
	Attempts int
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Request timed out after %dms", e.Timeout.Milliseconds())
}

// AbortedError carries the caller's cancellation cause unchanged.
type AbortedError struct {
	Cause    error
	Attempts int
}

// Error implements the error interface.
func (e *AbortedError) Error() string {
	return fmt.Sprintf("request aborted: %v", e.Cause)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AbortedError) Unwrap() error {
	return e.Cause
}

// TransportError is a network failure that was not (or no longer) retried.
type TransportError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport failure after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify maps a terminal error returned by Engine.Do to its class.
func Classify(err error) ErrorClass {
	var timeoutErr *TimeoutError
	var abortedErr *AbortedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeoutErr):
		return ErrorClassTimeout
	case errors.As(err, &abortedErr):
		return ErrorClassAborted
	case errors.Is(err, ErrBudgetExceeded):
		return ErrorClassBudget
	default:
		return ErrorClassNetwork
	}
}

// AttemptsOf returns the number of attempts recorded in err, or 0.
func AttemptsOf(err error) int {
	var timeoutErr *TimeoutError
	var abortedErr *AbortedError
	var transportErr *TransportError
	var budgetErr *budgetError
	switch {
	case errors.As(err, &timeoutErr):
		return timeoutErr.Attempts
	case errors.As(err, &abortedErr):
		return abortedErr.Attempts
	case errors.As(err, &transportErr):
		return transportErr.Attempts
	case errors.As(err, &budgetErr):
		return budgetErr.attempts
	default:
		return 0
	}
}

type budgetError struct {
	attempts int
	budget   time.Duration
}

func (e *budgetError) Error() string {
	return fmt.Sprintf("%v after %d attempt(s) (budget %v)", ErrBudgetExceeded, e.attempts, e.budget)
}

func (e *budgetError) Is(target error) bool {
	return target == ErrBudgetExceeded
}
