package fetch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"timeout", &TimeoutError{Timeout: time.Second}, ErrorClassTimeout},
		{"wrapped timeout", fmt.Errorf("gateway: %w", &TimeoutError{}), ErrorClassTimeout},
		{"aborted", &AbortedError{Cause: context.Canceled}, ErrorClassAborted},
		{"budget", &budgetError{attempts: 2}, ErrorClassBudget},
		{"transport", &TransportError{Err: errors.New("connection refused")}, ErrorClassNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttemptsOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&TimeoutError{Attempts: 1}, 1},
		{&AbortedError{Attempts: 2}, 2},
		{&TransportError{Attempts: 3}, 3},
		{&budgetError{attempts: 4}, 4},
		{errors.New("other"), 0},
	}

	for _, tt := range tests {
		if got := AttemptsOf(tt.err); got != tt.want {
			t.Errorf("AttemptsOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestAbortedError_Unwrap(t *testing.T) {
	cause := errors.New("navigation")
	err := &AbortedError{Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cancellation cause")
	}
}

func TestBudgetError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &budgetError{attempts: 1, budget: time.Second})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Error("budget error should match ErrBudgetExceeded")
	}
}
