package fetch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/simgate/pkg/backoff"
)

// Policy holds the configuration for retry logic.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// request). It only applies to idempotent methods; all others get one.
	MaxAttempts int

	// BackoffBase is the delay before the second attempt.
	BackoffBase time.Duration

	// BackoffCap bounds each jittered delay.
	BackoffCap time.Duration

	// MaxTotalTime is the budget across all attempts. Zero means unbounded.
	MaxTotalTime time.Duration

	// RetryAfterCap bounds delays taken from Retry-After on 429.
	RetryAfterCap time.Duration
}

// DefaultPolicy returns the default retry configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BackoffBase:   backoff.DefaultBase,
		BackoffCap:    backoff.DefaultCap,
		MaxTotalTime:  0,
		RetryAfterCap: backoff.DefaultRetryAfterCap,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = def.BackoffCap
	}
	if p.RetryAfterCap <= 0 {
		p.RetryAfterCap = def.RetryAfterCap
	}
	return p
}

// maxAttemptsFor returns the attempt budget for method. Methods with side
// effects are never retried.
func (p Policy) maxAttemptsFor(method string) int {
	if !IsIdempotent(method) {
		return 1
	}
	return p.MaxAttempts
}

// IsIdempotent reports whether method is read-only and safe to retry.
func IsIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

// isRetryableStatus reports whether an upstream status warrants a retry.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// waitBeforeRetry sleeps before attempt+1. A Retry-After hint is used when
// present, otherwise jittered backoff; either way the delay is clamped to
// the remaining budget. It fails fast when the budget is spent and returns
// immediately with the caller's cause on cancellation.
func (e *Engine) waitBeforeRetry(ctx context.Context, p Policy, attempt int, start time.Time, retryAfter string, reason ErrorClass) error {
	delay := backoff.Jittered(attempt, p.BackoffBase, p.BackoffCap)
	if retryAfter != "" {
		if d, ok := backoff.RetryAfter(retryAfter, e.now(), p.RetryAfterCap); ok {
			delay = d
		}
	}

	remaining, bounded := backoff.Remaining(p.MaxTotalTime, start, e.now())
	delay, err := backoff.ClampToBudget(delay, remaining, bounded)
	if errors.Is(err, backoff.ErrBudgetExhausted) {
		return &budgetError{attempts: attempt, budget: p.MaxTotalTime}
	}

	upstreamRetriesTotal.WithLabelValues(string(reason)).Inc()
	upstreamRetryBackoffSeconds.Observe(delay.Seconds())

	e.logger.Debug().
		Str("error_class", string(reason)).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Retrying upstream request after backoff")

	if err := backoff.Sleep(ctx, delay); err != nil {
		e.logger.Warn().
			Int("attempt", attempt).
			Msg("Context cancelled during retry backoff")
		return &AbortedError{Cause: err, Attempts: attempt}
	}
	return nil
}
