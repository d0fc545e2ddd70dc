// Package backoff computes retry delays and remaining time budgets for the
// upstream fetch engine. Everything here is side-effect free except Sleep.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBase is the delay before the second attempt.
	DefaultBase = 150 * time.Millisecond

	// DefaultCap bounds any jittered delay.
	DefaultCap = 1 * time.Second

	// DefaultRetryAfterCap bounds delays taken from a Retry-After header.
	DefaultRetryAfterCap = 2 * time.Second

	// MaxJitter is the exclusive upper bound of the random component.
	MaxJitter = 100 * time.Millisecond
)

// ErrBudgetExhausted is returned when no time is left in the overall budget.
var ErrBudgetExhausted = errors.New("time budget exhausted")

// JitterFunc returns a value in [0, MaxJitter). Tests may replace it.
var JitterFunc = func() time.Duration {
	return time.Duration(rand.Int63n(int64(MaxJitter)))
}

// Jittered returns base·2^(attempt−1) plus random jitter, clamped to cap.
func Jittered(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = DefaultBase
	}
	if cap <= 0 {
		cap = DefaultCap
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			// Further doubling only overflows.
			delay = cap
			break
		}
	}

	delay += JitterFunc()
	if delay > cap {
		return cap
	}
	return delay
}

// RetryAfter parses a Retry-After header value given either as seconds or
// as an HTTP date. It reports false when the header is empty, unparsable
// or yields a non-positive delay; the caller then falls back to Jittered.
func RetryAfter(header string, now time.Time, cap time.Duration) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if cap <= 0 {
		cap = DefaultRetryAfterCap
	}

	var delay time.Duration
	// Out-of-range values parse to ±Inf or 0 with ErrRange.
	if seconds, err := strconv.ParseFloat(header, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		switch {
		case math.IsNaN(seconds) || seconds <= 0:
			return 0, false
		case seconds >= cap.Seconds():
			return cap, true
		}
		delay = time.Duration(seconds * float64(time.Second))
	} else if at, err := http.ParseTime(header); err == nil {
		delay = at.Sub(now)
	} else {
		return 0, false
	}

	if delay <= 0 {
		return 0, false
	}
	if delay > cap {
		delay = cap
	}
	return delay, true
}

// Remaining returns maxTotal − (now − start). The second result is false
// when no budget is configured (maxTotal <= 0), meaning unbounded.
func Remaining(maxTotal time.Duration, start, now time.Time) (time.Duration, bool) {
	if maxTotal <= 0 {
		return 0, false
	}
	return maxTotal - now.Sub(start), true
}

// ClampToBudget bounds delay by the remaining budget. With a bounded budget
// that is already spent it returns ErrBudgetExhausted instead of a delay.
func ClampToBudget(delay, remaining time.Duration, bounded bool) (time.Duration, error) {
	if !bounded {
		return delay, nil
	}
	if remaining <= 0 {
		return 0, ErrBudgetExhausted
	}
	if delay > remaining {
		return remaining, nil
	}
	return delay, nil
}

// Sleep waits for d or until ctx is done, whichever comes first. On
// cancellation it returns the context's cause without finishing the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
