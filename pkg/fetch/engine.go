// Package fetch executes upstream HTTP requests with bounded retries,
// per-attempt timeouts, an overall time budget and cancellation.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/simgate/pkg/backoff"
	"github.com/Sternrassler/simgate/pkg/logging"
	"github.com/rs/zerolog"
)

// DefaultTimeout is the per-attempt timeout when a request sets none.
const DefaultTimeout = 20 * time.Second

// drainLimit caps how much of a discarded retry body is read so the
// connection can be reused.
const drainLimit = 64 << 10

// Request describes one logical upstream call.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
	Policy  Policy

	// Start anchors the time budget. Zero means the moment Do is called.
	Start time.Time
}

// UpstreamMeta summarizes a completed call.
type UpstreamMeta struct {
	Attempts int
	Duration time.Duration
}

// Response is the terminal upstream response. Its Body must be closed; the
// per-attempt timeout stays armed until then.
type Response struct {
	*http.Response
	Meta UpstreamMeta
}

// Config holds the engine configuration.
type Config struct {
	// Client is the HTTP client used for attempts. Its CheckRedirect is
	// always overridden so redirects are returned, never followed.
	Client *http.Client

	// Logger overrides the component logger.
	Logger *zerolog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Engine runs requests against the upstream.
type Engine struct {
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// New creates an engine.
func New(cfg Config) *Engine {
	var client http.Client
	if cfg.Client != nil {
		client = *cfg.Client
	} else {
		client = *NewHTTPClient()
	}
	client.CheckRedirect = noRedirect
	// Per-attempt deadlines come from the request context.
	client.Timeout = 0

	logger := logging.NewLogger("fetch")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{client: &client, logger: logger, now: now}
}

// NewHTTPClient returns a client tuned for a single upstream.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: noRedirect,
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Do executes req with the retry policy. Non-2xx statuses are returned as
// responses; only transport-level outcomes become errors:
// *TimeoutError, *AbortedError, ErrBudgetExceeded or *TransportError.
func (e *Engine) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if _, err := http.NewRequest(method, req.URL, nil); err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	policy := req.Policy.withDefaults()
	maxAttempts := policy.maxAttemptsFor(method)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := req.Start
	if start.IsZero() {
		start = e.now()
	}
	defer func() {
		upstreamDurationSeconds.WithLabelValues(method).Observe(e.now().Sub(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		attemptTimeout := timeout
		if remaining, bounded := backoff.Remaining(policy.MaxTotalTime, start, e.now()); bounded {
			if remaining <= 0 {
				return nil, e.fail(method, &budgetError{attempts: attempt - 1, budget: policy.MaxTotalTime})
			}
			if remaining < attemptTimeout {
				attemptTimeout = remaining
			}
		}

		resp, err := e.attempt(ctx, method, req, attemptTimeout)
		if err != nil {
			var timeoutErr *TimeoutError
			switch {
			case errors.As(err, &timeoutErr):
				upstreamAttemptsTotal.WithLabelValues(method, "timeout").Inc()
				return nil, e.fail(method, &TimeoutError{Timeout: timeoutErr.Timeout, Attempts: attempt})
			case ctx.Err() != nil:
				upstreamAttemptsTotal.WithLabelValues(method, "aborted").Inc()
				return nil, e.fail(method, &AbortedError{Cause: context.Cause(ctx), Attempts: attempt})
			}

			upstreamAttemptsTotal.WithLabelValues(method, "network_error").Inc()
			e.logger.Warn().Err(err).
				Str("method", method).
				Int("attempt", attempt).
				Msg("Upstream request failed")

			if attempt >= maxAttempts {
				return nil, e.fail(method, &TransportError{Attempts: attempt, Err: err})
			}
			if werr := e.waitBeforeRetry(ctx, policy, attempt, start, "", ErrorClassNetwork); werr != nil {
				return nil, e.fail(method, werr)
			}
			continue
		}

		upstreamAttemptsTotal.WithLabelValues(method, fmt.Sprintf("%d", resp.StatusCode)).Inc()

		if isRetryableStatus(resp.StatusCode) && attempt < maxAttempts {
			var retryAfter string
			if resp.StatusCode == http.StatusTooManyRequests {
				retryAfter = resp.Header.Get("Retry-After")
			}
			e.logger.Warn().
				Str("method", method).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Msg("Retryable upstream status")
			discard(resp)

			if werr := e.waitBeforeRetry(ctx, policy, attempt, start, retryAfter, ErrorClassStatus); werr != nil {
				return nil, e.fail(method, werr)
			}
			continue
		}

		meta := UpstreamMeta{Attempts: attempt, Duration: e.now().Sub(start)}
		if attempt > 1 {
			e.logger.Info().
				Str("method", method).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Dur("duration", meta.Duration).
				Msg("Upstream request completed after retry")
		}
		return &Response{Response: resp, Meta: meta}, nil
	}
}

// attempt issues a single request. The returned body keeps the attempt
// context alive until it is closed.
func (e *Engine) attempt(ctx context.Context, method string, req Request, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeoutCause(ctx, timeout, &TimeoutError{Timeout: timeout})

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, err
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		cause := context.Cause(attemptCtx)
		cancel()
		var timeoutErr *TimeoutError
		if ctx.Err() == nil && errors.As(cause, &timeoutErr) {
			return nil, timeoutErr
		}
		return nil, err
	}

	resp.Body = &attemptBody{ReadCloser: resp.Body, ctx: attemptCtx, cancel: cancel}
	return resp, nil
}

func (e *Engine) fail(method string, err error) error {
	class := Classify(err)
	upstreamFailuresTotal.WithLabelValues(string(class)).Inc()
	e.logger.Error().Err(err).
		Str("method", method).
		Str("error_class", string(class)).
		Int("attempts", AttemptsOf(err)).
		Msg("Upstream request failed terminally")
	return err
}

// discard drains a bounded prefix of the body without buffering it and
// closes it, which also releases the attempt context.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	_ = resp.Body.Close()
}

// attemptBody ties the attempt context to the body lifetime. A read that
// fails because the attempt timed out reports a *TimeoutError.
type attemptBody struct {
	io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
}

func (b *attemptBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		var timeoutErr *TimeoutError
		if errors.As(context.Cause(b.ctx), &timeoutErr) {
			return n, timeoutErr
		}
	}
	return n, err
}

func (b *attemptBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
