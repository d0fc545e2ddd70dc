// Package orchestrator is the caller-side entry point to the gateway.
//
// It serves responses from a short-lived cache, coalesces identical
// concurrent calls into one network request and turns gateway failures into
// a uniform *RequestError. It never retries; that is the gateway's job.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/simgate/pkg/bodylimit"
	"github.com/Sternrassler/simgate/pkg/cache"
	"github.com/Sternrassler/simgate/pkg/fetch"
	"github.com/Sternrassler/simgate/pkg/logging"
	"github.com/rs/zerolog"
)

// DefaultMaxResponseBytes matches the gateway's response cap.
const DefaultMaxResponseBytes = 2 << 20

// Config holds the orchestrator configuration.
type Config struct {
	// BaseURL is the gateway route, e.g. "http://localhost:8080/api/backend".
	BaseURL string

	// HTTPClient sends requests (default: http.DefaultClient).
	HTTPClient Doer

	// Store is the process-wide cache and inflight map. Construct it once
	// and share it; a private store is created when nil.
	Store *cache.Store

	// Shared is an optional second tier shared between processes.
	Shared *cache.RedisTier

	// TokenSource adds an Authorization header when the caller set none.
	TokenSource TokenSource

	// Debug emits a "perf" debug event per call.
	Debug bool

	MaxResponseBytes int64

	Logger *zerolog.Logger
}

// Client orchestrates calls to the gateway.
type Client struct {
	baseURL     string
	http        Doer
	store       *cache.Store
	shared      *cache.RedisTier
	tokens      TokenSource
	debug       bool
	maxResponse int64
	logger      zerolog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("orchestrator: base URL is required")
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        cfg.HTTPClient,
		store:       cfg.Store,
		shared:      cfg.Shared,
		tokens:      cfg.TokenSource,
		debug:       cfg.Debug,
		maxResponse: cfg.MaxResponseBytes,
		logger:      logging.NewLogger("orchestrator"),
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.store == nil {
		c.store = cache.NewStore(cache.DefaultOptions())
	}
	if c.maxResponse <= 0 {
		c.maxResponse = DefaultMaxResponseBytes
	}
	if cfg.Logger != nil {
		c.logger = *cfg.Logger
	}
	return c, nil
}

// call is the resolved form of one Request invocation.
type call struct {
	method    string
	path      string
	headers   http.Header
	body      []byte
	cacheKey  string
	cacheable bool
	ttl       time.Duration
}

// Request performs path (relative to BaseURL, query included) with opts.
// Failures are *RequestError.
func (c *Client) Request(ctx context.Context, path string, opts Options) (*Result, error) {
	start := time.Now()

	cl, err := c.prepare(ctx, path, opts)
	if err != nil {
		c.record(cl.method, path, 0, start, sourceError, opts)
		return nil, err
	}

	if cl.cacheable {
		if res := c.lookup(ctx, cl); res != nil {
			c.record(cl.method, path, res.Status, start, string(res.Source), opts)
			return res, nil
		}
	}

	var val any
	source := SourceNetwork
	if key, ok := dedupeKey(cl, opts); ok {
		var shared bool
		val, shared, err = c.store.Do(ctx, key, func() (any, error) {
			return c.fetch(ctx, cl)
		})
		if shared {
			source = SourceDedupe
		}
	} else {
		val, err = c.fetch(ctx, cl)
	}

	if err != nil {
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			// A follower whose own context ended while waiting.
			reqErr = abortedError(err)
			err = reqErr
		}
		c.record(cl.method, path, reqErr.Status, start, sourceError, opts)
		return nil, err
	}

	res := val.(*Result).clone(source)
	c.record(cl.method, path, res.Status, start, string(source), opts)
	return res, nil
}

// Get is Request with method GET.
func (c *Client) Get(ctx context.Context, path string, opts Options) (*Result, error) {
	opts.Method = http.MethodGet
	return c.Request(ctx, path, opts)
}

func (c *Client) prepare(ctx context.Context, path string, opts Options) (call, error) {
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}
	cl := call{method: method, path: path}

	cl.headers = opts.Headers.Clone()
	if cl.headers == nil {
		cl.headers = make(http.Header)
	}
	if c.tokens != nil && cl.headers.Get("Authorization") == "" {
		token, err := c.tokens(ctx)
		if err != nil {
			return cl, &RequestError{Message: "Failed to obtain access token", Err: err}
		}
		if token != "" {
			cl.headers.Set("Authorization", "Bearer "+token)
		}
	}

	body, err := encodeBody(opts.Body)
	if err != nil {
		return cl, &RequestError{Message: "Invalid request body", Err: err}
	}
	cl.body = body
	if body != nil && cl.headers.Get("Content-Type") == "" && !isRawBody(opts.Body) {
		cl.headers.Set("Content-Type", "application/json")
	}

	cl.cacheable = method == http.MethodGet && opts.CacheTTL > 0 && !opts.SkipCache
	cl.ttl = opts.CacheTTL
	cl.cacheKey = cache.Key{
		Method:        method,
		URL:           path,
		Authenticated: cl.headers.Get("Authorization") != "",
		Suffix:        opts.DedupeKey,
	}.String()
	return cl, nil
}

// dedupeKey returns the coalescing key for a call, which is its cache key.
// Reads are coalesced by default; anything else only under an explicit
// DedupeKey.
func dedupeKey(cl call, opts Options) (string, bool) {
	if opts.DisableDedupe {
		return "", false
	}
	if opts.DedupeKey == "" && !fetch.IsIdempotent(cl.method) {
		return "", false
	}
	return cl.cacheKey, true
}

// lookup checks the memory store, then the shared tier.
func (c *Client) lookup(ctx context.Context, cl call) *Result {
	if v, ok := c.store.Get(cl.cacheKey); ok {
		return v.(*Result).clone(SourceCache)
	}
	if c.shared == nil {
		return nil
	}

	data, err := c.shared.Get(ctx, cl.cacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("path", SanitizePath(cl.path)).Msg("Shared cache read failed")
		}
		return nil
	}
	entry, err := cache.UnmarshalEntry(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Discarding unreadable shared cache entry")
		_ = c.shared.Delete(ctx, cl.cacheKey)
		return nil
	}
	now := time.Now()
	if entry.IsExpired(now) {
		return nil
	}

	res := &Result{Data: entry.Data, Status: entry.Status, Headers: entry.Headers}
	c.store.Set(cl.cacheKey, res, entry.TTL(now))
	return res.clone(SourceSharedCache)
}

// fetch issues the network call and populates caches on success.
func (c *Client) fetch(ctx context.Context, cl call) (*Result, error) {
	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+"/"+strings.TrimLeft(cl.path, "/"), body)
	if err != nil {
		return nil, &RequestError{Message: "Invalid request", Err: err}
	}
	req.Header = cl.headers.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, abortedError(context.Cause(ctx))
		}
		return nil, &RequestError{Message: "Network request failed", Err: err}
	}

	data, err := bodylimit.ReadAll(resp.Body, c.maxResponse)
	if err != nil {
		if ctx.Err() != nil {
			return nil, abortedError(context.Cause(ctx))
		}
		return nil, &RequestError{Message: "Failed to read response", Status: resp.StatusCode, Headers: resp.Header, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp, data)
	}

	res := &Result{Data: data, Status: resp.StatusCode, Headers: resp.Header, Source: SourceNetwork}
	if cl.cacheable {
		c.store.Set(cl.cacheKey, res, cl.ttl)
		c.storeShared(ctx, cl, res)
	}
	return res, nil
}

func (c *Client) storeShared(ctx context.Context, cl call, res *Result) {
	if c.shared == nil {
		return
	}
	ttl := min(cl.ttl, cache.DefaultMaxTTL)
	now := time.Now()
	entry := cache.Entry{
		Data:      res.Data,
		Status:    res.Status,
		Headers:   res.Headers,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := entry.Marshal()
	if err == nil {
		err = c.shared.Set(ctx, cl.cacheKey, data, ttl)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("path", SanitizePath(cl.path)).Msg("Shared cache write failed")
	}
}

// statusError builds the error for a non-2xx response, preferring the
// gateway's JSON "message".
func statusError(resp *http.Response, data []byte) *RequestError {
	reqErr := &RequestError{
		Message: http.StatusText(resp.StatusCode),
		Status:  resp.StatusCode,
		Headers: resp.Header,
	}
	if reqErr.Message == "" {
		reqErr.Message = fmt.Sprintf("Request failed with status %d", resp.StatusCode)
	}
	if len(data) == 0 {
		return reqErr
	}

	var details any
	if err := json.Unmarshal(data, &details); err != nil {
		reqErr.Details = string(data)
		return reqErr
	}
	reqErr.Details = details
	if obj, ok := details.(map[string]any); ok {
		if msg, ok := obj["message"].(string); ok && msg != "" {
			reqErr.Message = msg
		}
	}
	return reqErr
}

func abortedError(cause error) *RequestError {
	return &RequestError{Message: "Request aborted", Err: cause}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

func isRawBody(body any) bool {
	switch body.(type) {
	case []byte, string:
		return true
	default:
		return false
	}
}

// record emits metrics and, in debug mode, the perf event.
func (c *Client) record(method, path string, status int, start time.Time, source string, opts Options) {
	elapsed := time.Since(start)
	clientRequestsTotal.WithLabelValues(method, source).Inc()
	clientRequestDuration.WithLabelValues(source).Observe(elapsed.Seconds())

	if !c.debug {
		return
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", SanitizePath(path)).
		Int("status", status).
		Dur("duration", elapsed).
		Str("cache", cacheMode(opts)).
		Str("source", source).
		Msg("perf")
}

func cacheMode(opts Options) string {
	switch {
	case opts.SkipCache:
		return "skip"
	case opts.CacheTTL > 0:
		return "ttl"
	default:
		return "none"
	}
}
