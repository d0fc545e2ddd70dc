package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Source records where a Result came from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceSharedCache Source = "shared-cache"
	SourceDedupe      Source = "dedupe"
)

// Options controls a single call. The zero value is a plain GET without
// caching; identical concurrent GETs are still coalesced.
type Options struct {
	Method  string
	Headers http.Header

	// Body is sent as-is for []byte and string, JSON-encoded otherwise
	// (with a JSON Content-Type unless one is set).
	Body any

	// SkipCache bypasses cache reads and writes. It does not disable
	// dedupe.
	SkipCache bool

	// CacheTTL enables caching of successful GET responses. The store
	// clamps it to its ceiling.
	CacheTTL time.Duration

	// DedupeKey is appended to the cache key. It separates cache entries
	// for the same path and enables coalescing for calls with side effects.
	DedupeKey string

	// DisableDedupe always issues a dedicated request.
	DisableDedupe bool
}

// Result is a successful response.
type Result struct {
	Data    []byte
	Status  int
	Headers http.Header
	Source  Source
}

// Decode JSON-decodes Data into v.
func (r *Result) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// clone returns a copy tagged with source. Results are shared between
// callers, so nobody gets the stored instance.
func (r *Result) clone(source Source) *Result {
	return &Result{
		Data:    bytes.Clone(r.Data),
		Status:  r.Status,
		Headers: r.Headers.Clone(),
		Source:  source,
	}
}

// TokenSource returns a bearer token for outgoing calls. An empty token
// sends the request unauthenticated.
type TokenSource func(ctx context.Context) (string, error)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
