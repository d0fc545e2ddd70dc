package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultPrefix is the inbound route the gateway is mounted on.
	DefaultPrefix = "/api/backend/"

	// DefaultTimeout is the per-attempt timeout for ordinary endpoints.
	DefaultTimeout = 20 * time.Second

	// DefaultLongRunningTimeout applies to endpoints matched by a Rule.
	DefaultLongRunningTimeout = 90 * time.Second
)

// ErrInvalidPath is returned for empty paths and paths with dot segments.
var ErrInvalidPath = errors.New("invalid request path")

// Rule marks an endpoint as long-running. Pattern segments are separated
// by "/" and "*" matches exactly one non-empty segment.
type Rule struct {
	Method  string `yaml:"method"`
	Pattern string `yaml:"pattern"`
}

// DefaultRules returns the built-in long-running endpoints.
func DefaultRules() []Rule {
	return []Rule{
		{Method: "POST", Pattern: "simulations/*/generate"},
		{Method: "POST", Pattern: "simulations/*/tasks/*/regenerate"},
		{Method: "POST", Pattern: "submissions/*/evaluate"},
		{Method: "POST", Pattern: "tasks/*/run"},
	}
}

func (r Rule) matches(method string, segments []string) bool {
	if !strings.EqualFold(r.Method, method) {
		return false
	}
	pattern := splitSegments(r.Pattern)
	if len(pattern) != len(segments) {
		return false
	}
	for i, p := range pattern {
		if p == "*" {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if p != segments[i] {
			return false
		}
	}
	return true
}

// Target is a resolved upstream call.
type Target struct {
	// BackendPath is the path below the prefix, e.g. "simulations/42".
	BackendPath string
	URL         string
	Method      string
	Timeout     time.Duration
	LongRunning bool
}

// Resolver maps inbound gateway paths to upstream targets.
type Resolver struct {
	BackendBase        *url.URL
	Prefix             string
	DefaultTimeout     time.Duration
	LongRunningTimeout time.Duration
	Rules              []Rule
}

// NewResolver parses backendBase and returns a resolver with the default
// prefix, timeouts and rules.
func NewResolver(backendBase string) (*Resolver, error) {
	base, err := url.Parse(backendBase)
	if err != nil {
		return nil, fmt.Errorf("parse backend base URL: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("backend base URL %q must be an absolute http(s) URL", backendBase)
	}
	return &Resolver{
		BackendBase:        base,
		Prefix:             DefaultPrefix,
		DefaultTimeout:     DefaultTimeout,
		LongRunningTimeout: DefaultLongRunningTimeout,
		Rules:              DefaultRules(),
	}, nil
}

// Resolve maps {Prefix}{rest}?{query} to {backendBase}/api/{rest}?{query}.
func (res *Resolver) Resolve(method string, u *url.URL) (Target, error) {
	prefix := res.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	escaped := u.EscapedPath()
	if !strings.HasPrefix(escaped, prefix) {
		return Target{}, fmt.Errorf("%w: outside %s", ErrInvalidPath, prefix)
	}
	rest := strings.TrimLeft(strings.TrimPrefix(escaped, prefix), "/")

	segments := splitSegments(rest)
	if len(segments) == 0 {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		if decoded == "." || decoded == ".." || strings.ContainsAny(decoded, "/\\") {
			return Target{}, fmt.Errorf("%w: segment %q", ErrInvalidPath, seg)
		}
		segments[i] = decoded
	}

	target := Target{
		BackendPath: rest,
		Method:      strings.ToUpper(method),
		Timeout:     res.timeout(res.DefaultTimeout, DefaultTimeout),
	}
	for _, rule := range res.Rules {
		if rule.matches(target.Method, segments) {
			target.Timeout = res.timeout(res.LongRunningTimeout, DefaultLongRunningTimeout)
			target.LongRunning = true
			break
		}
	}

	base := *res.BackendBase
	base.RawQuery = ""
	base.Fragment = ""
	target.URL = strings.TrimRight(base.String(), "/") + "/api/" + rest
	if u.RawQuery != "" {
		target.URL += "?" + u.RawQuery
	}
	return target, nil
}

func (res *Resolver) timeout(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return fallback
}

// splitSegments splits a path on "/" ignoring leading and trailing slashes.
func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
