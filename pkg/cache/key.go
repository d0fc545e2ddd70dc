package cache

import (
	"net/url"
	"strings"
)

// Key identifies a cached response or an in-flight request.
type Key struct {
	// Method is the HTTP method (upper-cased when rendered).
	Method string

	// URL is the request path, optionally with a query string and fragment.
	URL string

	// Authenticated marks requests that carry an Authorization header.
	Authenticated bool

	// Suffix is an optional caller-supplied discriminator (dedupe key).
	Suffix string
}

// String generates a deterministic key string.
// Format: METHOD::path?sorted-query::auth:0|1[::suffix]
//
// Example:
//
//	GET::/dashboard?page=1&sort=asc::auth:1
func (k Key) String() string {
	method := strings.ToUpper(strings.TrimSpace(k.Method))
	if method == "" {
		method = "GET"
	}

	auth := "auth:0"
	if k.Authenticated {
		auth = "auth:1"
	}

	parts := []string{method, NormalizeURL(k.URL), auth}
	if k.Suffix != "" {
		parts = append(parts, k.Suffix)
	}
	return strings.Join(parts, "::")
}

// NormalizeURL reduces a URL to its path plus a query string sorted by
// parameter name. The fragment is dropped. Scheme and host, if present,
// are ignored so that absolute and relative forms of a request match.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		// Unparsable input still has to produce a stable key.
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			raw = raw[:i]
		}
		return raw
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	query := u.Query()
	if len(query) == 0 {
		return path
	}

	// Encode sorts by key; values keep their order.
	return path + "?" + query.Encode()
}
