package gateway

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderRequestID carries the correlation id in both directions.
	HeaderRequestID = "X-Request-Id"

	// HeaderUpstreamStatus reports the upstream status, 0 when none arrived.
	HeaderUpstreamStatus = "X-Upstream-Status"

	// HeaderServerTiming summarizes attempts when retries occurred.
	HeaderServerTiming = "Server-Timing"

	maxRequestIDLength = 128
)

// deniedRequestHeaders are never forwarded upstream.
var deniedRequestHeaders = map[string]bool{
	"connection":          true,
	"host":                true,
	"content-length":      true,
	"accept-encoding":     true,
	"upgrade":             true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"cookie":              true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
}

// strippedResponseHeaders are never copied back to the caller.
// Content-Length is recomputed from the buffered body.
var strippedResponseHeaders = map[string]bool{
	"connection":         true,
	"keep-alive":         true,
	"proxy-authenticate": true,
	"proxy-connection":   true,
	"te":                 true,
	"trailer":            true,
	"transfer-encoding":  true,
	"upgrade":            true,
	"location":           true,
	"content-length":     true,
}

// connectionTokens returns the lowercased header names listed in
// Connection, which are hop-by-hop for this message only.
func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				tokens[strings.ToLower(name)] = true
			}
		}
	}
	return tokens
}

// forwardHeaders copies inbound headers minus the deny-list.
func forwardHeaders(in http.Header) http.Header {
	extra := connectionTokens(in)
	out := make(http.Header, len(in))
	for key, values := range in {
		lower := strings.ToLower(key)
		if deniedRequestHeaders[lower] || extra[lower] {
			continue
		}
		for _, value := range values {
			out.Add(key, value)
		}
	}
	return out
}

// copyResponseHeaders copies upstream headers the caller may see.
func copyResponseHeaders(dst, src http.Header) {
	extra := connectionTokens(src)
	for key, values := range src {
		lower := strings.ToLower(key)
		if strippedResponseHeaders[lower] || extra[lower] {
			continue
		}
		// Gateway-owned headers are set by the handler.
		if lower == strings.ToLower(HeaderRequestID) || lower == strings.ToLower(HeaderUpstreamStatus) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// requestID returns the inbound correlation id when it is well formed,
// otherwise a fresh UUID.
func requestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); validRequestID(id) {
		return id
	}
	return uuid.NewString()
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}
