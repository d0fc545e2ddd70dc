package orchestrator

import (
	"net/url"
	"regexp"
	"strings"
)

// Redacted replaces opaque path segments and sensitive query values.
const Redacted = "[redacted]"

var (
	uuidPattern   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	digitsPattern = regexp.MustCompile(`^[0-9]{12,}$`)
	jwtPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}$`)
	tokenPattern  = regexp.MustCompile(`^[A-Za-z0-9_\-.~=+%]{24,}$`)
	hasDigit      = regexp.MustCompile(`[0-9]`)
)

var sensitiveParams = map[string]bool{
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"id_token":      true,
	"code":          true,
	"otp":           true,
	"password":      true,
	"secret":        true,
	"key":           true,
	"api_key":       true,
	"signature":     true,
	"sig":           true,
	"email":         true,
	"auth":          true,
	"session":       true,
}

// SanitizePath returns path safe for logs: opaque segments (UUIDs, long
// digit runs, JWT-like and long token strings) and the values of sensitive
// query parameters become [redacted]. The fragment is dropped.
func SanitizePath(path string) string {
	if i := strings.IndexByte(path, '#'); i >= 0 {
		path = path[:i]
	}
	p, query, hasQuery := strings.Cut(path, "?")

	segments := strings.Split(p, "/")
	for i, seg := range segments {
		if isOpaque(seg) {
			segments[i] = Redacted
		}
	}
	out := strings.Join(segments, "/")

	if !hasQuery || query == "" {
		return out
	}

	pairs := strings.Split(query, "&")
	for i, pair := range pairs {
		rawName, _, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(rawName)
		if err != nil {
			pairs[i] = Redacted
			continue
		}
		if sensitiveParams[strings.ToLower(name)] {
			pairs[i] = rawName + "=" + Redacted
		}
	}
	return out + "?" + strings.Join(pairs, "&")
}

// isOpaque reports whether a path segment looks like an identifier or a
// credential rather than a route word. Long slugs without digits stay.
func isOpaque(seg string) bool {
	switch {
	case seg == "":
		return false
	case uuidPattern.MatchString(seg), digitsPattern.MatchString(seg), jwtPattern.MatchString(seg):
		return true
	case tokenPattern.MatchString(seg) && hasDigit.MatchString(seg):
		return true
	default:
		return false
	}
}
