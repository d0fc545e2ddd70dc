package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Entry is the serialized form of a response kept in the shared tier.
type Entry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// Status is the HTTP status code of the cached response
	Status int `json:"status"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`

	// ExpiresAt is when the entry stops being served
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the entry is no longer servable at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Marshal encodes the entry for storage.
func (e *Entry) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return data, nil
}

// UnmarshalEntry decodes an entry written by Marshal.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}
