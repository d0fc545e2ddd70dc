// Package bodylimit reads request and response bodies under a byte cap.
//
// The stream is consumed chunk by chunk and closed the moment the cap is
// exceeded, so an oversized body is never buffered in full. Closing an
// upstream response body before EOF aborts the underlying connection.
package bodylimit

import (
	"bytes"
	"errors"
	"io"
)

// ErrTooLarge is returned when a body exceeds its cap.
var ErrTooLarge = errors.New("body exceeds size limit")

const chunkSize = 32 << 10

// ReadAll reads rc to completion as long as it stays within limit bytes.
// rc is always closed before ReadAll returns. A limit <= 0 rejects any
// non-empty body.
func ReadAll(rc io.ReadCloser, limit int64) ([]byte, error) {
	defer rc.Close()

	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := rc.Read(chunk)
		if n > 0 {
			if int64(buf.Len())+int64(n) > limit {
				return nil, ErrTooLarge
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// DeclaredTooLarge reports whether a declared Content-Length already
// exceeds limit. Unknown lengths (negative) are never too large.
func DeclaredTooLarge(contentLength, limit int64) bool {
	return contentLength >= 0 && contentLength > limit
}
