package orchestrator

import "net/http"

// RequestError is the uniform failure returned by Client.Request.
type RequestError struct {
	// Message is the gateway's "message" field or a local description.
	Message string

	// Status is the HTTP status, 0 when no response was received.
	Status int

	// Details is the decoded error body, or the raw text when it is not
	// JSON.
	Details any

	Headers http.Header

	// Err is the underlying cause for failures without a response.
	Err error
}

func (e *RequestError) Error() string {
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
