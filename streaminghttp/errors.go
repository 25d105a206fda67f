package streaminghttp

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("streaminghttp: connection closed")

// ConnectionError reports a failed exchange with the server: a network error
// or a status >= 300. It reaches callers through the error state, never as a
// return value from Send.
type ConnectionError struct {
	URL string
	// Status is zero for network failures.
	Status int
	// Body is a prefix of the response body, for diagnostics.
	Body string
	// ShouldRetry is set when the server invalidated the session (400 or
	// 404 with a session id) and reconnecting is likely to succeed.
	ShouldRetry bool
	Err         error
}

func (e *ConnectionError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
	msg := fmt.Sprintf("%s responded %d %s", e.URL, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a response the client could not interpret: an
// unexpected content type or a body that is not JSON.
type ProtocolError struct {
	ContentType string
	Err         error
}

func (e *ProtocolError) Error() string {
	if e.ContentType != "" {
		return fmt.Sprintf("protocol error (content-type %q): %v", e.ContentType, e.Err)
	}
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

var (
	errUnexpectedContentType = errors.New("unexpected content type")
	errNotJSON               = errors.New("response body is not JSON")
	errNoEndpoint            = errors.New("legacy SSE stream ended before an endpoint event")
	errStreamClosed          = errors.New("legacy SSE stream closed")
)
