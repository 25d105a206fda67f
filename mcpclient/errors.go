package mcpclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/transport"
)

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("mcpclient: handler closed")

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    any
}

func newRPCError(method string, e *jsonrpc.Error) *RPCError {
	return &RPCError{Method: method, Code: int(e.Code), Message: e.Message, Data: e.Data}
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcpclient: %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// CancelledError reports a request abandoned before its response arrived,
// either because the caller's context ended or because the server sent
// notifications/cancelled for it. It matches context.Canceled with errors.Is.
type CancelledError struct {
	Method string
	// Remote is set when the server cancelled the request.
	Remote bool
	Cause  error
}

func (e *CancelledError) Error() string {
	if e.Remote {
		return fmt.Sprintf("mcpclient: %s cancelled by server", e.Method)
	}
	return fmt.Sprintf("mcpclient: %s cancelled: %v", e.Method, e.Cause)
}

func (e *CancelledError) Unwrap() []error {
	if e.Cause == nil || errors.Is(e.Cause, context.Canceled) {
		return []error{context.Canceled}
	}
	return []error{context.Canceled, e.Cause}
}

// ConnectionClosedError fails pending requests when the transport stops or
// errors.
type ConnectionClosedError struct {
	State transport.State
}

func (e *ConnectionClosedError) Error() string {
	return fmt.Sprintf("mcpclient: connection %s", e.State)
}

func (e *ConnectionClosedError) Unwrap() error { return e.State.Err }

// ShouldRetry reports whether a fresh connection is likely to succeed.
func (e *ConnectionClosedError) ShouldRetry() bool { return e.State.ShouldRetry }
