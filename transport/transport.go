// Package transport declares the narrow contract between an MCP connection
// and the JSON-RPC layer above it. A transport moves opaque JSON-RPC payloads
// and reports its lifecycle through two callbacks; it never references the
// request handler.
package transport

import (
	"context"
	"fmt"
)

// StateKind enumerates connection lifecycle states.
type StateKind int

const (
	StateStopped StateKind = iota
	StateStarting
	StateRunning
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// State is the tagged union reported through OnStateChange. Message and
// ShouldRetry are only meaningful for StateError.
type State struct {
	Kind    StateKind
	Message string
	// ShouldRetry is advisory: the server invalidated the session and a fresh
	// connection is likely to succeed.
	ShouldRetry bool
	// Err is the underlying cause for StateError, if any.
	Err error
}

func (s State) String() string {
	if s.Kind == StateError {
		return fmt.Sprintf("error: %s (retry=%t)", s.Message, s.ShouldRetry)
	}
	return s.Kind.String()
}

// Stopped, Starting and Running are the payload-free states.
var (
	Stopped  = State{Kind: StateStopped}
	Starting = State{Kind: StateStarting}
	Running  = State{Kind: StateRunning}
)

// Errored builds an error state from err.
func Errored(err error, shouldRetry bool) State {
	return State{Kind: StateError, Message: err.Error(), ShouldRetry: shouldRetry, Err: err}
}

// Callbacks are the two sinks a transport reports to. Both may be invoked
// from transport-owned goroutines; OnMessage is called in stream order for
// each stream.
type Callbacks struct {
	OnMessage     func(msg []byte)
	OnStateChange func(State)
}

// Message delivers msg if a sink is configured.
func (c Callbacks) Message(msg []byte) {
	if c.OnMessage != nil {
		c.OnMessage(msg)
	}
}

// StateChange reports s if a sink is configured.
func (c Callbacks) StateChange(s State) {
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// Transport is satisfied by every connection kind.
type Transport interface {
	// Start brings the connection up. Transports that connect lazily on the
	// first Send report StateStarting and return immediately.
	Start(ctx context.Context) error
	// Send transmits one serialized JSON-RPC message. Failures surface
	// through OnStateChange rather than a return value.
	Send(ctx context.Context, msg []byte)
	// Close aborts in-flight network operations and releases resources.
	Close() error
}

// ProtocolVersionSetter is implemented by transports that echo the
// negotiated protocol version on the wire.
type ProtocolVersionSetter interface {
	SetProtocolVersion(version string)
}
