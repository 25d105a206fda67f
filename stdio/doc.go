// Package stdio implements the MCP stdio transport from the client side: the
// server runs as a child process and JSON-RPC messages travel as
// newline-delimited JSON over its stdin and stdout.
//
// Characteristics
//
//	Connection model : 1 client <-> 1 child process
//	Auth             : none (the child inherits the client's OS identity)
//	Sessions         : the process lifetime is the session
//	Framing          : one JSON value per line, no embedded newlines
//
// Lines the child writes to stderr are logged. When the child exits the
// connection reports StateStopped for a zero exit status and StateError
// otherwise.
//
// Example:
//
//	conn, err := stdio.New("my-mcp-server", []string{"--stdio"}, transport.Callbacks{
//	    OnMessage: handle,
//	})
//	if err != nil { ... }
//	if err := conn.Start(ctx); err != nil { ... }
//	defer conn.Close()
//
// WithIO connects to an existing reader/writer pair instead of spawning a
// process, which is convenient for in-process servers and tests.
package stdio
