// Package streaminghttp implements the client side of the MCP streamable
// HTTP transport, with automatic fallback to the legacy HTTP+SSE transport
// for servers that predate it.
//
// A Connection starts in an unknown mode. The first message is POSTed to the
// server URL and the response decides the dialect:
//
//   - a success fixes the mode to streamable HTTP, records any
//     Mcp-Session-Id and opens the backchannel, a long-lived GET used for
//     server-initiated messages;
//   - a 4xx other than 401 and 403 switches to legacy SSE: a GET event stream
//     is opened, its endpoint event names the URL messages are POSTed to,
//     and every reply arrives on that stream;
//   - a 401 triggers OAuth discovery (see package auth) and one retry with a
//     bearer token from the configured TokenProvider.
//
// Response bodies may be JSON, delivered verbatim to the OnMessage callback,
// or an event stream whose message events are delivered in order.
//
// # Failures
//
// Send never returns an error. Network failures, statuses >= 300 and
// unreadable bodies are reported through OnStateChange as a StateError
// carrying a *ConnectionError or *ProtocolError. ShouldRetry is set when the
// server answered 400 or 404 to a request bearing a session id, meaning the
// session is gone and a fresh connection is likely to work. Backchannel
// failures are retried with linear backoff and never fail the connection.
//
// # Lifetime
//
//	conn, err := streaminghttp.New("https://api.example/mcp", transport.Callbacks{
//	    OnMessage:     handle,
//	    OnStateChange: observe,
//	}, streaminghttp.WithTokenProvider(auth.ClientCredentials(id, secret)))
//	...
//	defer conn.Close()
//
// Close sends a best-effort DELETE for the session and aborts every
// in-flight request and stream.
package streaminghttp
