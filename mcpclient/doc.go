// Package mcpclient is an MCP client: it connects to a server over
// streamable HTTP (with legacy SSE fallback) or stdio, performs the
// initialize handshake and exposes the protocol's methods as typed calls.
//
// Quick start
//
//	h, err := mcpclient.Create(ctx, mcpclient.LaunchConfig{
//	    Transport: mcpclient.TransportHTTP,
//	    URI:       "https://api.example/mcp",
//	}, mcpclient.WithLogger(logger))
//	if err != nil { ... }
//	defer h.Close()
//
//	tools, err := h.ListTools(ctx)
//	res, err := h.CallTool(ctx, "search", map[string]any{"q": "golang"})
//
// Requests
//
// Every outbound request gets a fresh id and waits for its matching response.
// Cancelling the context passed to a call rejects it with a *CancelledError
// and sends the server exactly one notifications/cancelled. JSON-RPC errors
// are returned as *RPCError; once the transport stops or fails every pending
// call is rejected with a *ConnectionClosedError.
//
// Paginated methods come in two forms: a lazy iterator (ToolsPages,
// PromptsPages, ...) that fetches one page per step and stops as soon as the
// consumer breaks, and a List* helper that collects every page. Paginate
// builds the same iterator for any other cursor-based method.
//
// Server-initiated traffic
//
// The handler always answers ping and roots/list. Sampling and elicitation
// requests are answered when WithSamplingHandler and WithElicitationHandler
// are supplied, and the matching capabilities are advertised. Notifications
// (progress, logging, list changes, resource updates) are passed to the
// hooks.Observer given with WithObserver; server log messages are also
// written to the configured slog.Logger.
package mcpclient
