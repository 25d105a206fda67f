// Package mcp contains protocol data types and constants shared by the client
// transports and the request handler. It mirrors the wire representation of
// the Model Context Protocol while keeping the surface Go-friendly (exported
// structs with json tags, string constants for method names and enumerations,
// helper validation functions).
//
// The package is free of transport logic: streamable HTTP, legacy SSE and
// stdio transports carry opaque bytes, and the mcpclient package marshals and
// unmarshals these types around them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). The client dispatches inbound server requests and
// notifications on these constants.
//
// # Capabilities
//
// ClientCapabilities and ServerCapabilities capture negotiated feature sets.
// The client advertises ClientCapabilities in the initialize request and keeps
// the ServerCapabilities from the initialize result.
//
// # Pagination
//
// List operations use cursor-based pagination. PaginatedRequest and
// PaginatedResult are embedded in request / result envelopes; the client
// follows NextCursor until the server omits it.
//
// Example (tool call arguments):
//
//	req := mcp.CallToolRequest{
//	    Name:      "echo",
//	    Arguments: map[string]any{"message": "hello"},
//	}
//
// # Logging Levels
//
// LoggingLevel values mirror syslog severities. Use IsValidLoggingLevel to
// validate user-provided values before calling logging/setLevel.
//
// # Compatibility
//
// LatestProtocolVersion is the protocol date the client requests during
// initialize. The negotiated version returned by the server is what the
// transports echo in the MCP-Protocol-Version header.
package mcp
