// Package auth implements the client side of MCP authorization: parsing
// WWW-Authenticate challenges, discovering OAuth 2.0 protected-resource and
// authorization-server metadata, and obtaining bearer tokens through a
// pluggable TokenProvider.
//
// # Discovery
//
// When an MCP server answers 401, the transport hands the challenges to a
// Discoverer. Discovery proceeds as follows:
//
//  1. The first Bearer challenge's resource_metadata parameter names an
//     RFC 9728 document. It is fetched (with the launch headers only when it
//     is same-origin with the MCP server) and validated. Its first
//     authorization server and its scopes are kept.
//  2. Authorization server metadata is fetched with RFC 8414 path insertion
//     (https://as/tenant -> https://as/.well-known/oauth-authorization-server/tenant).
//     On failure, OpenID Connect discovery appends
//     /.well-known/openid-configuration to the issuer.
//  3. When both fail, DefaultMetadata synthesizes /authorize, /token and
//     /register endpoints at the authorization server root.
//
// The result is cached by the transport for the life of the connection.
//
// # Tokens
//
// A TokenProvider turns Metadata into an *oauth2.Token. ClientCredentials
// runs the client credentials grant against the discovered token endpoint;
// StaticToken always returns the same token; NewTokenSourceProvider adapts
// any oauth2.TokenSource.
//
// Example:
//
//	tp := auth.ClientCredentials(os.Getenv("CLIENT_ID"), os.Getenv("CLIENT_SECRET"))
//	h, err := mcpclient.Create(ctx, launch, mcpclient.WithTokenProvider(tp))
//
// # Errors
//
// ErrDiscovery wraps metadata fetch failures; they are logged and never
// abort a connection. ErrNoToken signals a provider had nothing to offer, in
// which case the request proceeds unauthenticated and the original 401
// surfaces as a connection error.
package auth
