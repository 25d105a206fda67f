package auth

import (
	"context"
	"errors"
	"net/url"

	"github.com/ggoodman/mcp-client-go/internal/wellknown"
	"golang.org/x/oauth2"
)

// ErrDiscovery wraps failures while resolving protected-resource or
// authorization-server metadata. Discovery failures are never fatal; the
// caller falls back to default metadata.
var ErrDiscovery = errors.New("auth: discovery failed")

// ErrNoToken indicates a TokenProvider had no credentials for the server.
var ErrNoToken = errors.New("auth: no token available")

// ProtectedResourceMetadata is the RFC 9728 document a server points to in
// its WWW-Authenticate challenge.
type ProtectedResourceMetadata = wellknown.ProtectedResourceMetadata

// AuthServerMetadata is the RFC 8414 / OpenID provider metadata document.
type AuthServerMetadata = wellknown.AuthServerMetadata

// Metadata is the outcome of discovery for one connection. It is computed
// on the first 401 and cached for the life of the connection.
type Metadata struct {
	// AuthorizationServer is the issuer the token should come from.
	AuthorizationServer *url.URL
	ServerMetadata      *AuthServerMetadata
	// ResourceMetadata is nil when the server did not advertise one or it
	// could not be fetched.
	ResourceMetadata *ProtectedResourceMetadata
}

// Scopes returns the scopes the resource asks for, falling back to the
// scopes the authorization server supports.
func (m *Metadata) Scopes() []string {
	if m.ResourceMetadata != nil && len(m.ResourceMetadata.ScopesSupported) > 0 {
		return append([]string(nil), m.ResourceMetadata.ScopesSupported...)
	}
	if m.ServerMetadata != nil {
		return append([]string(nil), m.ServerMetadata.ScopesSupported...)
	}
	return nil
}

// TokenProvider obtains access tokens for an authorization server. Token
// persistence and interactive flows live behind this interface.
type TokenProvider interface {
	Token(ctx context.Context, md *Metadata) (*oauth2.Token, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context, md *Metadata) (*oauth2.Token, error)

func (f TokenProviderFunc) Token(ctx context.Context, md *Metadata) (*oauth2.Token, error) {
	return f(ctx, md)
}
