package auth

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// StaticToken returns a TokenProvider that always yields the same bearer
// token regardless of the discovered metadata.
func StaticToken(accessToken string) TokenProvider {
	tok := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	return TokenProviderFunc(func(context.Context, *Metadata) (*oauth2.Token, error) {
		return tok, nil
	})
}

// SourceFactory builds an oauth2.TokenSource for one authorization server.
// The context passed is detached from the triggering request so sources can
// refresh after it returns.
type SourceFactory func(ctx context.Context, md *Metadata) (oauth2.TokenSource, error)

// TokenSourceProvider adapts oauth2 token sources to TokenProvider. One
// source is built per authorization server and reused until its token
// expires.
type TokenSourceProvider struct {
	factory SourceFactory

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewTokenSourceProvider wraps factory.
func NewTokenSourceProvider(factory SourceFactory) *TokenSourceProvider {
	return &TokenSourceProvider{factory: factory, sources: map[string]oauth2.TokenSource{}}
}

// Token implements TokenProvider.
func (p *TokenSourceProvider) Token(ctx context.Context, md *Metadata) (*oauth2.Token, error) {
	if md == nil || md.AuthorizationServer == nil {
		return nil, ErrNoToken
	}
	key := md.AuthorizationServer.String()

	p.mu.Lock()
	src, ok := p.sources[key]
	if !ok {
		s, err := p.factory(context.WithoutCancel(ctx), md)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		src = oauth2.ReuseTokenSource(nil, expirySource{s})
		p.sources[key] = src
	}
	p.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("auth: token from %s: %w", key, err)
	}
	return tok, nil
}

// ClientCredentials returns a TokenProvider running the OAuth 2.0 client
// credentials grant against the discovered token endpoint. When scopes is
// empty the resource's advertised scopes are requested. The RFC 8707
// resource parameter is sent when the server published resource metadata.
func ClientCredentials(clientID, clientSecret string, scopes ...string) *TokenSourceProvider {
	return NewTokenSourceProvider(func(ctx context.Context, md *Metadata) (oauth2.TokenSource, error) {
		if md.ServerMetadata == nil || md.ServerMetadata.TokenEndpoint == "" {
			return nil, fmt.Errorf("%w: no token endpoint for %s", ErrNoToken, md.AuthorizationServer)
		}
		cfg := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     md.ServerMetadata.TokenEndpoint,
			Scopes:       scopes,
		}
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = md.Scopes()
		}
		if md.ResourceMetadata != nil && md.ResourceMetadata.Resource != "" {
			cfg.EndpointParams = url.Values{"resource": {md.ResourceMetadata.Resource}}
		}
		return cfg.TokenSource(ctx), nil
	})
}

// expirySource fills a missing Expiry from the exp claim of JWT access
// tokens so ReuseTokenSource knows when to refresh.
type expirySource struct{ src oauth2.TokenSource }

func (s expirySource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil || !tok.Expiry.IsZero() {
		return tok, err
	}
	if exp, ok := TokenExpiry(tok.AccessToken); ok {
		tok.Expiry = exp
	}
	return tok, nil
}

// TokenExpiry reads the exp claim of a JWT access token without verifying
// it. Opaque tokens report false.
func TokenExpiry(accessToken string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
