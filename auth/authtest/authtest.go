// Package authtest provides an in-process OAuth 2.0 authorization server and
// a bearer-gated resource wrapper for exercising client-side MCP
// authorization in tests.
package authtest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/mcp-client-go/auth"
	"github.com/ggoodman/mcp-client-go/internal/jwtauth"
	"github.com/ggoodman/mcp-client-go/internal/wellknown"
)

// AuthorizationServer is a mock authorization server supporting the client
// credentials grant and publishing RFC 8414 and OpenID metadata.
type AuthorizationServer struct {
	Server *httptest.Server
	// Issuer is the server URL plus the configured issuer path.
	Issuer string

	key     *rsa.PrivateKey
	kid     string
	path    string
	clients map[string]string
	scopes  []string
	ttl     time.Duration
	oidc    bool

	tokenRequests    atomic.Int64
	metadataRequests sync.Map // path -> *atomic.Int64
}

// ServerOption configures an AuthorizationServer.
type ServerOption func(*AuthorizationServer)

// WithClient registers a confidential client.
func WithClient(id, secret string) ServerOption {
	return func(a *AuthorizationServer) { a.clients[id] = secret }
}

// WithIssuerPath places the issuer below a path, e.g. "/tenant".
func WithIssuerPath(p string) ServerOption {
	return func(a *AuthorizationServer) { a.path = strings.TrimSuffix(p, "/") }
}

// WithOpenIDOnly disables the RFC 8414 endpoint so only OpenID discovery
// succeeds.
func WithOpenIDOnly() ServerOption {
	return func(a *AuthorizationServer) { a.oidc = true }
}

// WithScopes sets scopes_supported.
func WithScopes(scopes ...string) ServerOption {
	return func(a *AuthorizationServer) { a.scopes = scopes }
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(d time.Duration) ServerOption {
	return func(a *AuthorizationServer) { a.ttl = d }
}

// NewAuthorizationServer starts a mock authorization server that is closed
// when the test ends.
func NewAuthorizationServer(t testing.TB, opts ...ServerOption) *AuthorizationServer {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("authtest: gen key: %v", err)
	}
	a := &AuthorizationServer{
		key:     pk,
		kid:     "authtest-key",
		clients: map[string]string{},
		ttl:     time.Hour,
	}
	for _, o := range opts {
		o(a)
	}

	mux := http.NewServeMux()
	if !a.oidc {
		mux.HandleFunc("GET "+wellknown.OAuthAuthorizationServerPath+a.path, a.count(a.serveMetadata))
	}
	mux.HandleFunc("GET "+a.path+wellknown.OpenIDConfigurationPath, a.count(a.serveMetadata))
	mux.HandleFunc("GET "+a.path+"/jwks", a.serveJWKS)
	mux.HandleFunc("POST "+a.path+"/token", a.serveToken)
	a.Server = httptest.NewServer(mux)
	a.Issuer = a.Server.URL + a.path
	t.Cleanup(a.Server.Close)
	return a
}

// JWKSURL returns the URL of the key set.
func (a *AuthorizationServer) JWKSURL() string { return a.Issuer + "/jwks" }

// TokenRequests returns how many token requests were served.
func (a *AuthorizationServer) TokenRequests() int { return int(a.tokenRequests.Load()) }

// MetadataRequests returns how many times the metadata document at path was
// requested.
func (a *AuthorizationServer) MetadataRequests(path string) int {
	if c, ok := a.metadataRequests.Load(path); ok {
		return int(c.(*atomic.Int64).Load())
	}
	return 0
}

// Mint issues a signed RFC 9068 access token.
func (a *AuthorizationServer) Mint(subject, audience string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       a.Issuer,
		"sub":       subject,
		"aud":       audience,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"client_id": subject,
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = a.kid
	tok.Header["typ"] = "at+jwt"
	return tok.SignedString(a.key)
}

func (a *AuthorizationServer) count(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, _ := a.metadataRequests.LoadOrStore(r.URL.Path, new(atomic.Int64))
		c.(*atomic.Int64).Add(1)
		next(w, r)
	}
}

func (a *AuthorizationServer) serveMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wellknown.AuthServerMetadata{
		Issuer:                            a.Issuer,
		AuthorizationEndpoint:             a.Issuer + "/authorize",
		TokenEndpoint:                     a.Issuer + "/token",
		JwksURI:                           a.JWKSURL(),
		ScopesSupported:                   a.scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"client_credentials"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
	})
}

func (a *AuthorizationServer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &a.key.PublicKey,
		KeyID:     a.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (a *AuthorizationServer) serveToken(w http.ResponseWriter, r *http.Request) {
	a.tokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "client_credentials" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if want, known := a.clients[id]; !known || want != secret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	audience := r.PostForm.Get("resource")
	if audience == "" {
		audience = a.Issuer
	}
	scopes := strings.Fields(r.PostForm.Get("scope"))
	tok, err := a.Mint(id, audience, scopes, a.ttl)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"token_type":   "Bearer",
		"expires_in":   int(a.ttl.Seconds()),
		"scope":        strings.Join(scopes, " "),
	})
}

// ProtectedResource gates a handler on bearer tokens issued by an
// AuthorizationServer and serves the RFC 9728 metadata that points to it.
type ProtectedResource struct {
	Resource string

	as       *AuthorizationServer
	next     http.Handler
	scopes   []string
	noHint   bool
	verifier *jwtauth.Verifier

	challenges atomic.Int64
	authorized atomic.Int64

	mu             sync.Mutex
	metadataHeader http.Header
}

// ResourceOption configures a ProtectedResource.
type ResourceOption func(*ProtectedResource)

// WithRequiredScopes requires every listed scope and advertises them.
func WithRequiredScopes(scopes ...string) ResourceOption {
	return func(p *ProtectedResource) { p.scopes = scopes }
}

// WithResource overrides the resource identifier (and token audience).
func WithResource(resource string) ResourceOption {
	return func(p *ProtectedResource) { p.Resource = resource }
}

// WithoutMetadataHint omits resource_metadata from challenges.
func WithoutMetadataHint() ResourceOption {
	return func(p *ProtectedResource) { p.noHint = true }
}

// NewProtectedResource wraps next. Tokens must carry the resource identifier
// as audience.
func NewProtectedResource(t testing.TB, as *AuthorizationServer, next http.Handler, opts ...ResourceOption) *ProtectedResource {
	t.Helper()
	p := &ProtectedResource{Resource: "urn:authtest:mcp", as: as, next: next}
	for _, o := range opts {
		o(p)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := jwtauth.New(ctx, jwtauth.Config{
		Issuer:         as.Issuer,
		Audiences:      []string{p.Resource},
		RequiredScopes: p.scopes,
		JWKSURL:        as.JWKSURL(),
		RequireATType:  true,
	})
	if err != nil {
		t.Fatalf("authtest: verifier: %v", err)
	}
	p.verifier = v
	return p
}

// Challenges returns how many requests were answered with 401.
func (p *ProtectedResource) Challenges() int { return int(p.challenges.Load()) }

// Authorized returns how many requests carried a valid token.
func (p *ProtectedResource) Authorized() int { return int(p.authorized.Load()) }

// MetadataRequestHeader returns the headers of the last metadata request.
func (p *ProtectedResource) MetadataRequestHeader() http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadataHeader.Clone()
}

func (p *ProtectedResource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, wellknown.ProtectedResourcePath) {
		p.mu.Lock()
		p.metadataHeader = r.Header.Clone()
		p.mu.Unlock()
		writeJSON(w, http.StatusOK, wellknown.ProtectedResourceMetadata{
			Resource:               p.Resource,
			AuthorizationServers:   []string{p.as.Issuer},
			ScopesSupported:        p.scopes,
			BearerMethodsSupported: []string{"header"},
		})
		return
	}

	metadataURL := "http://" + r.Host + wellknown.ProtectedResourcePath + r.URL.Path
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || tok == "" {
		p.challenge(w, metadataURL, "")
		return
	}
	if _, err := p.verifier.Verify(tok); err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="`+strings.Join(p.scopes, " ")+`"`)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		p.challenge(w, metadataURL, err.Error())
		return
	}
	p.authorized.Add(1)
	p.next.ServeHTTP(w, r)
}

func (p *ProtectedResource) challenge(w http.ResponseWriter, metadataURL, description string) {
	p.challenges.Add(1)
	switch {
	case p.noHint:
		w.Header().Set("WWW-Authenticate", `Bearer realm="authtest"`)
	case description != "":
		w.Header().Set("WWW-Authenticate", auth.InvalidTokenChallenge(metadataURL, description))
	default:
		w.Header().Set("WWW-Authenticate", auth.BearerChallenge(metadataURL, p.scopes...))
	}
	writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
