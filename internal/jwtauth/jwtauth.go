// Package jwtauth verifies RFC 9068 JWT access tokens against a JWKS
// endpoint. The client uses it in its test authorization harness to gate a
// protected MCP endpoint on tokens minted by the mock authorization server.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// Audiences lists accepted audiences. A token is accepted when its aud
	// claim intersects this set.
	Audiences      []string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
	JWKSURL        string
	// RequireATType enforces the RFC 9068 "at+jwt" typ header.
	RequireATType bool
}

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not carry every
// required scope; callers should respond with HTTP 403.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Claims is the validated subset of an access token.
type Claims struct {
	Subject  string
	ClientID string
	Scopes   []string
	Expiry   time.Time
}

// Verifier validates access tokens.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// New constructs a Verifier. JWKS keys are fetched from cfg.JWKSURL and
// refreshed in the background until ctx is done.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("at least one audience required")
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &Verifier{cfg: cfg, keyfunc: kf.Keyfunc}, nil
}

// Verify checks signature, issuer, audience, expiry and scopes.
func (v *Verifier) Verify(tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if v.cfg.RequireATType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.Audiences, a) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	out := &Claims{Subject: sub}
	out.ClientID, _ = claims["client_id"].(string)
	if scope, _ := claims["scope"].(string); scope != "" {
		out.Scopes = strings.Fields(scope)
	}
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		out.Expiry = exp.Time
	}

	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(out.Scopes, want) {
			return out, ErrInsufficientScope
		}
	}
	return out, nil
}
