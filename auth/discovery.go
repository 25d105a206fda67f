package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/mcp-client-go/internal/wellknown"
)

const maxMetadataSize = 1 << 20

// Discoverer resolves OAuth metadata for an MCP server that answered 401.
type Discoverer struct {
	client *http.Client
	log    *slog.Logger
}

// NewDiscoverer constructs a Discoverer. A nil client means
// http.DefaultClient; a nil logger discards.
func NewDiscoverer(client *http.Client, log *slog.Logger) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Discoverer{client: client, log: log}
}

// Discover resolves metadata for serverURL from the challenges of a 401
// response. It never fails: when neither resource nor authorization server
// metadata can be fetched, default metadata rooted at the best known base URL
// is returned. launchHeaders are sent to the resource metadata URL only when
// it is same-origin with serverURL.
func (d *Discoverer) Discover(ctx context.Context, serverURL *url.URL, launchHeaders http.Header, challenges []Challenge) *Metadata {
	base := &url.URL{Scheme: serverURL.Scheme, Host: serverURL.Host}
	md := &Metadata{AuthorizationServer: base}

	var scopes []string
	if rmURL := ResourceMetadataURL(challenges); rmURL != "" {
		rm, err := d.fetchResourceMetadata(ctx, serverURL, rmURL, launchHeaders)
		if err != nil {
			d.log.WarnContext(ctx, "auth.discovery.resource_metadata.fail", slog.String("url", rmURL), slog.String("err", err.Error()))
		} else {
			md.ResourceMetadata = rm
			scopes = rm.ScopesSupported
			if len(rm.AuthorizationServers) > 0 {
				if as, err := url.Parse(rm.AuthorizationServers[0]); err == nil && as.IsAbs() {
					md.AuthorizationServer = as
				} else {
					d.log.WarnContext(ctx, "auth.discovery.authorization_server.invalid", slog.String("value", rm.AuthorizationServers[0]))
				}
			}
		}
	}

	sm, err := d.fetchServerMetadata(ctx, md.AuthorizationServer)
	if err != nil {
		d.log.WarnContext(ctx, "auth.discovery.server_metadata.fail",
			slog.String("authorization_server", md.AuthorizationServer.String()),
			slog.String("err", err.Error()),
		)
		sm = DefaultMetadata(md.AuthorizationServer)
	}
	sm.ScopesSupported = mergeScopes(sm.ScopesSupported, scopes)
	md.ServerMetadata = sm

	d.log.InfoContext(ctx, "auth.discovery.ok",
		slog.String("authorization_server", md.AuthorizationServer.String()),
		slog.Bool("resource_metadata", md.ResourceMetadata != nil),
	)
	return md
}

func (d *Discoverer) fetchResourceMetadata(ctx context.Context, serverURL *url.URL, raw string, launchHeaders http.Header) (*ProtectedResourceMetadata, error) {
	u, err := serverURL.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse resource metadata url: %v", ErrDiscovery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if wellknown.SameOrigin(u, serverURL) {
		for k, vs := range launchHeaders {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	req.Header.Set("Accept", "application/json")
	body, err := d.get(req)
	if err != nil {
		return nil, err
	}
	rm, err := wellknown.ParseProtectedResourceMetadata(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	return rm, nil
}

// fetchServerMetadata tries RFC 8414 path insertion first and falls back to
// OpenID discovery, which appends the well-known segment to the issuer path.
func (d *Discoverer) fetchServerMetadata(ctx context.Context, issuer *url.URL) (*AuthServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellknown.AuthServerMetadataURL(issuer).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")
	body, rfcErr := d.get(req)
	if rfcErr == nil {
		sm, err := wellknown.ParseAuthServerMetadata(body)
		if err == nil {
			return sm, nil
		}
		rfcErr = err
	}
	d.log.DebugContext(ctx, "auth.discovery.rfc8414.fail", slog.String("err", rfcErr.Error()))

	oidcURL := wellknown.OpenIDConfigurationURL(issuer)
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, oidcURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")
	body, err = d.get(req)
	if err != nil {
		return nil, fmt.Errorf("%w: oauth metadata: %v; openid configuration: %v", ErrDiscovery, rfcErr, err)
	}
	// go-oidc's NewProvider insists the document's issuer equals the URL it
	// was fetched from. Only the shape is checked here, so an issuer that
	// differs by a trailing slash is still accepted.
	var cfg oidc.ProviderConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("%w: openid configuration: %v", ErrDiscovery, err)
	}
	if cfg.IssuerURL != issuer.String() {
		d.log.DebugContext(ctx, "auth.discovery.openid.issuer_mismatch",
			slog.String("requested", issuer.String()),
			slog.String("issuer", cfg.IssuerURL),
		)
	}
	sm, err := wellknown.ParseAuthServerMetadata(body)
	if err != nil {
		return nil, fmt.Errorf("%w: openid configuration: %v", ErrDiscovery, err)
	}
	return sm, nil
}

func (d *Discoverer) get(req *http.Request) ([]byte, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrDiscovery, req.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: %s", ErrDiscovery, req.URL, resp.Status)
	}
	return body, nil
}

// DefaultMetadata synthesizes authorization server metadata for servers that
// publish none: the conventional /authorize, /token and /register endpoints
// at the root of the authorization server.
func DefaultMetadata(authorizationServer *url.URL) *AuthServerMetadata {
	at := func(p string) string {
		return authorizationServer.ResolveReference(&url.URL{Path: p}).String()
	}
	return &AuthServerMetadata{
		Issuer:                 authorizationServer.String(),
		AuthorizationEndpoint:  at("/authorize"),
		TokenEndpoint:          at("/token"),
		RegistrationEndpoint:   at("/register"),
		ResponseTypesSupported: []string{"code", "id_token", "id_token token"},
	}
}

func mergeScopes(have, add []string) []string {
	out := slices.Clone(have)
	for _, s := range add {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
