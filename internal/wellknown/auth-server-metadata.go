package wellknown

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	// OAuthAuthorizationServerPath is the RFC 8414 well-known suffix.
	OAuthAuthorizationServerPath = "/.well-known/oauth-authorization-server"
	// OpenIDConfigurationPath is the OpenID Connect discovery suffix.
	OpenIDConfigurationPath = "/.well-known/openid-configuration"
	// ProtectedResourcePath is the RFC 9728 well-known suffix.
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
)

// AuthServerMetadata is the RFC 8414 authorization server metadata document,
// which OpenID provider metadata extends.
type AuthServerMetadata struct {
	Issuer                                    string   `json:"issuer"`
	AuthorizationEndpoint                     string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                             string   `json:"token_endpoint,omitempty"`
	RegistrationEndpoint                      string   `json:"registration_endpoint,omitempty"`
	JwksURI                                   string   `json:"jwks_uri,omitempty"`
	ScopesSupported                           []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                    []string `json:"response_types_supported,omitempty"`
	ResponseModesSupported                    []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported                       []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported         []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	TokenEndpointAuthSigningAlgValues         []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`
	CodeChallengeMethodsSupported             []string `json:"code_challenge_methods_supported,omitempty"`
	ServiceDocumentation                      string   `json:"service_documentation,omitempty"`
	RevocationEndpoint                        string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint                     string   `json:"introspection_endpoint,omitempty"`
	UserinfoEndpoint                          string   `json:"userinfo_endpoint,omitempty"`
	ClientIDMetadataDocumentSupported         bool     `json:"client_id_metadata_document_supported,omitempty"`
	AuthorizationResponseIssParameterSupport  bool     `json:"authorization_response_iss_parameter_supported,omitempty"`
	RequirePushedAuthorizationRequests        bool     `json:"require_pushed_authorization_requests,omitempty"`
	PushedAuthorizationRequestEndpoint        string   `json:"pushed_authorization_request_endpoint,omitempty"`
	DeviceAuthorizationEndpoint               string   `json:"device_authorization_endpoint,omitempty"`
	BackchannelLogoutSupported                bool     `json:"backchannel_logout_supported,omitempty"`
	IDTokenSigningAlgValuesSupported          []string `json:"id_token_signing_alg_values_supported,omitempty"`
	SubjectTypesSupported                     []string `json:"subject_types_supported,omitempty"`
	ClaimsSupported                           []string `json:"claims_supported,omitempty"`
	RequestURIParameterSupported              bool     `json:"request_uri_parameter_supported,omitempty"`
	EndSessionEndpoint                        string   `json:"end_session_endpoint,omitempty"`
	FrontchannelLogoutSupported               bool     `json:"frontchannel_logout_supported,omitempty"`
	IntrospectionEndpointAuthMethodsSupported []string `json:"introspection_endpoint_auth_methods_supported,omitempty"`
}

// ParseAuthServerMetadata decodes and validates an authorization server
// metadata document. Only issuer is required; endpoint fields must be
// strings and list fields string arrays when present.
func ParseAuthServerMetadata(data []byte) (*AuthServerMetadata, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return authServerMetadataFromRaw(raw)
}

func authServerMetadataFromRaw(raw map[string]json.RawMessage) (*AuthServerMetadata, error) {
	if !isString(raw["issuer"]) {
		return nil, errInvalid("authorization server metadata", "issuer")
	}
	for _, field := range []string{"authorization_endpoint", "token_endpoint", "registration_endpoint", "jwks_uri"} {
		if v, ok := raw[field]; ok && !isString(v) {
			return nil, errInvalid("authorization server metadata", field)
		}
	}
	for _, field := range []string{"scopes_supported", "response_types_supported", "grant_types_supported", "code_challenge_methods_supported"} {
		if v, ok := raw[field]; ok && !isStringArray(v) {
			return nil, errInvalid("authorization server metadata", field)
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var md AuthServerMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// AuthServerMetadataURL builds the RFC 8414 discovery URL by inserting the
// well-known segment before any existing path: https://as/tenant becomes
// https://as/.well-known/oauth-authorization-server/tenant.
func AuthServerMetadataURL(issuer *url.URL) *url.URL {
	u := *issuer
	path := strings.TrimSuffix(u.Path, "/")
	u.Path = OAuthAuthorizationServerPath + path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

// OpenIDConfigurationURL builds the OpenID discovery URL by appending the
// well-known segment after any existing path.
func OpenIDConfigurationURL(issuer *url.URL) *url.URL {
	u := *issuer
	u.Path = strings.TrimSuffix(u.Path, "/") + OpenIDConfigurationPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

// SameOrigin reports whether two URLs share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func isString(v json.RawMessage) bool {
	if v == nil {
		return false
	}
	var s string
	return json.Unmarshal(v, &s) == nil
}

func isStringArray(v json.RawMessage) bool {
	var s []string
	return json.Unmarshal(v, &s) == nil
}

func errInvalid(doc, field string) error {
	return fmt.Errorf("invalid %s: %s missing or malformed", doc, field)
}
