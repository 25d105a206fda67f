package wellknown

import "encoding/json"

// ProtectedResourceMetadata is the RFC 9728 document a resource server
// publishes to name its authorization servers.
type ProtectedResourceMetadata struct {
	Resource                              string   `json:"resource"`
	AuthorizationServers                  []string `json:"authorization_servers,omitempty"`
	JwksURI                               string   `json:"jwks_uri,omitempty"`
	ScopesSupported                       []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported                []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported     []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                          string   `json:"resource_name,omitempty"`
	ResourceDocumentation                 string   `json:"resource_documentation,omitempty"`
	ResourcePolicyURI                     string   `json:"resource_policy_uri,omitempty"`
	ResourceTosURI                        string   `json:"resource_tos_uri,omitempty"`
	TlsClientCertificateBoundAccessTokens bool     `json:"tls_client_certificate_bound_access_tokens,omitempty"`
	AuthorizationDetailsTypesSupported    []string `json:"authorization_details_types_supported,omitempty"`
	DpopSigningAlgValuesSupported         []string `json:"dpop_signing_alg_values_supported,omitempty"`
	DpopBoundAccessTokensRequired         bool     `json:"dpop_bound_access_tokens_required,omitempty"`
	SignedMetadata                        string   `json:"signed_metadata,omitempty"`
}

// ParseProtectedResourceMetadata decodes and validates a protected-resource
// metadata document. The resource field is required and every listed field
// must carry the right JSON type.
func ParseProtectedResourceMetadata(data []byte) (*ProtectedResourceMetadata, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if !isString(raw["resource"]) {
		return nil, errInvalid("protected resource metadata", "resource")
	}
	for _, field := range []string{"authorization_servers", "scopes_supported", "bearer_methods_supported"} {
		if v, ok := raw[field]; ok && !isStringArray(v) {
			return nil, errInvalid("protected resource metadata", field)
		}
	}
	var md ProtectedResourceMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return &md, nil
}
