package streaminghttp

import (
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-client-go/auth"
)

// Option configures a Connection.
type Option func(*config)

type config struct {
	headers    http.Header
	client     *http.Client
	tokens     auth.TokenProvider
	discoverer *auth.Discoverer
	logger     *slog.Logger
	clientID   string
}

// WithHeaders adds launch headers sent on every request to the MCP server.
// They are forwarded to resource metadata only when it is same-origin.
func WithHeaders(h map[string]string) Option {
	return func(c *config) {
		for k, v := range h {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient overrides http.DefaultClient. The client must not impose a
// total Timeout since SSE streams are long-lived.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		if client != nil {
			c.client = client
		}
	}
}

// WithTokenProvider enables bearer authentication after the server first
// answers 401.
func WithTokenProvider(p auth.TokenProvider) Option {
	return func(c *config) { c.tokens = p }
}

// WithDiscoverer overrides the OAuth metadata discoverer. By default one is
// built over the connection's HTTP client and logger.
func WithDiscoverer(d *auth.Discoverer) Option {
	return func(c *config) { c.discoverer = d }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClientID tags log records with an identifier for this client instance.
func WithClientID(id string) Option {
	return func(c *config) { c.clientID = id }
}
