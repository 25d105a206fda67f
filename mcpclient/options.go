package mcpclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-client-go/auth"
	"github.com/ggoodman/mcp-client-go/hooks"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/transport"
)

const defaultTimeoutWarning = 5 * time.Second

// Option configures a Handler.
type Option func(*config)

type config struct {
	capabilities   mcp.ClientCapabilities
	clientInfo     mcp.ImplementationInfo
	timeoutWarning time.Duration
	logger         *slog.Logger
	observer       hooks.Observer
	sampling       hooks.SamplingHandler
	elicitation    hooks.ElicitationHandler
	tokens         auth.TokenProvider
	httpClient     *http.Client
	roots          []mcp.Root
	onState        func(transport.State)
}

func defaultConfig() config {
	return config{
		clientInfo:     mcp.ImplementationInfo{Name: "mcp-client-go", Version: "0.1.0"},
		timeoutWarning: defaultTimeoutWarning,
		logger:         slog.New(slog.DiscardHandler),
		observer:       hooks.Funcs{},
	}
}

// WithCapabilities sets the capabilities advertised in initialize. Roots
// support is always advertised; sampling and elicitation are added when the
// matching handler is configured.
func WithCapabilities(c mcp.ClientCapabilities) Option {
	return func(cfg *config) { cfg.capabilities = c }
}

// WithClientInfo sets the implementation info sent in initialize.
func WithClientInfo(name, version string) Option {
	return func(cfg *config) {
		cfg.clientInfo = mcp.ImplementationInfo{Name: name, Version: version}
	}
}

// WithTimeoutWarning sets how long initialize may go unanswered before a
// warning is logged. The request itself is never cancelled.
func WithTimeoutWarning(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.timeoutWarning = d
		}
	}
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithObserver receives server notifications.
func WithObserver(o hooks.Observer) Option {
	return func(cfg *config) {
		if o != nil {
			cfg.observer = o
		}
	}
}

// WithSamplingHandler answers sampling/createMessage and advertises the
// sampling capability.
func WithSamplingHandler(s hooks.SamplingHandler) Option {
	return func(cfg *config) { cfg.sampling = s }
}

// WithElicitationHandler answers elicitation/create and advertises the
// elicitation capability.
func WithElicitationHandler(e hooks.ElicitationHandler) Option {
	return func(cfg *config) { cfg.elicitation = e }
}

// WithTokenProvider supplies bearer tokens once an HTTP server demands
// authorization.
func WithTokenProvider(p auth.TokenProvider) Option {
	return func(cfg *config) { cfg.tokens = p }
}

// WithHTTPClient sets the HTTP client used by the streamable HTTP transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

// WithRoots sets the initial roots list.
func WithRoots(roots ...mcp.Root) Option {
	return func(cfg *config) { cfg.roots = roots }
}

// WithStateObserver is called with every transport state change.
func WithStateObserver(fn func(transport.State)) Option {
	return func(cfg *config) { cfg.onState = fn }
}
