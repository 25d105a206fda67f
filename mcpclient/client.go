package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/internal/outbound"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/stdio"
	"github.com/ggoodman/mcp-client-go/streaminghttp"
	"github.com/ggoodman/mcp-client-go/transport"
	"github.com/google/uuid"
)

// TransportKind selects how a LaunchConfig reaches its server.
type TransportKind int

const (
	// TransportHTTP speaks streamable HTTP, falling back to legacy SSE.
	TransportHTTP TransportKind = iota
	// TransportStdio runs the server as a child process.
	TransportStdio
)

func (k TransportKind) String() string {
	switch k {
	case TransportHTTP:
		return "http"
	case TransportStdio:
		return "stdio"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// LaunchConfig describes one server. URI and Headers apply to TransportHTTP;
// Command, Args, Env and Dir apply to TransportStdio.
type LaunchConfig struct {
	URI       string
	Headers   map[string]string
	Transport TransportKind

	Command string
	Args    []string
	Env     []string
	Dir     string
}

// ServerInit is the server's answer to initialize.
type ServerInit struct {
	ProtocolVersion string
	Capabilities    mcp.ServerCapabilities
	ServerInfo      mcp.ImplementationInfo
	Instructions    string
}

var supportedProtocolVersions = []string{mcp.LatestProtocolVersion, "2025-03-26", "2024-11-05"}

// Handler is an initialized MCP client connection. It correlates requests
// with responses and answers the requests a server sends to the client.
// Handler is safe for concurrent use.
type Handler struct {
	cfg config
	log *slog.Logger
	id  string

	t transport.Transport
	d *outbound.Dispatcher

	requests      map[mcp.Method]requestHandlerFunc
	notifications map[mcp.Method]notificationHandlerFunc

	// ctx parents inbound request handlers and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          transport.State
	init           *ServerInit
	roots          []mcp.Root
	rootsAnnounced bool
	progress       map[string]func(*mcp.ProgressNotificationParams)
	inbound        map[string]context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

type transportFactory func(cb transport.Callbacks) (transport.Transport, error)

// Create connects to the server described by launch and performs the
// initialize handshake. On failure the partially built handler is closed
// before the error is returned.
func Create(ctx context.Context, launch LaunchConfig, opts ...Option) (*Handler, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	id := uuid.NewString()
	return create(ctx, cfg, id, connData(launch, id), func(cb transport.Callbacks) (transport.Transport, error) {
		return newTransport(launch, cfg, id, cb)
	})
}

func newTransport(launch LaunchConfig, cfg config, id string, cb transport.Callbacks) (transport.Transport, error) {
	switch launch.Transport {
	case TransportHTTP:
		opts := []streaminghttp.Option{
			streaminghttp.WithHeaders(launch.Headers),
			streaminghttp.WithLogger(cfg.logger),
			streaminghttp.WithClientID(id),
		}
		if cfg.httpClient != nil {
			opts = append(opts, streaminghttp.WithHTTPClient(cfg.httpClient))
		}
		if cfg.tokens != nil {
			opts = append(opts, streaminghttp.WithTokenProvider(cfg.tokens))
		}
		return streaminghttp.New(launch.URI, cb, opts...)
	case TransportStdio:
		return stdio.New(launch.Command, launch.Args, cb,
			stdio.WithEnv(launch.Env),
			stdio.WithDir(launch.Dir),
			stdio.WithLogger(cfg.logger),
		)
	default:
		return nil, fmt.Errorf("mcpclient: unknown transport %s", launch.Transport)
	}
}

func connData(launch LaunchConfig, id string) *logctx.ConnData {
	if launch.Transport == TransportStdio {
		return &logctx.ConnData{ServerURL: launch.Command, Transport: launch.Transport.String(), ClientID: id}
	}
	return &logctx.ConnData{ServerURL: launch.URI, Transport: launch.Transport.String(), ClientID: id}
}

func create(ctx context.Context, cfg config, id string, cd *logctx.ConnData, factory transportFactory) (*Handler, error) {
	hctx, cancel := context.WithCancel(logctx.WithConnData(context.Background(), cd))
	h := &Handler{
		cfg:      cfg,
		log:      slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		id:       id,
		ctx:      hctx,
		cancel:   cancel,
		state:    transport.Stopped,
		roots:    slices.Clone(cfg.roots),
		progress: make(map[string]func(*mcp.ProgressNotificationParams)),
		inbound:  make(map[string]context.CancelFunc),
	}
	h.d = outbound.New(wire{h})
	h.requests = h.requestHandlers()
	h.notifications = h.notificationHandlers()

	t, err := factory(transport.Callbacks{OnMessage: h.handleMessage, OnStateChange: h.onStateChange})
	if err != nil {
		cancel()
		return nil, err
	}
	h.t = t

	if err := h.initialize(logctx.WithConnData(ctx, cd)); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Handler) initialize(ctx context.Context) error {
	if err := h.t.Start(ctx); err != nil {
		return fmt.Errorf("mcpclient: start transport: %w", err)
	}

	req := &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    h.capabilities(),
		ClientInfo:      h.cfg.clientInfo,
	}
	start := time.Now()
	warn := time.AfterFunc(h.cfg.timeoutWarning, func() {
		h.log.WarnContext(ctx, "mcpclient.initialize.slow", slog.Duration("waited", h.cfg.timeoutWarning))
	})
	var res mcp.InitializeResult
	err := h.SendRequest(ctx, mcp.InitializeMethod, req, &res)
	warn.Stop()
	if err != nil {
		h.log.ErrorContext(ctx, "mcpclient.initialize.fail", slog.String("err", err.Error()))
		return fmt.Errorf("mcpclient: initialize: %w", err)
	}
	if !slices.Contains(supportedProtocolVersions, res.ProtocolVersion) {
		return fmt.Errorf("mcpclient: server negotiated unsupported protocol version %q", res.ProtocolVersion)
	}

	h.mu.Lock()
	h.init = &ServerInit{
		ProtocolVersion: res.ProtocolVersion,
		Capabilities:    res.Capabilities,
		ServerInfo:      res.ServerInfo,
		Instructions:    res.Instructions,
	}
	h.mu.Unlock()

	if pv, ok := h.t.(transport.ProtocolVersionSetter); ok {
		pv.SetProtocolVersion(res.ProtocolVersion)
	}
	if err := h.SendNotification(ctx, mcp.InitializedNotificationMethod, &mcp.InitializedNotification{}); err != nil {
		return err
	}
	h.log.InfoContext(ctx, "mcpclient.initialize.ok",
		slog.String("server", res.ServerInfo.Name),
		slog.String("version", res.ProtocolVersion),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

func (h *Handler) capabilities() mcp.ClientCapabilities {
	caps := h.cfg.capabilities
	caps.Roots = &mcp.RootsCapability{ListChanged: true}
	if h.cfg.sampling != nil {
		caps.Sampling = &struct{}{}
	}
	if h.cfg.elicitation != nil {
		caps.Elicitation = &struct{}{}
	}
	return caps
}

// ServerInit returns the initialize result.
func (h *Handler) ServerInit() ServerInit {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.init == nil {
		return ServerInit{}
	}
	return *h.init
}

// State returns the last state reported by the transport.
func (h *Handler) State() transport.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Transport returns the underlying transport.
func (h *Handler) Transport() transport.Transport { return h.t }

// SendRequest issues method and decodes the result into result, which may be
// nil. It returns an *RPCError for JSON-RPC errors and a *CancelledError when
// ctx ends first; in that case the server is sent notifications/cancelled.
func (h *Handler) SendRequest(ctx context.Context, method mcp.Method, params, result any) error {
	resp, err := h.d.Call(ctx, string(method), params)
	if err != nil {
		return h.callError(ctx, method, err)
	}
	if resp.Error != nil {
		return newRPCError(string(method), resp.Error)
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("mcpclient: decode %s result: %w", method, err)
	}
	return nil
}

func (h *Handler) callError(ctx context.Context, method mcp.Method, err error) error {
	switch {
	case errors.Is(err, outbound.ErrRemoteCancelled):
		return &CancelledError{Method: string(method), Remote: true, Cause: err}
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return &CancelledError{Method: string(method), Cause: context.Cause(ctx)}
	case errors.Is(err, outbound.ErrDispatcherClosed):
		return ErrClosed
	}
	return err
}

// SendNotification emits a notification without waiting for delivery.
func (h *Handler) SendNotification(ctx context.Context, method mcp.Method, params any) error {
	n, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	return h.send(ctx, n)
}

func (h *Handler) send(ctx context.Context, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcpclient: encode message: %w", err)
	}
	h.t.Send(ctx, b)
	return nil
}

// wire adapts the Handler to the dispatcher's outbound contract.
type wire struct{ h *Handler }

func (w wire) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	return w.h.send(ctx, req)
}

func (w wire) SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	return w.h.SendNotification(ctx, mcp.CancelledNotificationMethod, &mcp.CancelledNotification{
		RequestID: id.Value(),
		Reason:    reason,
	})
}

// SetRoots replaces the roots list. Nothing happens when roots equals the
// current list element-wise; otherwise, once the server has asked for roots,
// it is sent notifications/roots/list_changed.
func (h *Handler) SetRoots(ctx context.Context, roots []mcp.Root) error {
	h.mu.Lock()
	if slices.Equal(h.roots, roots) {
		h.mu.Unlock()
		return nil
	}
	h.roots = slices.Clone(roots)
	announced := h.rootsAnnounced
	h.mu.Unlock()

	if !announced {
		return nil
	}
	return h.SendNotification(ctx, mcp.RootsListChangedNotificationMethod, &mcp.RootsListChangedNotification{})
}

// Roots returns the current roots list.
func (h *Handler) Roots() []mcp.Root {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.roots)
}

func (h *Handler) onStateChange(s transport.State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()

	ctx := h.ctx
	switch s.Kind {
	case transport.StateError:
		h.log.WarnContext(ctx, "mcpclient.state.error", slog.String("err", s.Message), slog.Bool("should_retry", s.ShouldRetry))
		h.d.Close(&ConnectionClosedError{State: s})
	case transport.StateStopped:
		h.log.DebugContext(ctx, "mcpclient.state.stopped")
		h.d.Close(&ConnectionClosedError{State: s})
	default:
		h.log.DebugContext(ctx, "mcpclient.state", slog.String("state", s.String()))
	}
	if h.cfg.onState != nil {
		h.cfg.onState(s)
	}
}

// Close rejects every pending request, cancels inbound request handlers and
// closes the transport.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		h.d.Close(ErrClosed)
		h.cancel()
		if h.t != nil {
			h.closeErr = h.t.Close()
		}
	})
	return h.closeErr
}
