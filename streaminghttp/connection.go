package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-client-go/auth"
	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/internal/sse"
	"github.com/ggoodman/mcp-client-go/transport"
	"golang.org/x/sync/semaphore"
)

var (
	_ transport.Transport             = (*Connection)(nil)
	_ transport.ProtocolVersionSetter = (*Connection)(nil)
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "MCP-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	acceptAny    = "text/event-stream, application/json"
	acceptStream = "text/event-stream"

	endpointEventType = "endpoint"

	maxBackchannelBackoff = 30 * time.Second
	deleteSessionTimeout  = 2 * time.Second
	bodySnippetSize       = 512
	maxJSONBodySize       = 16 << 20
)

// ModeKind is the wire dialect detected for the server.
type ModeKind int

const (
	// ModeUnknown is the initial mode, before any exchange succeeded.
	ModeUnknown ModeKind = iota
	// ModeHTTP is streamable HTTP: one POST per message.
	ModeHTTP
	// ModeSSE is the legacy transport: a GET event stream plus POSTs to the
	// endpoint it announces.
	ModeSSE
)

func (k ModeKind) String() string {
	switch k {
	case ModeUnknown:
		return "unknown"
	case ModeHTTP:
		return "streamable-http"
	case ModeSSE:
		return "legacy-sse"
	default:
		return fmt.Sprintf("ModeKind(%d)", int(k))
	}
}

// Mode is the tagged union of detected modes. SessionID is set only for
// ModeHTTP and may be empty when the server is stateless; Endpoint is set
// only for ModeSSE.
type Mode struct {
	Kind      ModeKind
	SessionID string
	Endpoint  *url.URL
}

// Connection is the client side of the MCP streamable HTTP transport with
// automatic fallback to legacy SSE. Outbound messages are serialized: at
// most one POST is in flight. Inbound messages from response streams, the
// backchannel and the legacy stream are delivered through the OnMessage
// callback from transport-owned goroutines.
type Connection struct {
	endpoint   *url.URL
	cb         transport.Callbacks
	headers    http.Header
	client     *http.Client
	tokens     auth.TokenProvider
	discoverer *auth.Discoverer
	log        *slog.Logger
	clientID   string

	// ctx is cancelled by Close and parents every network operation.
	ctx       context.Context
	cancel    context.CancelFunc
	sendSem   *semaphore.Weighted
	closeOnce sync.Once

	mu              sync.Mutex
	mode            Mode
	authMD          *auth.Metadata
	protocolVersion string
	lastEventID     string
	running         bool
	backchannel     bool
	stopBackchannel context.CancelFunc
}

// New constructs a Connection to endpoint. No network activity happens until
// the first Send.
func New(endpoint string, cb transport.Callbacks, opts ...Option) (*Connection, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", endpoint, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	cfg := &config{headers: http.Header{}, client: http.DefaultClient}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})
	if cfg.discoverer == nil {
		cfg.discoverer = auth.NewDiscoverer(cfg.client, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		endpoint:   u,
		cb:         cb,
		headers:    cfg.headers,
		client:     cfg.client,
		tokens:     cfg.tokens,
		discoverer: cfg.discoverer,
		log:        log,
		clientID:   cfg.clientID,
		ctx:        ctx,
		cancel:     cancel,
		sendSem:    semaphore.NewWeighted(1),
	}, nil
}

// Mode returns the currently detected mode.
func (c *Connection) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// AuthMetadata returns the metadata discovered after the first 401, or nil.
func (c *Connection) AuthMetadata() *auth.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authMD
}

// SetProtocolVersion records the negotiated version, echoed on every later
// request.
func (c *Connection) SetProtocolVersion(version string) {
	c.mu.Lock()
	c.protocolVersion = version
	c.mu.Unlock()
}

// Start reports StateStarting. The connection is established lazily by the
// first Send.
func (c *Connection) Start(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.log.DebugContext(c.logContext(ctx), "transport.start")
	c.cb.StateChange(transport.Starting)
	return nil
}

// Send transmits msg. Failures are reported through OnStateChange.
//
// ctx bounds only the wait for the send sequencer. Once the message is on
// its way it is bound to the connection: a caller giving up on a request
// does not abort the fetch, only Close does.
func (c *Connection) Send(ctx context.Context, msg []byte) {
	if err := c.sendSem.Acquire(ctx, 1); err != nil {
		c.log.DebugContext(c.logContext(ctx), "transport.send.abandoned", slog.String("err", err.Error()))
		return
	}
	sctx, cancel := c.detach(ctx)
	inbound := c.send(sctx, msg)
	cancel()
	c.sendSem.Release(1)

	// JSON bodies are delivered after releasing the sequencer so a sink that
	// sends synchronously cannot deadlock.
	if inbound != nil {
		c.cb.Message(inbound)
	}
}

// Close terminates the session with a best-effort DELETE, aborts every
// in-flight request and stream, and reports StateStopped.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if mode := c.Mode(); mode.Kind == ModeHTTP && mode.SessionID != "" {
			c.deleteSession()
		}
		c.cancel()
		c.log.DebugContext(c.logContext(context.Background()), "transport.closed")
		c.cb.StateChange(transport.Stopped)
	})
	return nil
}

// detach keeps ctx's values for logging but takes cancellation from the
// connection.
func (c *Connection) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.ctx, cancel)
	return dctx, func() {
		stop()
		cancel()
	}
}

func (c *Connection) send(ctx context.Context, msg []byte) []byte {
	if c.ctx.Err() != nil {
		return nil
	}
	mode := c.Mode()
	if mode.Kind == ModeSSE {
		c.postLegacy(ctx, mode.Endpoint, msg)
		return nil
	}

	resp, done, err := c.roundTrip(ctx, outbound{method: http.MethodPost, url: c.endpoint, body: msg, accept: acceptAny})
	if err != nil {
		c.fail(ctx, &ConnectionError{URL: c.endpoint.String(), Err: err})
		return nil
	}
	if sid := resp.Header.Get(mcpSessionIDHeader); sid != "" {
		c.setSession(sid)
	}

	status := resp.StatusCode
	if mode.Kind == ModeUnknown && status >= 400 && status < 500 &&
		status != http.StatusUnauthorized && status != http.StatusForbidden {
		c.log.InfoContext(c.logContext(ctx), "transport.fallback.legacy_sse", slog.Int("status", status))
		discard(resp, done)
		c.fallbackToSSE(ctx, msg)
		return nil
	}
	if status >= 300 {
		body := snippet(resp, done)
		c.fail(ctx, &ConnectionError{
			URL:         c.endpoint.String(),
			Status:      status,
			Body:        body,
			ShouldRetry: mode.Kind == ModeHTTP && mode.SessionID != "" && (status == http.StatusBadRequest || status == http.StatusNotFound),
		})
		return nil
	}

	c.established(ctx)
	if status == http.StatusAccepted {
		discard(resp, done)
		return nil
	}
	return c.handleBody(ctx, resp, done, msg)
}

// handleBody interprets a successful POST response. Event streams are read
// on a new goroutine; JSON bodies are returned for delivery.
func (c *Connection) handleBody(ctx context.Context, resp *http.Response, done context.CancelFunc, msg []byte) []byte {
	ct := resp.Header.Get("Content-Type")
	if ct != "" {
		if mt, err := contenttype.ParseMediaType(ct); err == nil {
			if mt.Matches(eventStreamMediaType) {
				go c.readResponseStream(resp, done, msg)
				return nil
			}
			if !mt.Matches(jsonMediaType) {
				discard(resp, done)
				c.fail(ctx, &ProtocolError{ContentType: ct, Err: errUnexpectedContentType})
				return nil
			}
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBodySize))
	resp.Body.Close()
	done()
	if err != nil {
		c.fail(ctx, &ConnectionError{URL: c.endpoint.String(), Status: resp.StatusCode, Err: err})
		return nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if !json.Valid(body) {
		c.fail(ctx, &ProtocolError{ContentType: ct, Err: errNotJSON})
		return nil
	}
	return body
}

// readResponseStream dispatches the events of a POST response stream. An
// endpoint event means the server only speaks legacy SSE: the stream is
// abandoned and msg is resent over a legacy connection.
func (c *Connection) readResponseStream(resp *http.Response, done context.CancelFunc, msg []byte) {
	defer done()
	defer resp.Body.Close()
	ctx := c.logContext(c.ctx)

	for ev, err := range sse.Scan(resp.Body) {
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.DebugContext(ctx, "transport.response_stream.fail", slog.String("err", err.Error()))
			}
			return
		}
		switch ev.Type {
		case sse.DefaultEventType:
			c.cb.Message([]byte(ev.Data))
		case endpointEventType:
			c.log.InfoContext(ctx, "transport.fallback.legacy_sse", slog.String("reason", "endpoint event on response stream"))
			resp.Body.Close()
			done()
			if err := c.sendSem.Acquire(c.ctx, 1); err != nil {
				return
			}
			c.fallbackToSSE(c.ctx, msg)
			c.sendSem.Release(1)
			return
		}
	}
}

// fallbackToSSE opens the legacy event stream, waits for its endpoint and
// resends msg there.
func (c *Connection) fallbackToSSE(ctx context.Context, msg []byte) {
	endpoint, err := c.openLegacyStream(ctx)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	c.mu.Lock()
	c.mode = Mode{Kind: ModeSSE, Endpoint: endpoint}
	stop := c.stopBackchannel
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.log.InfoContext(c.logContext(ctx), "transport.legacy_sse.ok", slog.String("endpoint", endpoint.String()))
	c.markRunning()
	c.postLegacy(ctx, endpoint, msg)
}

func (c *Connection) openLegacyStream(ctx context.Context) (*url.URL, error) {
	resp, done, err := c.roundTrip(ctx, outbound{method: http.MethodGet, url: c.endpoint, accept: acceptStream})
	if err != nil {
		return nil, &ConnectionError{URL: c.endpoint.String(), Err: err}
	}
	if resp.StatusCode >= 300 {
		body := snippet(resp, done)
		return nil, &ConnectionError{URL: c.endpoint.String(), Status: resp.StatusCode, Body: body}
	}

	endpointCh := make(chan *url.URL, 1)
	finished := make(chan struct{})
	go c.readLegacyStream(resp, done, endpointCh, finished)

	select {
	case u := <-endpointCh:
		return u, nil
	case <-finished:
		select {
		case u := <-endpointCh:
			return u, nil
		default:
		}
		return nil, &ConnectionError{URL: c.endpoint.String(), Status: resp.StatusCode, Err: errNoEndpoint}
	case <-ctx.Done():
		done()
		return nil, &ConnectionError{URL: c.endpoint.String(), Err: ctx.Err()}
	}
}

// readLegacyStream owns the legacy event stream. The stream is the session:
// once it has announced an endpoint, its end is a connection failure.
func (c *Connection) readLegacyStream(resp *http.Response, done context.CancelFunc, endpointCh chan<- *url.URL, finished chan<- struct{}) {
	defer close(finished)
	defer done()
	defer resp.Body.Close()
	ctx := c.logContext(c.ctx)

	announced := false
	var streamErr error
	for ev, err := range sse.Scan(resp.Body) {
		if err != nil {
			streamErr = err
			break
		}
		switch ev.Type {
		case endpointEventType:
			if announced {
				continue
			}
			u, err := c.endpoint.Parse(strings.TrimSpace(ev.Data))
			if err != nil {
				c.log.WarnContext(ctx, "transport.legacy_sse.endpoint.invalid", slog.String("endpoint", ev.Data), slog.String("err", err.Error()))
				continue
			}
			announced = true
			endpointCh <- u
		case sse.DefaultEventType:
			c.cb.Message([]byte(ev.Data))
		}
	}
	if announced && c.ctx.Err() == nil {
		c.fail(ctx, &ConnectionError{
			URL:    c.endpoint.String(),
			Status: resp.StatusCode,
			Err:    errors.Join(errStreamClosed, streamErr),
		})
	}
}

// postLegacy sends msg to the legacy endpoint. Replies arrive on the event
// stream, so the response body is ignored.
func (c *Connection) postLegacy(ctx context.Context, endpoint *url.URL, msg []byte) {
	resp, done, err := c.roundTrip(ctx, outbound{method: http.MethodPost, url: endpoint, body: msg, accept: acceptAny})
	if err != nil {
		c.fail(ctx, &ConnectionError{URL: endpoint.String(), Err: err})
		return
	}
	if resp.StatusCode >= 300 {
		body := snippet(resp, done)
		c.fail(ctx, &ConnectionError{URL: endpoint.String(), Status: resp.StatusCode, Body: body})
		return
	}
	discard(resp, done)
}

// runBackchannel keeps a GET event stream open for server-initiated
// messages, reconnecting with linear backoff until the connection closes,
// the server declines with a 4xx or the connection falls back to legacy SSE.
func (c *Connection) runBackchannel(ctx context.Context) {
	ctx = c.logContext(ctx)
	retry := 0
	for {
		if c.Mode().Kind == ModeSSE {
			c.log.DebugContext(ctx, "transport.backchannel.stop", slog.String("reason", "legacy sse"))
			return
		}
		connected, declined := c.backchannelOnce(ctx)
		if declined || ctx.Err() != nil {
			return
		}
		if connected {
			retry = 0
		}
		retry++
		delay := backchannelDelay(retry)
		c.log.DebugContext(ctx, "transport.backchannel.retry", slog.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// backchannelDelay is the wait before reconnect attempt retry: one second
// per attempt, capped.
func backchannelDelay(retry int) time.Duration {
	return min(time.Duration(retry)*time.Second, maxBackchannelBackoff)
}

func (c *Connection) backchannelOnce(ctx context.Context) (connected, declined bool) {
	c.mu.Lock()
	lastEventID := c.lastEventID
	c.mu.Unlock()

	resp, done, err := c.roundTrip(ctx, outbound{method: http.MethodGet, url: c.endpoint, accept: acceptStream, lastEventID: lastEventID})
	if err != nil {
		if ctx.Err() == nil {
			c.log.DebugContext(ctx, "transport.backchannel.fail", slog.String("err", err.Error()))
		}
		return false, false
	}
	defer done()
	defer resp.Body.Close()
	defer context.AfterFunc(ctx, done)()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		c.log.InfoContext(ctx, "transport.backchannel.declined", slog.Int("status", resp.StatusCode))
		return false, true
	}
	if resp.StatusCode >= 300 {
		c.log.DebugContext(ctx, "transport.backchannel.fail", slog.Int("status", resp.StatusCode))
		return false, false
	}

	c.log.DebugContext(ctx, "transport.backchannel.open", slog.String("last_event_id", lastEventID))
	for ev, err := range sse.Scan(resp.Body) {
		if err != nil {
			if ctx.Err() == nil {
				c.log.DebugContext(ctx, "transport.backchannel.read.fail", slog.String("err", err.Error()))
			}
			break
		}
		if ev.ID != "" {
			c.mu.Lock()
			c.lastEventID = ev.ID
			c.mu.Unlock()
		}
		if ev.Type == sse.DefaultEventType && ctx.Err() == nil {
			c.cb.Message([]byte(ev.Data))
		}
	}
	return true, false
}

func (c *Connection) deleteSession() {
	ctx, cancel := context.WithTimeout(context.Background(), deleteSessionTimeout)
	defer cancel()
	ctx = c.logContext(ctx)

	resp, done, err := c.do(ctx, outbound{method: http.MethodDelete, url: c.endpoint}, c.token(ctx))
	if err != nil {
		c.log.DebugContext(ctx, "transport.session.delete.fail", slog.String("err", err.Error()))
		return
	}
	discard(resp, done)
	c.log.DebugContext(ctx, "transport.session.delete.ok", slog.Int("status", resp.StatusCode))
}

type outbound struct {
	method      string
	url         *url.URL
	body        []byte
	accept      string
	lastEventID string
}

// roundTrip performs req. The first 401 seen while no auth metadata is
// cached triggers discovery and, when a token can be obtained, exactly one
// retry with a bearer token.
func (c *Connection) roundTrip(ctx context.Context, req outbound) (*http.Response, context.CancelFunc, error) {
	hadMetadata := c.AuthMetadata() != nil
	resp, done, err := c.do(ctx, req, c.token(ctx))
	if err != nil || resp.StatusCode != http.StatusUnauthorized || hadMetadata {
		return resp, done, err
	}
	lctx := c.logContext(ctx)
	if c.tokens == nil {
		c.log.WarnContext(lctx, "auth.required.no_token_provider")
		return resp, done, nil
	}

	challenges := auth.ParseWWWAuthenticate(resp.Header.Values(wwwAuthenticateHeader))
	md := c.discoverer.Discover(ctx, c.endpoint, c.headers, challenges)
	c.mu.Lock()
	c.authMD = md
	c.mu.Unlock()

	token := c.token(ctx)
	if token == "" {
		return resp, done, nil
	}
	discard(resp, done)
	c.log.InfoContext(lctx, "auth.retry", slog.String("method", req.method))
	return c.do(ctx, req, token)
}

// do issues one request. The request context is parented on the connection
// so a response stream outlives ctx once headers arrive; before that ctx can
// still abort it. Send passes a detached ctx, so only the session DELETE is
// cut short this way. The returned CancelFunc must be called once the body
// is no longer needed.
func (c *Connection) do(ctx context.Context, o outbound, token string) (*http.Response, context.CancelFunc, error) {
	reqCtx, cancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, cancel)

	var body io.Reader
	if o.body != nil {
		body = bytes.NewReader(o.body)
	}
	req, err := http.NewRequestWithContext(reqCtx, o.method, o.url.String(), body)
	if err != nil {
		stop()
		cancel()
		return nil, nil, err
	}
	for k, vs := range c.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	if o.body != nil {
		req.Header.Set("Content-Type", jsonMediaType.String())
	}
	if o.accept != "" {
		req.Header.Set("Accept", o.accept)
	}
	if o.lastEventID != "" {
		req.Header.Set(lastEventIDHeader, o.lastEventID)
	}

	c.mu.Lock()
	if c.mode.Kind == ModeHTTP && c.mode.SessionID != "" {
		req.Header.Set(mcpSessionIDHeader, c.mode.SessionID)
	}
	if c.protocolVersion != "" {
		req.Header.Set(mcpProtocolVersionHeader, c.protocolVersion)
	}
	c.mu.Unlock()

	if token != "" {
		req.Header.Set(authorizationHeader, "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

func (c *Connection) token(ctx context.Context) string {
	md := c.AuthMetadata()
	if md == nil || c.tokens == nil {
		return ""
	}
	tok, err := c.tokens.Token(ctx, md)
	if err != nil {
		c.log.WarnContext(c.logContext(ctx), "auth.token.fail", slog.String("err", err.Error()))
		return ""
	}
	return tok.AccessToken
}

func (c *Connection) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode.Kind == ModeSSE {
		return
	}
	c.mode = Mode{Kind: ModeHTTP, SessionID: id}
}

// established records a successful streamable HTTP exchange. The first one
// fixes the mode and opens the backchannel.
func (c *Connection) established(ctx context.Context) {
	c.mu.Lock()
	if c.mode.Kind == ModeUnknown {
		c.mode = Mode{Kind: ModeHTTP}
	}
	open := !c.backchannel && c.mode.Kind == ModeHTTP
	var bctx context.Context
	if open {
		c.backchannel = true
		bctx, c.stopBackchannel = context.WithCancel(c.ctx)
	}
	c.mu.Unlock()

	c.markRunning()
	if open {
		c.log.DebugContext(c.logContext(ctx), "transport.backchannel.start")
		go c.runBackchannel(bctx)
	}
}

func (c *Connection) markRunning() {
	c.mu.Lock()
	first := !c.running
	c.running = true
	c.mu.Unlock()
	if first {
		c.cb.StateChange(transport.Running)
	}
}

// fail reports err as the connection's error state. Failures after Close
// are expected and dropped.
func (c *Connection) fail(ctx context.Context, err error) {
	if c.ctx.Err() != nil {
		return
	}
	ctx = c.logContext(ctx)
	shouldRetry := false
	var ce *ConnectionError
	if errors.As(err, &ce) {
		shouldRetry = ce.ShouldRetry
		c.log.ErrorContext(ctx, "transport.connection.fail",
			slog.String("url", ce.URL),
			slog.Int("status", ce.Status),
			slog.String("body", ce.Body),
			slog.Bool("should_retry", ce.ShouldRetry),
			slog.String("err", err.Error()),
		)
	} else {
		c.log.ErrorContext(ctx, "transport.protocol.fail", slog.String("err", err.Error()))
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.cb.StateChange(transport.Errored(err, shouldRetry))
}

func (c *Connection) logContext(ctx context.Context) context.Context {
	return logctx.WithConnData(ctx, &logctx.ConnData{
		ServerURL: c.endpoint.String(),
		Transport: c.Mode().Kind.String(),
		ClientID:  c.clientID,
	})
}

// snippet reads a diagnostic prefix of the body and releases the response.
func snippet(resp *http.Response, done context.CancelFunc) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, bodySnippetSize))
	resp.Body.Close()
	done()
	return strings.TrimSpace(string(b))
}

func discard(resp *http.Response, done context.CancelFunc) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	done()
}
