package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/hooks"
	"github.com/ggoodman/mcp-client-go/hooks/hookstest"
	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcp/elicitation"
	"github.com/ggoodman/mcp-client-go/transport"
)

// fakeTransport plays the server side of a connection in memory.
type fakeTransport struct {
	cb   transport.Callbacks
	sent chan jsonrpc.AnyMessage

	mu              sync.Mutex
	closed          bool
	protocolVersion string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan jsonrpc.AnyMessage, 64)}
}

func (f *fakeTransport) Start(context.Context) error {
	f.cb.StateChange(transport.Starting)
	f.cb.StateChange(transport.Running)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg []byte) {
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		panic("client sent invalid message: " + string(msg))
	}
	f.sent <- m
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	already := f.closed
	f.closed = true
	f.mu.Unlock()
	if !already {
		f.cb.StateChange(transport.Stopped)
	}
	return nil
}

func (f *fakeTransport) SetProtocolVersion(v string) {
	f.mu.Lock()
	f.protocolVersion = v
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) next(t *testing.T) jsonrpc.AnyMessage {
	t.Helper()
	select {
	case m := <-f.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return jsonrpc.AnyMessage{}
	}
}

func (f *fakeTransport) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-f.sent:
		t.Fatalf("unexpected client message: %s %s", m.Method, m.ID)
	case <-time.After(d):
	}
}

func (f *fakeTransport) deliver(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	f.cb.Message(b)
}

func (f *fakeTransport) reply(t *testing.T, id *jsonrpc.RequestID, result any) {
	t.Helper()
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		t.Fatal(err)
	}
	f.deliver(t, resp)
}

func serverRequest(id any, method mcp.Method, params any) map[string]any {
	m := map[string]any{"jsonrpc": "2.0", "id": id, "method": string(method)}
	if params != nil {
		m["params"] = params
	}
	return m
}

func serverNotification(method mcp.Method, params any) map[string]any {
	m := map[string]any{"jsonrpc": "2.0", "method": string(method)}
	if params != nil {
		m["params"] = params
	}
	return m
}

func startCreate(ft *fakeTransport, opts ...Option) <-chan createResult {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	done := make(chan createResult, 1)
	go func() {
		h, err := create(context.Background(), cfg, "test-client", &logctx.ConnData{ServerURL: "fake", Transport: "fake"},
			func(cb transport.Callbacks) (transport.Transport, error) {
				ft.cb = cb
				return ft, nil
			})
		done <- createResult{h, err}
	}()
	return done
}

type createResult struct {
	h   *Handler
	err error
}

var fakeInit = mcp.InitializeResult{
	ProtocolVersion: mcp.LatestProtocolVersion,
	ServerInfo:      mcp.ImplementationInfo{Name: "fake", Version: "1.0.0"},
	Instructions:    "be nice",
}

// connect completes the handshake and returns a ready handler.
func connect(t *testing.T, opts ...Option) (*Handler, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	done := startCreate(ft, opts...)

	init := ft.next(t)
	if init.Method != string(mcp.InitializeMethod) {
		t.Fatalf("first message %q, want initialize", init.Method)
	}
	ft.reply(t, init.ID, fakeInit)
	if n := ft.next(t); n.Method != string(mcp.InitializedNotificationMethod) || n.ID != nil {
		t.Fatalf("expected notifications/initialized, got %q", n.Method)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("create: %v", r.err)
	}
	t.Cleanup(func() { _ = r.h.Close() })
	return r.h, ft
}

func TestCreateHandshake(t *testing.T) {
	ft := newFakeTransport()
	done := startCreate(ft, WithClientInfo("probe", "9.9.9"), WithSamplingHandler(hookstest.NewRecorder()))

	init := ft.next(t)
	var req mcp.InitializeRequest
	if err := json.Unmarshal(init.Params, &req); err != nil {
		t.Fatal(err)
	}
	if req.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Errorf("protocol version %q", req.ProtocolVersion)
	}
	if req.Capabilities.Roots == nil || !req.Capabilities.Roots.ListChanged {
		t.Errorf("roots.listChanged not advertised: %+v", req.Capabilities)
	}
	if req.Capabilities.Sampling == nil {
		t.Error("sampling not advertised")
	}
	if req.Capabilities.Elicitation != nil {
		t.Error("elicitation advertised without a handler")
	}
	if req.ClientInfo.Name != "probe" || req.ClientInfo.Version != "9.9.9" {
		t.Errorf("client info %+v", req.ClientInfo)
	}

	ft.reply(t, init.ID, fakeInit)
	ft.next(t) // notifications/initialized
	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	defer r.h.Close()

	si := r.h.ServerInit()
	if si.ServerInfo.Name != "fake" || si.Instructions != "be nice" || si.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Errorf("server init %+v", si)
	}
	ft.mu.Lock()
	pv := ft.protocolVersion
	ft.mu.Unlock()
	if pv != mcp.LatestProtocolVersion {
		t.Errorf("transport protocol version %q", pv)
	}
	if r.h.State().Kind != transport.StateRunning {
		t.Errorf("state %s", r.h.State())
	}
}

func TestCreateFailureClosesHandler(t *testing.T) {
	t.Run("rpc error", func(t *testing.T) {
		ft := newFakeTransport()
		done := startCreate(ft)
		init := ft.next(t)
		ft.deliver(t, jsonrpc.NewErrorResponse(init.ID, jsonrpc.ErrorCodeInvalidRequest, "nope", nil))
		r := <-done
		var rpcErr *RPCError
		if !errors.As(r.err, &rpcErr) || rpcErr.Code != -32600 || rpcErr.Method != "initialize" {
			t.Fatalf("err = %v", r.err)
		}
		if !ft.isClosed() {
			t.Fatal("transport not closed after failed create")
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		ft := newFakeTransport()
		done := startCreate(ft)
		init := ft.next(t)
		ft.reply(t, init.ID, mcp.InitializeResult{ProtocolVersion: "1999-01-01"})
		if r := <-done; r.err == nil {
			t.Fatal("expected error")
		}
		if !ft.isClosed() {
			t.Fatal("transport not closed after failed create")
		}
	})

	t.Run("connection error", func(t *testing.T) {
		ft := newFakeTransport()
		done := startCreate(ft)
		ft.next(t)
		ft.cb.StateChange(transport.Errored(errors.New("boom"), true))
		r := <-done
		var ce *ConnectionClosedError
		if !errors.As(r.err, &ce) || !ce.ShouldRetry() {
			t.Fatalf("err = %v", r.err)
		}
	})
}

func TestCreateWarnsWhenInitializeIsSlow(t *testing.T) {
	var buf syncBuffer
	ft := newFakeTransport()
	done := startCreate(ft,
		WithTimeoutWarning(10*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)
	init := ft.next(t)
	time.Sleep(60 * time.Millisecond)
	ft.reply(t, init.ID, fakeInit)
	ft.next(t)
	r := <-done
	if r.err != nil {
		t.Fatalf("slow initialize must not be cancelled: %v", r.err)
	}
	defer r.h.Close()
	if !bytes.Contains(buf.Bytes(), []byte("mcpclient.initialize.slow")) {
		t.Fatalf("no slow warning logged:\n%s", buf.Bytes())
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	h, ft := connect(t)

	const n = 10
	type outcome struct {
		sent string
		got  string
		err  error
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			var res struct {
				Echo string `json:"echo"`
			}
			err := h.SendRequest(context.Background(), "test/echo", map[string]int{"n": i}, &res)
			results <- outcome{got: res.Echo, err: err}
		}()
	}

	var reqs []jsonrpc.AnyMessage
	for len(reqs) < n {
		reqs = append(reqs, ft.next(t))
	}
	// Answer in reverse arrival order, echoing each request's id.
	for _, r := range slices.Backward(reqs) {
		ft.reply(t, r.ID, map[string]string{"echo": r.ID.String()})
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		o := <-results
		if o.err != nil {
			t.Fatal(o.err)
		}
		if seen[o.got] {
			t.Fatalf("id %s resolved twice", o.got)
		}
		seen[o.got] = true
	}
	for _, r := range reqs {
		if !seen[r.ID.String()] {
			t.Fatalf("request %s never resolved", r.ID)
		}
	}
}

func TestRPCErrorIsReturned(t *testing.T) {
	h, ft := connect(t)
	errCh := make(chan error, 1)
	go func() { errCh <- h.Ping(context.Background()) }()
	req := ft.next(t)
	ft.deliver(t, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "no ping here", map[string]any{"hint": "x"}))

	var rpcErr *RPCError
	if err := <-errCh; !errors.As(err, &rpcErr) || rpcErr.Code != -32601 || rpcErr.Message != "no ping here" {
		t.Fatalf("err = %v", err)
	}
}

func TestCancellationSendsExactlyOneCancelled(t *testing.T) {
	h, ft := connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.SendRequest(ctx, mcp.ToolsCallMethod, &mcp.CallToolRequest{Name: "slow"}, nil) }()
	req := ft.next(t)
	cancel()

	err := <-errCh
	var ce *CancelledError
	if !errors.As(err, &ce) || ce.Remote || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if h.d.Pending() != 0 {
		t.Fatalf("pending = %d", h.d.Pending())
	}

	n := ft.next(t)
	if n.Method != string(mcp.CancelledNotificationMethod) {
		t.Fatalf("expected notifications/cancelled, got %q", n.Method)
	}
	var p struct {
		RequestID jsonrpc.RequestID `json:"requestId"`
	}
	if err := json.Unmarshal(n.Params, &p); err != nil || p.RequestID.String() != req.ID.String() {
		t.Fatalf("cancelled params %s", n.Params)
	}

	// A late response is dropped without side effects.
	ft.reply(t, req.ID, &mcp.CallToolResult{})
	ft.expectNone(t, 50*time.Millisecond)
}

func TestDeadlineIsReportedAsCancellation(t *testing.T) {
	h, ft := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Ping(ctx)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	ft.next(t) // ping
	if n := ft.next(t); n.Method != string(mcp.CancelledNotificationMethod) {
		t.Fatalf("got %q", n.Method)
	}
}

func TestServerCancelledNotificationRejectsPending(t *testing.T) {
	h, ft := connect(t)
	errCh := make(chan error, 1)
	go func() { errCh <- h.Ping(context.Background()) }()
	req := ft.next(t)
	ft.deliver(t, serverNotification(mcp.CancelledNotificationMethod, map[string]any{"requestId": req.ID, "reason": "shutting down"}))

	var ce *CancelledError
	if err := <-errCh; !errors.As(err, &ce) || !ce.Remote {
		t.Fatalf("err = %v", err)
	}
}

func TestPaginationRoundTrip(t *testing.T) {
	h, ft := connect(t)

	serve := func() {
		first := ft.next(t)
		var p map[string]any
		_ = json.Unmarshal(first.Params, &p)
		if _, ok := p["cursor"]; ok {
			t.Errorf("first page carried a cursor: %s", first.Params)
		}
		ft.reply(t, first.ID, mcp.ListToolsResult{
			Tools:           []mcp.Tool{{Name: "a"}, {Name: "b"}},
			PaginatedResult: mcp.PaginatedResult{NextCursor: "x"},
		})
		second := ft.next(t)
		p = nil
		_ = json.Unmarshal(second.Params, &p)
		if p["cursor"] != "x" {
			t.Errorf("second page cursor = %v", p["cursor"])
		}
		ft.reply(t, second.ID, mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "c"}}})
	}

	type listed struct {
		tools []mcp.Tool
		err   error
	}
	done := make(chan listed, 1)
	go func() {
		tools, err := h.ListTools(context.Background())
		done <- listed{tools, err}
	}()
	serve()
	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	var names []string
	for _, tl := range res.tools {
		names = append(names, tl.Name)
	}
	if !slices.Equal(names, []string{"a", "b", "c"}) {
		t.Fatalf("tools = %v", names)
	}

	// Ranging again restarts from the first page.
	seq := h.ToolsPages(context.Background())
	batches := make(chan int, 1)
	go func() {
		n := 0
		for _, err := range seq {
			if err != nil {
				break
			}
			n++
		}
		batches <- n
	}()
	serve()
	if n := <-batches; n != 2 {
		t.Fatalf("batches = %d", n)
	}
}

func TestPaginationStopsWhenConsumerBreaks(t *testing.T) {
	h, ft := connect(t)
	type first struct {
		items []mcp.Resource
		err   error
	}
	done := make(chan first, 1)
	go func() {
		for items, err := range h.ResourcesPages(context.Background()) {
			done <- first{items, err}
			break
		}
	}()
	req := ft.next(t)
	ft.reply(t, req.ID, mcp.ListResourcesResult{
		Resources:       []mcp.Resource{{URI: "file:///a", Name: "a"}},
		PaginatedResult: mcp.PaginatedResult{NextCursor: "more"},
	})
	if r := <-done; r.err != nil || len(r.items) != 1 {
		t.Fatalf("items=%v err=%v", r.items, r.err)
	}
	ft.expectNone(t, 50*time.Millisecond)
}

func TestPaginationMergesParams(t *testing.T) {
	h, ft := connect(t)
	seq := Paginate(context.Background(), h, "test/list", map[string]string{"filter": "x"}, pageOf(func(r *struct {
		Items []int `json:"items"`
		mcp.PaginatedResult
	}) ([]int, string) {
		return r.Items, r.NextCursor
	}))
	type collected struct {
		got []int
		err error
	}
	done := make(chan collected, 1)
	go func() {
		got, err := Collect(seq)
		done <- collected{got, err}
	}()
	req := ft.next(t)
	var p map[string]string
	_ = json.Unmarshal(req.Params, &p)
	if p["filter"] != "x" {
		t.Errorf("params lost: %s", req.Params)
	}
	ft.reply(t, req.ID, map[string]any{"items": []int{1, 2}})
	if r := <-done; r.err != nil || !slices.Equal(r.got, []int{1, 2}) {
		t.Fatalf("got=%v err=%v", r.got, r.err)
	}
}

func TestPaginationCancelledBeforeFirstPage(t *testing.T) {
	h, ft := connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.ListPrompts(ctx)
	var ce *CancelledError
	if !errors.As(err, &ce) || ce.Method != string(mcp.PromptsListMethod) {
		t.Fatalf("err = %v", err)
	}
	ft.expectNone(t, 30*time.Millisecond)
}

func TestInboundRequests(t *testing.T) {
	rec := hookstest.NewRecorder(hookstest.WithSamplingText("m", "hi"))
	_, ft := connect(t, WithSamplingHandler(rec), WithRoots(mcp.Root{URI: "file:///ws", Name: "ws"}))

	call := func(id any, method mcp.Method, params any) jsonrpc.AnyMessage {
		t.Helper()
		ft.deliver(t, serverRequest(id, method, params))
		resp := ft.next(t)
		if resp.ID.String() != jsonrpc.NewRequestID(id).String() {
			t.Fatalf("response id %s, want %v", resp.ID, id)
		}
		return resp
	}

	if r := call("p1", mcp.PingMethod, nil); r.Error != nil || string(r.Result) != "{}" {
		t.Errorf("ping: result=%s err=%v", r.Result, r.Error)
	}

	r := call(2, mcp.RootsListMethod, nil)
	var roots mcp.ListRootsResult
	if err := json.Unmarshal(r.Result, &roots); err != nil || len(roots.Roots) != 1 || roots.Roots[0].URI != "file:///ws" {
		t.Errorf("roots/list: %s", r.Result)
	}

	r = call(3, mcp.SamplingCreateMessageMethod, &mcp.CreateMessageRequest{
		Messages:  []mcp.SamplingMessage{{Role: mcp.RoleUser, Content: mcp.ContentBlock{Type: "text", Text: "hello"}}},
		MaxTokens: 5,
	})
	var cm mcp.CreateMessageResult
	if err := json.Unmarshal(r.Result, &cm); err != nil || cm.Content.Text != "hi" {
		t.Errorf("sampling: %s %v", r.Result, r.Error)
	}

	if r := call(4, mcp.SamplingCreateMessageMethod, &mcp.CreateMessageRequest{}); r.Error == nil || r.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Errorf("invalid sampling request: %+v", r.Error)
	}

	if r := call(5, "bogus/method", nil); r.Error == nil || r.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Errorf("unknown method: %+v", r.Error)
	}

	if r := call(6, mcp.ElicitationCreateMethod, nil); r.Error == nil || r.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Errorf("elicitation without handler: %+v", r.Error)
	}
}

func TestHandlerErrorsBecomeResponses(t *testing.T) {
	var mode string
	sampler := hooks.SamplingFunc(func(context.Context, *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
		switch mode {
		case "panic":
			panic("kaboom")
		case "unsupported":
			return nil, &hooks.UnsupportedOperationError{Operation: "images"}
		default:
			return nil, errors.New("model offline")
		}
	})
	_, ft := connect(t, WithSamplingHandler(sampler))
	params := &mcp.CreateMessageRequest{Messages: []mcp.SamplingMessage{{Role: mcp.RoleUser, Content: mcp.ContentBlock{Type: "text"}}}}

	tests := []struct {
		mode string
		code jsonrpc.ErrorCode
	}{
		{"panic", jsonrpc.ErrorCodeInternalError},
		{"unsupported", jsonrpc.ErrorCodeMethodNotFound},
		{"plain", jsonrpc.ErrorCodeInternalError},
	}
	for i, tt := range tests {
		mode = tt.mode
		ft.deliver(t, serverRequest(i+1, mcp.SamplingCreateMessageMethod, params))
		resp := ft.next(t)
		if resp.Error == nil || resp.Error.Code != tt.code {
			t.Errorf("%s: got %+v", tt.mode, resp.Error)
		}
	}
}

func TestElicitation(t *testing.T) {
	var content map[string]any
	var action = mcp.ElicitActionAccept
	handler := hooks.ElicitationFunc(func(context.Context, *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		return &mcp.ElicitResult{Action: action, Content: content}, nil
	})
	_, ft := connect(t, WithElicitationHandler(handler))
	schema := elicitation.ObjectSchema(elicitation.PropString("name", "your name"), elicitation.Required("name"))
	req := &mcp.ElicitRequest{Message: "who are you?", RequestedSchema: schema}

	content = map[string]any{"name": "ada"}
	ft.deliver(t, serverRequest(1, mcp.ElicitationCreateMethod, req))
	resp := ft.next(t)
	var res mcp.ElicitResult
	if err := json.Unmarshal(resp.Result, &res); err != nil || res.Action != "accept" || res.Content["name"] != "ada" {
		t.Fatalf("accept: %s %+v", resp.Result, resp.Error)
	}

	content = map[string]any{"age": 3}
	ft.deliver(t, serverRequest(2, mcp.ElicitationCreateMethod, req))
	if resp := ft.next(t); resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("invalid content: %+v", resp.Error)
	}

	action = mcp.ElicitActionDecline
	ft.deliver(t, serverRequest(3, mcp.ElicitationCreateMethod, req))
	resp = ft.next(t)
	res = mcp.ElicitResult{}
	if err := json.Unmarshal(resp.Result, &res); err != nil || res.Action != "decline" || res.Content != nil {
		t.Fatalf("decline: %s", resp.Result)
	}

	ft.deliver(t, serverRequest(4, mcp.ElicitationCreateMethod, &mcp.ElicitRequest{Message: "bad", RequestedSchema: mcp.ElicitationSchema{Type: "array"}}))
	if resp := ft.next(t); resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("bad schema: %+v", resp.Error)
	}
}

func TestServerCanCancelInboundRequest(t *testing.T) {
	entered := make(chan struct{})
	sampler := hooks.SamplingFunc(func(ctx context.Context, _ *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, ft := connect(t, WithSamplingHandler(sampler))
	ft.deliver(t, serverRequest("s-1", mcp.SamplingCreateMessageMethod, &mcp.CreateMessageRequest{
		Messages: []mcp.SamplingMessage{{Role: mcp.RoleUser, Content: mcp.ContentBlock{Type: "text"}}},
	}))
	<-entered
	ft.deliver(t, serverNotification(mcp.CancelledNotificationMethod, map[string]any{"requestId": "s-1"}))
	ft.expectNone(t, 100*time.Millisecond)
}

func TestInboundCancellationMatchesIDType(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	sampler := hooks.SamplingFunc(func(ctx context.Context, _ *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
		close(entered)
		select {
		case <-release:
			return &mcp.CreateMessageResult{Role: mcp.RoleAssistant, Model: "m", Content: mcp.ContentBlock{Type: "text", Text: "ok"}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	_, ft := connect(t, WithSamplingHandler(sampler))
	ft.deliver(t, serverRequest(7, mcp.SamplingCreateMessageMethod, &mcp.CreateMessageRequest{
		Messages: []mcp.SamplingMessage{{Role: mcp.RoleUser, Content: mcp.ContentBlock{Type: "text"}}},
	}))
	<-entered
	// A string id naming the same digits is a different request.
	ft.deliver(t, serverNotification(mcp.CancelledNotificationMethod, map[string]any{"requestId": "7"}))
	ft.expectNone(t, 50*time.Millisecond)
	close(release)

	resp := ft.next(t)
	if resp.Error != nil || resp.ID.Key() != jsonrpc.NewRequestID(int64(7)).Key() {
		t.Fatalf("response = %+v", resp)
	}
}

func TestRootsIdempotence(t *testing.T) {
	h, ft := connect(t)
	ctx := context.Background()
	a := []mcp.Root{{URI: "file:///a"}}
	b := []mcp.Root{{URI: "file:///a"}, {URI: "file:///b"}}

	// Not yet requested by the server: changes are silent.
	if err := h.SetRoots(ctx, a); err != nil {
		t.Fatal(err)
	}
	ft.expectNone(t, 30*time.Millisecond)

	ft.deliver(t, serverRequest(1, mcp.RootsListMethod, nil))
	ft.next(t)

	if err := h.SetRoots(ctx, a); err != nil {
		t.Fatal(err)
	}
	ft.expectNone(t, 30*time.Millisecond)

	if err := h.SetRoots(ctx, b); err != nil {
		t.Fatal(err)
	}
	if n := ft.next(t); n.Method != string(mcp.RootsListChangedNotificationMethod) {
		t.Fatalf("got %q", n.Method)
	}
	if err := h.SetRoots(ctx, slices.Clone(b)); err != nil {
		t.Fatal(err)
	}
	ft.expectNone(t, 30*time.Millisecond)

	// Order matters.
	if err := h.SetRoots(ctx, []mcp.Root{b[1], b[0]}); err != nil {
		t.Fatal(err)
	}
	if n := ft.next(t); n.Method != string(mcp.RootsListChangedNotificationMethod) {
		t.Fatalf("got %q", n.Method)
	}
}

func TestNotificationsReachObserver(t *testing.T) {
	var logs syncBuffer
	rec := hookstest.NewRecorder()
	_, ft := connect(t, WithObserver(rec), WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	ft.deliver(t, serverNotification(mcp.ResourcesListChangedNotificationMethod, nil))
	ft.deliver(t, serverNotification(mcp.ResourcesUpdatedNotificationMethod, map[string]any{"uri": "file:///x"}))
	ft.deliver(t, serverNotification(mcp.ToolsListChangedNotificationMethod, nil))
	ft.deliver(t, serverNotification(mcp.PromptsListChangedNotificationMethod, nil))
	ft.deliver(t, serverNotification(mcp.LoggingMessageNotificationMethod, map[string]any{"level": "warning", "data": "disk low", "logger": "fs"}))
	ft.deliver(t, serverNotification("notifications/unknown", nil))

	want := []hookstest.EventKind{
		hookstest.EventResourcesListChanged,
		hookstest.EventResourceUpdated,
		hookstest.EventToolsListChanged,
		hookstest.EventPromptsListChanged,
		hookstest.EventLogMessage,
	}
	events := rec.Events()
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, e := range events {
		if e.Kind != want[i] {
			t.Errorf("event %d = %s, want %s", i, e.Kind, want[i])
		}
	}
	if events[1].URI != "file:///x" || events[4].LogMessage.Logger != "fs" {
		t.Errorf("event payloads: %+v", events)
	}
	if !bytes.Contains(logs.Bytes(), []byte("level=WARN msg=mcpclient.server.log")) {
		t.Errorf("server log not forwarded at warn:\n%s", logs.Bytes())
	}
}

func TestCallToolProgress(t *testing.T) {
	rec := hookstest.NewRecorder()
	h, ft := connect(t, WithObserver(rec))

	var got []float64
	resCh := make(chan error, 1)
	go func() {
		_, err := h.CallTool(context.Background(), "build", map[string]any{"target": "all"},
			WithProgress(func(p *mcp.ProgressNotificationParams) { got = append(got, p.Progress) }))
		resCh <- err
	}()

	req := ft.next(t)
	var call struct {
		Name string `json:"name"`
		Meta struct {
			ProgressToken string `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(req.Params, &call); err != nil || call.Meta.ProgressToken == "" {
		t.Fatalf("no progress token in %s", req.Params)
	}
	for _, p := range []float64{1, 2} {
		ft.deliver(t, serverNotification(mcp.ProgressNotificationMethod, map[string]any{"progressToken": call.Meta.ProgressToken, "progress": p, "total": 2}))
	}
	ft.deliver(t, serverNotification(mcp.ProgressNotificationMethod, map[string]any{"progressToken": "someone-else", "progress": 9}))
	ft.reply(t, req.ID, &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}})

	if err := <-resCh; err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []float64{1, 2}) {
		t.Fatalf("progress = %v", got)
	}
	if rec.Count(hookstest.EventProgress) != 3 {
		t.Fatalf("observer saw %d progress events", rec.Count(hookstest.EventProgress))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.progress) != 0 {
		t.Fatal("progress route not removed")
	}
}

func TestStateChangesRejectPending(t *testing.T) {
	var states []transport.State
	var mu sync.Mutex
	h, ft := connect(t, WithStateObserver(func(s transport.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- h.Ping(context.Background()) }()
	ft.next(t)
	ft.cb.StateChange(transport.Errored(errors.New("session expired"), true))

	var ce *ConnectionClosedError
	if err := <-errCh; !errors.As(err, &ce) || !ce.ShouldRetry() {
		t.Fatalf("err = %v", err)
	}
	if err := h.Ping(context.Background()); !errors.As(err, &ce) {
		t.Fatalf("call after error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if last := states[len(states)-1]; last.Kind != transport.StateError {
		t.Fatalf("last state %s", last)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	h, ft := connect(t)
	errCh := make(chan error, 1)
	go func() { errCh <- h.Ping(context.Background()) }()
	ft.next(t)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if !ft.isClosed() {
		t.Fatal("transport not closed")
	}
	if err := h.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("call after close: %v", err)
	}
}

func TestTypedMethodsShapeRequests(t *testing.T) {
	h, ft := connect(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		call   func() error
		method mcp.Method
		params string
		result any
	}{
		{"read", func() error {
			res, err := h.ReadResource(ctx, "file:///a")
			if err == nil && res.Contents[0].Text != "A" {
				t.Errorf("contents %+v", res.Contents)
			}
			return err
		}, mcp.ResourcesReadMethod, `{"uri":"file:///a"}`, mcp.ReadResourceResult{Contents: []mcp.ResourceContents{{URI: "file:///a", Text: "A"}}}},
		{"subscribe", func() error { return h.Subscribe(ctx, "file:///a") }, mcp.ResourcesSubscribeMethod, `{"uri":"file:///a"}`, mcp.EmptyResult{}},
		{"unsubscribe", func() error { return h.Unsubscribe(ctx, "file:///a") }, mcp.ResourcesUnsubscribeMethod, `{"uri":"file:///a"}`, mcp.EmptyResult{}},
		{"get prompt", func() error {
			res, err := h.GetPrompt(ctx, "greet", map[string]string{"who": "bob"})
			if err == nil && res.Description != "greeting" {
				t.Errorf("prompt %+v", res)
			}
			return err
		}, mcp.PromptsGetMethod, `{"name":"greet","arguments":{"who":"bob"}}`, mcp.GetPromptResult{Description: "greeting", Messages: []mcp.PromptMessage{}}},
		{"set level", func() error { return h.SetLevel(ctx, mcp.LoggingLevelNotice) }, mcp.LoggingSetLevelMethod, `{"level":"notice"}`, mcp.EmptyResult{}},
		{"complete", func() error {
			res, err := h.Complete(ctx, mcp.Reference{Type: "ref/prompt", Name: "greet"}, mcp.CompleteArgument{Name: "who", Value: "b"})
			if err == nil && !slices.Equal(res.Completion.Values, []string{"bob"}) {
				t.Errorf("completion %+v", res)
			}
			return err
		}, mcp.CompletionCompleteMethod, `{"ref":{"type":"ref/prompt","name":"greet"},"argument":{"name":"who","value":"b"}}`, mcp.CompleteResult{Completion: mcp.Completion{Values: []string{"bob"}}}},
		{"ping", func() error { return h.Ping(ctx) }, mcp.PingMethod, `{}`, mcp.EmptyResult{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errCh := make(chan error, 1)
			go func() { errCh <- tt.call() }()
			req := ft.next(t)
			if req.Method != string(tt.method) || string(req.Params) != tt.params {
				t.Errorf("request %s %s, want %s %s", req.Method, req.Params, tt.method, tt.params)
			}
			ft.reply(t, req.ID, tt.result)
			if err := <-errCh; err != nil {
				t.Fatal(err)
			}
		})
	}

	if err := h.SetLevel(ctx, "loud"); err == nil {
		t.Fatal("expected invalid level error")
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.b.Bytes()...)
}
