package mcpclient_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/hooks/hookstest"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcpclient"
	"github.com/ggoodman/mcp-client-go/streaminghttp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// helperEnv makes the test binary act as a stdio MCP server.
const helperEnv = "MCPCLIENT_STDIO_SERVER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := newReferenceServer().Run(context.Background(), &sdk.StdioTransport{}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type echoArgs struct {
	Text string `json:"text"`
}

type askArgs struct {
	Question string `json:"question"`
}

// newReferenceServer builds a server with the official SDK. Page size 1
// forces every list call through pagination.
func newReferenceServer() *sdk.Server {
	s := sdk.NewServer(&sdk.Implementation{Name: "reference", Version: "1.0.0"}, &sdk.ServerOptions{
		PageSize:     1,
		Instructions: "be nice",
	})

	sdk.AddTool(s, &sdk.Tool{Name: "echo", Description: "Echo text back"}, func(_ context.Context, _ *sdk.CallToolRequest, in echoArgs) (*sdk.CallToolResult, any, error) {
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: in.Text}}}, nil, nil
	})

	// ask calls back into the client: roots, sampling, progress and logging
	// all travel on the tools/call response stream.
	sdk.AddTool(s, &sdk.Tool{Name: "ask", Description: "Ask the client's model"}, func(ctx context.Context, req *sdk.CallToolRequest, in askArgs) (*sdk.CallToolResult, any, error) {
		ss := req.Session
		roots, err := ss.ListRoots(ctx, nil)
		if err != nil {
			return nil, nil, err
		}
		if tok := req.Params.GetProgressToken(); tok != nil {
			if err := ss.NotifyProgress(ctx, &sdk.ProgressNotificationParams{ProgressToken: tok, Progress: 1, Total: 2, Message: "sampling"}); err != nil {
				return nil, nil, err
			}
		}
		msg, err := ss.CreateMessage(ctx, &sdk.CreateMessageParams{
			MaxTokens: 64,
			Messages:  []*sdk.SamplingMessage{{Role: "user", Content: &sdk.TextContent{Text: in.Question}}},
		})
		if err != nil {
			return nil, nil, err
		}
		if err := ss.Log(ctx, &sdk.LoggingMessageParams{Level: "warning", Logger: "ask", Data: "answered"}); err != nil {
			return nil, nil, err
		}
		var uris []string
		for _, r := range roots.Roots {
			uris = append(uris, r.URI)
		}
		answer := ""
		if tc, ok := msg.Content.(*sdk.TextContent); ok {
			answer = tc.Text
		}
		text := fmt.Sprintf("roots=%s model=%s answer=%s", strings.Join(uris, ","), msg.Model, answer)
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}, nil, nil
	})

	s.AddPrompt(&sdk.Prompt{
		Name:      "greeting",
		Arguments: []*sdk.PromptArgument{{Name: "name", Required: true}},
	}, func(_ context.Context, req *sdk.GetPromptRequest) (*sdk.GetPromptResult, error) {
		return &sdk.GetPromptResult{
			Messages: []*sdk.PromptMessage{{Role: "user", Content: &sdk.TextContent{Text: "Hello, " + req.Params.Arguments["name"]}}},
		}, nil
	})
	s.AddPrompt(&sdk.Prompt{Name: "farewell"}, func(context.Context, *sdk.GetPromptRequest) (*sdk.GetPromptResult, error) {
		return &sdk.GetPromptResult{Messages: []*sdk.PromptMessage{{Role: "user", Content: &sdk.TextContent{Text: "Bye"}}}}, nil
	})

	for _, name := range []string{"a", "b", "c"} {
		uri := "mem://" + name
		s.AddResource(&sdk.Resource{URI: uri, Name: name, MIMEType: "text/plain"}, func(_ context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
			return &sdk.ReadResourceResult{Contents: []*sdk.ResourceContents{{URI: req.Params.URI, MIMEType: "text/plain", Text: "contents of " + name}}}, nil
		})
	}
	return s
}

func interopCreate(t *testing.T, launch mcpclient.LaunchConfig, rec *hookstest.Recorder) *mcpclient.Handler {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, err := mcpclient.Create(ctx, launch,
		mcpclient.WithClientInfo("interop", "test"),
		mcpclient.WithRoots(mcp.Root{URI: "file:///work", Name: "work"}),
		mcpclient.WithSamplingHandler(rec),
		mcpclient.WithObserver(rec),
	)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// exercise runs the same conversation over any transport.
func exercise(t *testing.T, h *mcpclient.Handler, rec *hookstest.Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	init := h.ServerInit()
	if init.ServerInfo.Name != "reference" {
		t.Fatalf("server name = %q", init.ServerInfo.Name)
	}
	if init.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("protocol version = %q", init.ProtocolVersion)
	}
	if init.Instructions != "be nice" {
		t.Fatalf("instructions = %q", init.Instructions)
	}

	if err := h.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	tools, err := h.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"ask", "echo"}) {
		t.Fatalf("tools = %v", names)
	}

	pages := 0
	for _, err := range h.ResourcesPages(ctx) {
		if err != nil {
			t.Fatalf("ResourcesPages: %v", err)
		}
		pages++
		if pages == 2 {
			break
		}
	}
	if pages != 2 {
		t.Fatalf("pages = %d, want to stop at 2", pages)
	}
	resources, err := h.ListResources(ctx)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(resources) != 3 {
		t.Fatalf("resources = %d, want 3", len(resources))
	}
	read, err := h.ReadResource(ctx, "mem://b")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != "contents of b" {
		t.Fatalf("ReadResource = %+v", read.Contents)
	}

	prompts, err := h.ListPrompts(ctx)
	if err != nil {
		t.Fatalf("ListPrompts: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(prompts))
	}
	got, err := h.GetPrompt(ctx, "greeting", map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content.Text != "Hello, Ada" {
		t.Fatalf("GetPrompt = %+v", got.Messages)
	}

	echo, err := h.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool echo: %v", err)
	}
	if echo.IsError || len(echo.Content) != 1 || echo.Content[0].Text != "hi" {
		t.Fatalf("echo = %+v", echo)
	}

	_, err = h.CallTool(ctx, "missing", nil)
	var rpcErr *mcpclient.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("unknown tool err = %v, want *RPCError", err)
	}

	if err := h.SetLevel(ctx, mcp.LoggingLevelDebug); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	var (
		mu       sync.Mutex
		progress []float64
	)
	ask, err := h.CallTool(ctx, "ask", map[string]any{"question": "why?"}, mcpclient.WithProgress(func(p *mcp.ProgressNotificationParams) {
		mu.Lock()
		progress = append(progress, p.Progress)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("CallTool ask: %v", err)
	}
	want := "roots=file:///work model=test-model answer=because"
	if len(ask.Content) != 1 || ask.Content[0].Text != want {
		t.Fatalf("ask = %+v, want %q", ask.Content, want)
	}
	mu.Lock()
	if !slices.Equal(progress, []float64{1}) {
		t.Fatalf("progress = %v", progress)
	}
	mu.Unlock()

	sampled := rec.WaitFor(t, hookstest.EventCreateMessage, 1, time.Second)
	if len(sampled.CreateMessage.Messages) != 1 || sampled.CreateMessage.Messages[0].Content.Text != "why?" {
		t.Fatalf("sampling request = %+v", sampled.CreateMessage)
	}
	logged := rec.WaitFor(t, hookstest.EventLogMessage, 1, time.Second)
	if logged.LogMessage.Level != mcp.LoggingLevelWarning || logged.LogMessage.Logger != "ask" {
		t.Fatalf("log message = %+v", logged.LogMessage)
	}
}

func TestInteropStreamableHTTP(t *testing.T) {
	server := newReferenceServer()
	ts := httptest.NewServer(sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return server }, nil))
	t.Cleanup(ts.Close)

	rec := hookstest.NewRecorder(hookstest.WithSamplingText("test-model", "because"))
	h := interopCreate(t, mcpclient.LaunchConfig{Transport: mcpclient.TransportHTTP, URI: ts.URL}, rec)

	conn, ok := h.Transport().(*streaminghttp.Connection)
	if !ok {
		t.Fatalf("transport = %T", h.Transport())
	}
	if mode := conn.Mode(); mode.Kind != streaminghttp.ModeHTTP || mode.SessionID == "" {
		t.Fatalf("mode = %+v, want streamable HTTP with a session", mode)
	}
	exercise(t, h, rec)
}

func TestInteropLegacySSE(t *testing.T) {
	server := newReferenceServer()
	ts := httptest.NewServer(sdk.NewSSEHandler(func(*http.Request) *sdk.Server { return server }, nil))
	t.Cleanup(ts.Close)

	rec := hookstest.NewRecorder(hookstest.WithSamplingText("test-model", "because"))
	h := interopCreate(t, mcpclient.LaunchConfig{Transport: mcpclient.TransportHTTP, URI: ts.URL}, rec)

	conn := h.Transport().(*streaminghttp.Connection)
	if mode := conn.Mode(); mode.Kind != streaminghttp.ModeSSE || mode.Endpoint == nil {
		t.Fatalf("mode = %+v, want legacy SSE", mode)
	}
	exercise(t, h, rec)
}

func TestInteropStdio(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("no test executable: %v", err)
	}
	rec := hookstest.NewRecorder(hookstest.WithSamplingText("test-model", "because"))
	h := interopCreate(t, mcpclient.LaunchConfig{
		Transport: mcpclient.TransportStdio,
		Command:   exe,
		Args:      []string{"-test.run=^$"},
		Env:       []string{helperEnv + "=1"},
	}, rec)
	exercise(t, h, rec)
}

// stallRequests answers any POST whose body contains marker with a 202 after
// d, without passing it on, so the caller never sees a response.
func stallRequests(next http.Handler, marker string, d time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			b, _ := io.ReadAll(r.Body)
			if bytes.Contains(b, []byte(marker)) {
				time.Sleep(d)
				w.WriteHeader(http.StatusAccepted)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(b))
		}
		next.ServeHTTP(w, r)
	})
}

func TestTimedOutCallLeavesConnectionUsable(t *testing.T) {
	server := newReferenceServer()
	ts := httptest.NewServer(stallRequests(sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return server }, nil), `"text":"slow"`, 400*time.Millisecond))
	t.Cleanup(ts.Close)

	rec := hookstest.NewRecorder()
	h := interopCreate(t, mcpclient.LaunchConfig{Transport: mcpclient.TransportHTTP, URI: ts.URL}, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := h.CallTool(ctx, "echo", map[string]any{"text": "slow"})
	var ce *mcpclient.CancelledError
	if !errors.As(err, &ce) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CallTool err = %v, want a local cancellation", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Ping(ctx); err != nil {
		t.Fatalf("Ping after timeout: %v", err)
	}
	res, err := h.CallTool(ctx, "echo", map[string]any{"text": "fast"})
	if err != nil {
		t.Fatalf("CallTool after timeout: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "fast" {
		t.Fatalf("echo = %+v", res.Content)
	}
}
