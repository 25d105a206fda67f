package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-client-go/hooks"
	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcp/elicitation"
	"github.com/ggoodman/mcp-client-go/mcp/sampling"
)

type requestHandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type notificationHandlerFunc func(ctx context.Context, params json.RawMessage)

// requestHandlers is the table of server-initiated requests the client
// answers. Sampling and elicitation are present only when configured, so the
// server gets "method not found" otherwise.
func (h *Handler) requestHandlers() map[mcp.Method]requestHandlerFunc {
	m := map[mcp.Method]requestHandlerFunc{
		mcp.PingMethod:      h.handlePing,
		mcp.RootsListMethod: h.handleRootsList,
	}
	if h.cfg.sampling != nil {
		m[mcp.SamplingCreateMessageMethod] = h.handleCreateMessage
	}
	if h.cfg.elicitation != nil {
		m[mcp.ElicitationCreateMethod] = h.handleElicit
	}
	return m
}

func (h *Handler) notificationHandlers() map[mcp.Method]notificationHandlerFunc {
	return map[mcp.Method]notificationHandlerFunc{
		mcp.LoggingMessageNotificationMethod:       h.handleLogMessage,
		mcp.ProgressNotificationMethod:             h.handleProgress,
		mcp.ResourcesListChangedNotificationMethod: func(ctx context.Context, _ json.RawMessage) { h.cfg.observer.ResourcesListChanged(ctx) },
		mcp.ResourcesUpdatedNotificationMethod:     h.handleResourceUpdated,
		mcp.ToolsListChangedNotificationMethod:     func(ctx context.Context, _ json.RawMessage) { h.cfg.observer.ToolsListChanged(ctx) },
		mcp.PromptsListChangedNotificationMethod:   func(ctx context.Context, _ json.RawMessage) { h.cfg.observer.PromptsListChanged(ctx) },
	}
}

// handleMessage is the transport's OnMessage sink. Responses and
// notifications are handled inline to preserve stream order; requests run on
// their own goroutine so a slow sampling handler cannot stall the stream.
func (h *Handler) handleMessage(b []byte) {
	msgs, err := jsonrpc.DecodeMessages(b)
	if err != nil {
		h.log.WarnContext(h.ctx, "mcpclient.message.invalid", slog.String("err", err.Error()))
		return
	}
	for i := range msgs {
		msg := msgs[i]
		switch msg.Type() {
		case "response":
			if !h.d.OnResponse(msg.AsResponse()) {
				h.log.DebugContext(h.ctx, "mcpclient.response.unmatched", slog.String("id", msg.ID.String()))
			}
		case "request":
			go h.handleRequest(msg.AsRequest())
		case "notification":
			h.handleNotification(msg)
		}
	}
}

func (h *Handler) handleRequest(req *jsonrpc.Request) {
	key := req.ID.Key()
	ctx, cancel := context.WithCancel(logctx.WithRPCMessage(h.ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   "request",
	}))
	defer cancel()

	h.mu.Lock()
	h.inbound[key] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inbound, key)
		h.mu.Unlock()
	}()

	start := time.Now()
	resp := h.invoke(ctx, req)
	if ctx.Err() != nil {
		// Cancelled by the server or by Close: no response is expected.
		h.log.InfoContext(ctx, "mcpclient.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}
	if resp.Error != nil {
		h.log.InfoContext(ctx, "mcpclient.handle_request.fail",
			slog.Int("code", int(resp.Error.Code)),
			slog.String("err", resp.Error.Message),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
	} else {
		h.log.DebugContext(ctx, "mcpclient.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
	if err := h.send(context.WithoutCancel(ctx), resp); err != nil {
		h.log.ErrorContext(ctx, "mcpclient.handle_request.reply_fail", slog.String("err", err.Error()))
	}
}

// invoke runs the handler for req, converting errors and panics into a
// JSON-RPC error response carrying the request id.
func (h *Handler) invoke(ctx context.Context, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	fn, ok := h.requests[mcp.Method(req.Method)]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.ErrorContext(ctx, "mcpclient.handle_request.panic", slog.Any("panic", r))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("internal error: %v", r), nil)
		}
	}()

	result, err := fn(ctx, req.Params)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	resp, err = jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return resp
}

func errorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCode(coded.Code()), err.Error(), nil)
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &hooks.InvalidParamsError{Reason: err.Error()}
	}
	return nil
}

func (h *Handler) handlePing(context.Context, json.RawMessage) (any, error) {
	return &mcp.EmptyResult{}, nil
}

func (h *Handler) handleRootsList(_ context.Context, params json.RawMessage) (any, error) {
	if err := decodeParams(params, &mcp.ListRootsRequest{}); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rootsAnnounced = true
	roots := append([]mcp.Root{}, h.roots...)
	return &mcp.ListRootsResult{Roots: roots}, nil
}

func (h *Handler) handleCreateMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var req mcp.CreateMessageRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := sampling.ValidateCreateMessage(&req); err != nil {
		return nil, &hooks.InvalidParamsError{Reason: err.Error()}
	}
	return h.cfg.sampling.CreateMessage(ctx, &req)
}

func (h *Handler) handleElicit(ctx context.Context, params json.RawMessage) (any, error) {
	var req mcp.ElicitRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := elicitation.ValidateSchema(&req.RequestedSchema); err != nil {
		return nil, &hooks.InvalidParamsError{Field: "requestedSchema", Reason: err.Error()}
	}
	res, err := h.cfg.elicitation.Elicit(ctx, &req)
	if err != nil {
		return nil, err
	}
	switch res.Action {
	case mcp.ElicitActionAccept:
		if err := elicitation.ValidateContent(&req.RequestedSchema, res.Content); err != nil {
			return nil, fmt.Errorf("elicited content does not match schema: %w", err)
		}
	case mcp.ElicitActionDecline, mcp.ElicitActionCancel:
		res.Content = nil
	default:
		return nil, fmt.Errorf("invalid elicitation action %q", res.Action)
	}
	return res, nil
}

func (h *Handler) handleNotification(msg jsonrpc.AnyMessage) {
	ctx := logctx.WithRPCMessage(h.ctx, &logctx.RPCMessage{Method: msg.Method, Type: "notification"})
	if mcp.Method(msg.Method) == mcp.CancelledNotificationMethod {
		h.d.OnNotification(msg)
		h.cancelInbound(ctx, msg.Params)
		return
	}
	fn, ok := h.notifications[mcp.Method(msg.Method)]
	if !ok {
		h.log.DebugContext(ctx, "mcpclient.notification.ignored")
		return
	}
	fn(ctx, msg.Params)
}

func (h *Handler) cancelInbound(ctx context.Context, params json.RawMessage) {
	var p struct {
		RequestID jsonrpc.RequestID `json:"requestId"`
		Reason    string            `json:"reason"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID.IsNil() {
		return
	}
	h.mu.Lock()
	cancel, ok := h.inbound[p.RequestID.Key()]
	h.mu.Unlock()
	if ok {
		h.log.DebugContext(ctx, "mcpclient.handle_request.cancel", slog.String("id", p.RequestID.String()), slog.String("reason", p.Reason))
		cancel()
	}
}

func (h *Handler) handleLogMessage(ctx context.Context, params json.RawMessage) {
	var msg mcp.LoggingMessageNotification
	if err := json.Unmarshal(params, &msg); err != nil {
		h.log.WarnContext(ctx, "mcpclient.notification.invalid", slog.String("err", err.Error()))
		return
	}
	attrs := []slog.Attr{slog.String("severity", string(msg.Level)), slog.Any("data", msg.Data)}
	if msg.Logger != "" {
		attrs = append(attrs, slog.String("logger", msg.Logger))
	}
	h.log.LogAttrs(ctx, slogLevel(msg.Level), "mcpclient.server.log", attrs...)
	h.cfg.observer.LogMessage(ctx, &msg)
}

// slogLevel maps syslog severities onto the four slog levels.
func slogLevel(l mcp.LoggingLevel) slog.Level {
	switch l {
	case mcp.LoggingLevelDebug:
		return slog.LevelDebug
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		return slog.LevelInfo
	case mcp.LoggingLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (h *Handler) handleProgress(ctx context.Context, params json.RawMessage) {
	var p mcp.ProgressNotificationParams
	if err := json.Unmarshal(params, &p); err != nil {
		h.log.WarnContext(ctx, "mcpclient.notification.invalid", slog.String("err", err.Error()))
		return
	}
	h.mu.Lock()
	fn := h.progress[progressKey(p.ProgressToken)]
	h.mu.Unlock()
	if fn != nil {
		fn(&p)
	}
	h.cfg.observer.Progress(ctx, &p)
}

func progressKey(token mcp.ProgressToken) string {
	return fmt.Sprint(token)
}

func (h *Handler) handleResourceUpdated(ctx context.Context, params json.RawMessage) {
	var p mcp.ResourceUpdatedNotification
	if err := json.Unmarshal(params, &p); err != nil {
		h.log.WarnContext(ctx, "mcpclient.notification.invalid", slog.String("err", err.Error()))
		return
	}
	h.cfg.observer.ResourceUpdated(ctx, p.URI)
}
