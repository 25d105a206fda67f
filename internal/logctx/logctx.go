package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with connection and RPC attributes carried on
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		attrs := []any{
			slog.String("server", cd.ServerURL),
			slog.String("transport", cd.Transport),
		}
		if cd.ClientID != "" {
			attrs = append(attrs, slog.String("client_id", cd.ClientID))
		}
		r.AddAttrs(slog.Group("conn", attrs...))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type connDataKey struct{}

// ConnData identifies the logical connection a record belongs to.
type ConnData struct {
	ServerURL string
	Transport string
	ClientID  string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}
