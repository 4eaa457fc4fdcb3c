// Package logctx carries request, session, and RPC-message identifiers on a
// context.Context and fans them into every log record written through a
// wrapped slog.Handler, so call sites log a plain message and get
// correlated structured attributes for free.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps an slog.Handler, enriching every record with whatever
// request/session/RPC data is present on the record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
		))
	}
	if rm, ok := ctx.Value(rpcMessageKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", rm.Method),
			slog.String("id", rm.ID),
			slog.String("type", rm.Type),
		))
	}
	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool", slog.String("name", td.ToolName)))
	}
	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies the inbound HTTP request a log line belongs to.
type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, d *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, d)
}

type sessionDataKey struct{}

// SessionData identifies the MCP session a log line belongs to.
type SessionData struct {
	SessionID string
}

func WithSessionData(ctx context.Context, d *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, d)
}

type rpcMessageKey struct{}

// RPCMessage identifies the JSON-RPC message a log line belongs to.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, m *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMessageKey{}, m)
}

type toolCallDataKey struct{}

// ToolCallData identifies the tool a log line belongs to during a tools/call dispatch.
type ToolCallData struct {
	ToolName string
}

func WithToolCallData(ctx context.Context, d *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, d)
}
