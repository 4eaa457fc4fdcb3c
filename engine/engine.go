// Package engine implements the dispatch engine (component G): it binds to
// a single transport, parses inbound JSON-RPC frames, resolves sessions,
// routes requests to the registries and session/operation managers, and
// writes responses back. This mirrors the teacher's handle_request pipeline
// (parse, validate, resolve, route, execute) but trimmed to the single-node,
// in-memory model spec.md describes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycore/mcpserver/internal/jsonrpc"
	"github.com/relaycore/mcpserver/internal/logctx"
	"github.com/relaycore/mcpserver/mcp"
	"github.com/relaycore/mcpserver/operation"
	"github.com/relaycore/mcpserver/registry"
	"github.com/relaycore/mcpserver/session"
	"github.com/relaycore/mcpserver/transport"
)

// Engine is the dispatch engine. Construct with New, bind a transport with
// Bind, then call Run to consume its message stream until the context is
// cancelled or the transport closes.
type Engine struct {
	logger *slog.Logger

	tools     *registry.Tools
	resources *registry.Resources
	prompts   *registry.Prompts

	sessions   *session.Manager
	operations *operation.Manager

	serverInfo   mcp.ImplementationInfo
	capabilities mcp.ServerCapabilities

	bound   transport.Transport
	isBound bool // true once Bind has been called; binding twice is a programmer error
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default logger. The handler is wrapped in
// logctx.Handler so that request/session/RPC attributes riding on a
// context.Context are attached to every record automatically.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = slog.New(logctx.Handler{Handler: logger.Handler()}) }
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.serverInfo = info }
}

// New constructs an Engine around the given registries and session manager.
// The operation manager is built internally, since it needs a progress
// callback that closes over the engine's own send method.
func New(tools *registry.Tools, resources *registry.Resources, prompts *registry.Prompts, sessions *session.Manager, opts ...Option) *Engine {
	e := &Engine{
		logger:    slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
		tools:     tools,
		resources: resources,
		prompts:   prompts,
		sessions:  sessions,
		serverInfo: mcp.ImplementationInfo{
			Name:    "mcpserver",
			Version: "0.1.0",
		},
		capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{
				SupportsProgress:     true,
				SupportsCancellation: true,
			},
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.operations = operation.New(func(sessionID string, progressToken any, progress, total float64, message string) {
		e.sendProgress(sessionID, progressToken, progress, total, message)
	})

	sessions.Subscribe(func(evt session.Event) {
		if evt.Kind == session.EventDisconnect {
			e.operations.CleanupSession(evt.Session.ID)
		}
	})

	return e
}

// EndSession terminates a session directly, without going through the
// JSON-RPC message stream. The HTTP transport calls this to implement
// DELETE /mcp; ending a session publishes a disconnect event, which in turn
// triggers operation cleanup for anything still in flight on it.
func (e *Engine) EndSession(sessionID string) {
	e.sessions.End(sessionID)
}

// Bind attaches the engine to a transport. Calling Bind twice on the same
// Engine is a programmer error, per spec.md §4.4's single-bound-transport
// rule, and panics rather than silently rebinding.
func (e *Engine) Bind(t transport.Transport) {
	if e.isBound {
		panic("engine: Bind called twice on the same Engine")
	}
	e.isBound = true
	e.bound = t
}

// Run consumes the bound transport's message stream until ctx is cancelled
// or the transport's channel closes. Each message is dispatched in its own
// goroutine: handlers run concurrently with further dispatch, and with each
// other, per spec.md §5's concurrency model (no per-session serialization).
func (e *Engine) Run(ctx context.Context) {
	if e.bound == nil {
		panic("engine: Run called before Bind")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.bound.Messages():
			if !ok {
				return
			}
			go e.handle(ctx, msg)
		}
	}
}

func (e *Engine) handle(ctx context.Context, msg transport.Message) {
	start := time.Now()
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{RemoteAddr: msg.TransportID})

	var parsed jsonrpc.AnyMessage
	if err := json.Unmarshal(msg.Data, &parsed); err != nil {
		e.logger.WarnContext(ctx, "engine.dispatch.parse_error", slog.String("error", err.Error()), slog.Duration("elapsed", time.Since(start)))
		e.reply(msg, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
		return
	}

	switch parsed.Type() {
	case "request":
		req := parsed.AsRequest()
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
		e.handleRequest(ctx, msg, req, start)
	case "notification":
		req := parsed.AsRequest()
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, Type: "notification"})
		e.handleNotification(ctx, req, start)
	default:
		e.logger.WarnContext(ctx, "engine.dispatch.invalid_request", slog.Duration("elapsed", time.Since(start)))
		e.reply(msg, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "invalid request", nil))
	}
}

func (e *Engine) handleRequest(ctx context.Context, msg transport.Message, req *jsonrpc.Request, start time.Time) {
	// initialize is the only method that may be called without a resolved
	// session; every other method requires one (spec.md §4.4 step 3).
	if req.Method == string(mcp.InitializeMethod) {
		e.handleInitialize(ctx, msg, req)
		return
	}

	sess, ok := e.sessions.GetByTransport(msg.TransportID)
	if !ok && msg.SessionID != "" {
		sess, ok = e.sessions.Get(msg.SessionID)
	}
	if !ok {
		e.logger.WarnContext(ctx, "engine.dispatch.no_session", slog.Duration("elapsed", time.Since(start)))
		e.reply(msg, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session required", nil))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID})

	resp, err := e.route(ctx, sess.ID, req)
	if err != nil {
		e.logger.InfoContext(ctx, "engine.dispatch.fail", slog.String("method", req.Method), slog.String("error", err.Error()), slog.Duration("elapsed", time.Since(start)))
	} else {
		e.logger.InfoContext(ctx, "engine.dispatch.ok", slog.String("method", req.Method), slog.Duration("elapsed", time.Since(start)))
	}
	e.reply(msg, resp)
}

func (e *Engine) handleNotification(ctx context.Context, req *jsonrpc.Request, start time.Time) {
	switch req.Method {
	case string(mcp.InitializedNotificationMethod):
		e.logger.InfoContext(ctx, "engine.dispatch.ok", slog.String("method", req.Method), slog.Duration("elapsed", time.Since(start)))
	case string(mcp.OperationsCancelMethod):
		_, _ = e.routeOperationsCancel(req)
		e.logger.InfoContext(ctx, "engine.dispatch.ok", slog.String("method", req.Method), slog.Duration("elapsed", time.Since(start)))
	default:
		e.logger.InfoContext(ctx, "engine.dispatch.ignored", slog.String("method", req.Method), slog.Duration("elapsed", time.Since(start)))
	}
}

func (e *Engine) handleInitialize(ctx context.Context, msg transport.Message, req *jsonrpc.Request) {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			e.reply(msg, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil))
			return
		}
	}

	sess := e.sessions.Create(map[string]any{
		"name":    params.ClientInfo.Name,
		"version": params.ClientInfo.Version,
	}, params.ProtocolVersion)
	e.sessions.MapTransport(msg.TransportID, sess.ID)
	e.bound.AssociateSession(msg.TransportID, sess.ID)

	result := mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ServerInfo:      e.serverInfo,
		Capabilities:    e.capabilities,
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID})
	e.logger.InfoContext(ctx, "engine.dispatch.ok", slog.String("method", req.Method))
	e.reply(msg, mustResult(req.ID, result))
}

// route performs method lookup and handler execution (spec.md §4.4 steps
// 4-5). It returns the JSON-RPC response to send back; a handler's returned
// error, or a result that fails to encode, becomes an error response.
func (e *Engine) route(ctx context.Context, sessionID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch req.Method {
	case string(mcp.PingMethod):
		return mustResult(req.ID, mcp.EmptyResult{}), nil

	case string(mcp.ToolsListMethod):
		return mustResult(req.ID, mcp.ListToolsResult{Tools: e.tools.List()}), nil

	case string(mcp.ToolsCallMethod):
		return e.routeToolsCall(ctx, sessionID, req)

	case string(mcp.ResourcesListMethod):
		return mustResult(req.ID, mcp.ListResourcesResult{Resources: e.resources.List()}), nil

	case string(mcp.ResourcesReadMethod):
		return e.routeResourcesRead(ctx, req)

	case string(mcp.PromptsListMethod):
		return mustResult(req.ID, mcp.ListPromptsResult{Prompts: e.prompts.List()}), nil

	case string(mcp.PromptsGetMethod):
		return e.routePromptsGet(ctx, req)

	case string(mcp.OperationsCancelMethod):
		return e.routeOperationsCancel(req)

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil), fmt.Errorf("method not found: %s", req.Method)
	}
}

func (e *Engine) routeToolsCall(ctx context.Context, sessionID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing tool name", nil), fmt.Errorf("invalid params")
	}

	handler, ok := e.tools.Lookup(params.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeToolNotFound, fmt.Sprintf("tool not found: %s", params.Name), nil), fmt.Errorf("tool not found")
	}

	var progressToken any
	if params.Meta != nil && params.Meta.ProgressToken != nil {
		progressToken = params.Meta.ProgressToken
	}
	opID := e.operations.Register(sessionID, "tools/call", progressToken, req.ID.String())
	defer e.operations.Unregister(opID)

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})
	opCtx := operation.WithHandle(ctx, e.operations, opID)
	result, err := handler(opCtx, params.Arguments)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), err
	}
	return mustResult(req.ID, result), nil
}

func (e *Engine) routeResourcesRead(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing uri", nil), fmt.Errorf("invalid params")
	}

	handler, ok := e.resources.Lookup(params.URI)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeResourceNotFound, fmt.Sprintf("resource not found: %s", params.URI), nil), fmt.Errorf("resource not found")
	}

	result, err := handler(ctx, params.URI, params.Params)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), err
	}
	return mustResult(req.ID, result), nil
}

func (e *Engine) routePromptsGet(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.GetPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing prompt name", nil), fmt.Errorf("invalid params")
	}

	handler, ok := e.prompts.Lookup(params.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodePromptNotFound, fmt.Sprintf("prompt not found: %s", params.Name), nil), fmt.Errorf("prompt not found")
	}

	result, err := handler(ctx, params.Arguments)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), err
	}
	return mustResult(req.ID, result), nil
}

// routeOperationsCancel is treated as best-effort per spec.md §9: an
// unknown operation id is not an error, since the operation may have
// already finished naturally in the race between cancel and completion.
func (e *Engine) routeOperationsCancel(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CancelOperationParams
	if err := json.Unmarshal(req.Params, &params); err == nil && params.OperationID != "" {
		e.operations.Cancel(params.OperationID)
	}
	if req.ID == nil || req.ID.IsNil() {
		return nil, nil
	}
	return mustResult(req.ID, mcp.EmptyResult{}), nil
}

// sendProgress delivers a notifications/progress message for an operation
// that has a live progress token. It is invoked by the operation manager.
func (e *Engine) sendProgress(sessionID string, progressToken any, progress, total float64, message string) {
	notif, err := jsonrpc.NewNotification(string(mcp.ProgressNotification), mcp.ProgressNotificationParams{
		ProgressToken: progressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
	if err != nil {
		e.logger.Error("engine.notify.encode_error", slog.String("error", err.Error()))
		return
	}
	payload, err := json.Marshal(notif)
	if err != nil {
		e.logger.Error("engine.notify.encode_error", slog.String("error", err.Error()))
		return
	}
	if err := e.bound.Send(context.Background(), sessionID, payload); err != nil {
		e.logger.Warn("engine.notify.send_error", slog.String("error", err.Error()))
	}
}

func (e *Engine) reply(msg transport.Message, resp *jsonrpc.Response) {
	if resp == nil || msg.Reply == nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		e.logger.Error("engine.reply.encode_error", slog.String("error", err.Error()))
		return
	}
	if err := msg.Reply(payload); err != nil {
		e.logger.Warn("engine.reply.send_error", slog.String("error", err.Error()))
	}
}

func mustResult(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}
