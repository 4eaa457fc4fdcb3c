// Package httptransport implements the streamable HTTP transport
// (component F): a single configurable endpoint, default "/mcp", handling
// POST (send a message, get a response), GET (open a long-lived
// notification stream), and DELETE (end a session), framed per spec.md
// §4.6. It satisfies transport.Transport so the engine can bind to it like
// any other transport.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/relaycore/mcpserver/auth"
	"github.com/relaycore/mcpserver/internal/logctx"
	"github.com/relaycore/mcpserver/transport"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	sessionIDHeader    = "Mcp-Session-Id"
	protocolVerHeader  = "Mcp-Protocol-Version"
	authorizationHdr   = "Authorization"
	wwwAuthenticateHdr = "WWW-Authenticate"
)

// Option configures a Server at construction time.
type Option func(*Server)

// WithPath overrides the default "/mcp" endpoint path.
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithLogger overrides the default (slog.Default) logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = slog.New(logctx.Handler{Handler: logger.Handler()}) }
}

// WithAuthenticator enables bearer-token authentication. Without one, the
// server accepts all requests unauthenticated; this is appropriate only for
// local development or when authentication is handled by a reverse proxy in
// front of the server.
func WithAuthenticator(a auth.Authenticator, realm string) Option {
	return func(s *Server) {
		s.authenticator = a
		s.realm = realm
	}
}

// WithResourceMetadataURL sets the URL advertised in the WWW-Authenticate
// challenge's resource_metadata parameter on a 401 (spec.md §4.6). Without
// this, a failed bearer check omits resource_metadata entirely.
func WithResourceMetadataURL(url string) Option {
	return func(s *Server) { s.resourceMetadataURL = url }
}

// Handle registers an additional handler at pattern, served alongside the
// MCP endpoint but bypassing its JSON-RPC routing entirely (spec.md §4.6's
// "extra URL-prefixed handlers ... for out-of-band endpoints, e.g. OAuth
// discovery"). Typical use is serving a static
// /.well-known/oauth-protected-resource document. Must be called before the
// Server starts serving traffic; it is not safe for concurrent use with
// ServeHTTP.
func (s *Server) Handle(pattern string, handler http.Handler) {
	if s.extra == nil {
		s.extra = http.NewServeMux()
	}
	s.extra.Handle(pattern, handler)
}

// HandleJSON is a convenience over Handle that serves v as an
// application/json document, for well-known metadata endpoints such as
// auth.ProtectedResourceMetadata.
func (s *Server) HandleJSON(pattern string, v any) {
	s.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		w.Header().Set("Content-Type", jsonMediaType.String())
		_ = json.NewEncoder(w).Encode(v)
	}))
}

// WithSessionEndFunc wires the transport's DELETE handler to the engine's
// session teardown. Without it, DELETE only drops this transport's own
// streams for the session; the engine never learns the session ended.
func WithSessionEndFunc(f func(sessionID string)) Option {
	return func(s *Server) { s.endSession = f }
}

// WithSessionExistsFunc wires the GET notification-stream handler to the
// engine's session store so it can reject an unknown or already-ended
// session before upgrading to SSE (spec.md §4.6; grounded on the teacher's
// streaminghttp handler calling h.eng.LoadSession before opening a stream).
// Without it, GET accepts any non-empty session id.
func WithSessionExistsFunc(f func(sessionID string) bool) Option {
	return func(s *Server) { s.sessionExists = f }
}

// sink is an open outbound channel to a client: either the notification
// stream opened by GET, or the response stream of an in-flight POST request
// that asked for event-stream framing.
type sink struct {
	session *sse.Session
	mu      sync.Mutex // serializes writes; *sse.Session is not safe for concurrent Send
}

func (s *sink) write(eventID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &sse.Message{}
	if eventID != "" {
		msg.ID = sse.ID(eventID)
	}
	msg.AppendData(string(payload))
	if err := s.session.Send(msg); err != nil {
		return err
	}
	return s.session.Flush()
}

// Server is the streamable HTTP transport.
type Server struct {
	path                string
	logger              *slog.Logger
	authenticator       auth.Authenticator
	realm               string
	resourceMetadataURL string
	endSession          func(sessionID string)
	sessionExists       func(sessionID string) bool
	extra               *http.ServeMux

	messages chan transport.Message

	mu        sync.Mutex
	getSinks  map[string]*sink  // sessionID -> notification stream
	postSinks map[string]*sink  // sessionID -> active streaming POST response
	assoc     map[string]string // transportID -> sessionID, set by AssociateSession
	closed    bool
}

var _ transport.Transport = (*Server)(nil)
var _ http.Handler = (*Server)(nil)

// New constructs a streamable HTTP transport. Call ServeHTTP (directly, or
// mounted under a mux) to serve it, and pass the Server to Engine.Bind.
func New(opts ...Option) *Server {
	s := &Server{
		path:      "/mcp",
		logger:    slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
		messages:  make(chan transport.Message, 64),
		getSinks:  make(map[string]*sink),
		postSinks: make(map[string]*sink),
		assoc:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Messages implements transport.Transport.
func (s *Server) Messages() <-chan transport.Message { return s.messages }

// AssociateSession implements transport.Transport. The engine calls this
// when it mints a new session for an initialize request; the POST handler
// that generated transportID reads it back via takeAssociatedSession to
// learn the session id it must echo on the Mcp-Session-Id response header.
func (s *Server) AssociateSession(transportID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assoc[transportID] = sessionID
}

// takeAssociatedSession returns and clears the session id associated with a
// transport id, or "" if initialize was not the method dispatched.
func (s *Server) takeAssociatedSession(transportID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID := s.assoc[transportID]
	delete(s.assoc, transportID)
	return sessionID
}

// Send implements transport.Transport. It prefers the long-lived GET
// notification stream when one is open, falling back to an in-flight
// streaming POST response for the same session, per spec.md §4.6's outbound
// routing rule. If neither is open, the message is not delivered and Send
// returns an error.
func (s *Server) Send(ctx context.Context, sessionID string, payload []byte) error {
	s.mu.Lock()
	snk := s.getSinks[sessionID]
	if snk == nil {
		snk = s.postSinks[sessionID]
	}
	s.mu.Unlock()

	if snk == nil {
		return fmt.Errorf("httptransport: no open stream for session %s", sessionID)
	}
	return snk.write("", payload)
}

// Close implements transport.Transport. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.messages)
	return nil
}

// ServeHTTP routes the four methods the streamable transport supports on
// its single endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		if s.extra != nil {
			if _, pattern := s.extra.Handler(r); pattern != "" {
				s.extra.ServeHTTP(w, r)
				return
			}
		}
		http.NotFound(w, r)
		return
	}

	r = r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}))

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	case http.MethodOptions:
		s.handleOptions(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, Mcp-Protocol-Version")
}

// checkAuthentication enforces the bearer-token challenge when an
// authenticator is configured. It writes the 401/403 response itself and
// returns ok=false when authentication fails, so callers can simply return.
func (s *Server) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	if s.authenticator == nil {
		return true
	}

	header := r.Header.Get(authorizationHdr)
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header { // prefix was not present
		token = ""
	}

	_, err := s.authenticator.CheckAuthentication(ctx, token)
	switch {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrInsufficientScope):
		w.Header().Set(wwwAuthenticateHdr, s.bearerChallenge("insufficient_scope"))
		w.WriteHeader(http.StatusForbidden)
		return false
	default:
		w.Header().Set(wwwAuthenticateHdr, s.bearerChallenge("invalid_token"))
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
}

// bearerChallenge builds the WWW-Authenticate header value for a failed
// bearer check. resource_metadata is included only when a resource-metadata
// URL was configured (spec.md §4.6).
func (s *Server) bearerChallenge(errCode string) string {
	var b strings.Builder
	b.WriteString("Bearer")
	var params []string
	if s.realm != "" {
		params = append(params, fmt.Sprintf(`realm="%s"`, s.realm))
	}
	if s.resourceMetadataURL != "" {
		params = append(params, fmt.Sprintf(`resource_metadata="%s"`, s.resourceMetadataURL))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if len(params) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(params, ", "))
	}
	return b.String()
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// hasID peeks at a raw JSON-RPC message to tell a request from a
// notification without fully decoding it into jsonrpc.AnyMessage.
func hasID(raw json.RawMessage) bool {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.ID) > 0 && string(probe.ID) != "null"
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	if !s.checkAuthentication(ctx, r, w) {
		return
	}
	setCORSHeaders(w)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	isRequest := hasID(raw)
	transportID := uuid.NewString()

	// Notifications get a 202 immediately once handed off; the engine does
	// not reply to them.
	if !isRequest {
		s.deliver(transportID, sessionID, raw)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	wantsStream := false
	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err == nil {
			wantsStream = true
		}
	}

	if !wantsStream {
		resp, err := s.dispatch(ctx, transportID, sessionID, raw)
		if err != nil {
			writeJSONError(w, http.StatusGatewayTimeout, "request timed out")
			return
		}
		if newSessionID := s.takeAssociatedSession(transportID); newSessionID != "" {
			w.Header().Set(sessionIDHeader, newSessionID)
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp)
		s.logger.InfoContext(ctx, "http.post.ok", slog.Duration("elapsed", time.Since(start)))
		return
	}

	// Streaming response: the client accepts text/event-stream, so the final
	// JSON-RPC response is written as an event on this connection. While the
	// handler runs, this connection is also where the session's
	// notifications go when no GET notification stream is open (see Send).
	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to upgrade to event-stream")
		return
	}
	snk := &sink{session: sseSess}

	if sessionID != "" {
		s.mu.Lock()
		s.postSinks[sessionID] = snk
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			if s.postSinks[sessionID] == snk {
				delete(s.postSinks, sessionID)
			}
			s.mu.Unlock()
		}()
	}

	resp, err := s.dispatch(ctx, transportID, sessionID, raw)
	if err != nil {
		return
	}
	s.takeAssociatedSession(transportID) // streamed responses never carry this header; drop it
	if err := snk.write("", resp); err != nil {
		s.logger.WarnContext(ctx, "http.post.stream.write_error", slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "http.post.ok", slog.Duration("elapsed", time.Since(start)), slog.Bool("streamed", true))
}

// dispatch hands a message to the engine and blocks for its reply. It
// returns an error only if ctx is cancelled before a reply arrives;
// notifications should be sent through deliver instead, never dispatch.
func (s *Server) dispatch(ctx context.Context, transportID, sessionID string, data []byte) ([]byte, error) {
	replyCh := make(chan []byte, 1)
	msg := transport.Message{
		Data:        data,
		TransportID: transportID,
		SessionID:   sessionID,
		Reply: func(payload []byte) error {
			select {
			case replyCh <- payload:
			default:
			}
			return nil
		},
	}

	select {
	case s.messages <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case payload := <-replyCh:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) deliver(transportID, sessionID string, data []byte) {
	msg := transport.Message{Data: data, TransportID: transportID, SessionID: sessionID}
	select {
	case s.messages <- msg:
	default:
		s.logger.Warn("http.post.notification.dropped", slog.String("reason", "message queue full"))
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	if !s.checkAuthentication(ctx, r, w) {
		return
	}
	setCORSHeaders(w)

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.sessionExists != nil && !s.sessionExists(sessionID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set(sessionIDHeader, sessionID)
	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	snk := &sink{session: sseSess}

	s.mu.Lock()
	s.getSinks[sessionID] = snk
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.getSinks[sessionID] == snk {
			delete(s.getSinks, sessionID)
		}
		s.mu.Unlock()
		if s.endSession != nil {
			s.endSession(sessionID)
		}
	}()

	s.logger.InfoContext(ctx, "http.get.stream_open", slog.String("session", sessionID))
	<-r.Context().Done()
	s.logger.InfoContext(ctx, "http.get.stream_closed", slog.String("session", sessionID))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.checkAuthentication(ctx, r, w) {
		return
	}
	setCORSHeaders(w)

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.endSession != nil {
		s.endSession(sessionID)
	}

	s.mu.Lock()
	delete(s.getSinks, sessionID)
	delete(s.postSinks, sessionID)
	s.mu.Unlock()

	// DELETE is idempotent: whether or not the session still existed, the
	// end state is the same, so the response does not distinguish them.
	w.WriteHeader(http.StatusNoContent)
}
