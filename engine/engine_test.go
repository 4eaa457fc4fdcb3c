package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/mcpserver/internal/jsonrpc"
	"github.com/relaycore/mcpserver/mcp"
	"github.com/relaycore/mcpserver/operation"
	"github.com/relaycore/mcpserver/registry"
	"github.com/relaycore/mcpserver/session"
	"github.com/relaycore/mcpserver/transport"
)

type sentMsg struct {
	sessionID string
	payload   []byte
}

type fakeTransport struct {
	mu         sync.Mutex
	associated map[string]string
	sent       []sentMsg
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{associated: make(map[string]string)}
}

func (f *fakeTransport) Messages() <-chan transport.Message { return nil }

func (f *fakeTransport) Send(ctx context.Context, sessionID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{sessionID: sessionID, payload: payload})
	return nil
}

func (f *fakeTransport) AssociateSession(transportID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.associated[transportID] = sessionID
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sentFor(sessionID string) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.sessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

func newTestEngine() (*Engine, *fakeTransport) {
	eng := New(registry.NewTools(), registry.NewResources(), registry.NewPrompts(), session.New())
	ft := newFakeTransport()
	eng.Bind(ft)
	return eng, ft
}

// dispatch drives one message through handle and returns the reply payload,
// or nil if no reply was sent (notification, or dropped). handle replies
// synchronously before returning, so no additional synchronization is
// needed here.
func dispatch(e *Engine, transportID, sessionID string, raw json.RawMessage) []byte {
	var reply []byte
	msg := transport.Message{
		Data:        raw,
		TransportID: transportID,
		SessionID:   sessionID,
		Reply: func(payload []byte) error {
			reply = payload
			return nil
		},
	}
	e.handle(context.Background(), msg)
	return reply
}

func initializeSession(t *testing.T, e *Engine, ft *fakeTransport, transportID string) string {
	t.Helper()
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"x"},"protocolVersion":"2025-03-26"}}`)
	reply := dispatch(e, transportID, "", raw)
	require.NotNil(t, reply)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.Nil(t, resp.Error)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, mcp.LatestProtocolVersion, result.ProtocolVersion)

	sessionID, ok := ft.associated[transportID]
	require.True(t, ok)
	require.NotEmpty(t, sessionID)
	return sessionID
}

func TestInitializeCreatesSessionAndAssociatesTransport(t *testing.T) {
	eng, ft := newTestEngine()
	sessionID := initializeSession(t, eng, ft, "t1")
	assert.NotEmpty(t, sessionID)
}

func TestPingIsIdempotent(t *testing.T) {
	eng, ft := newTestEngine()
	sessionID := initializeSession(t, eng, ft, "t1")

	for i := 2; i < 5; i++ {
		raw := []byte(`{"jsonrpc":"2.0","id":` + itoa(i) + `,"method":"ping"}`)
		reply := dispatch(eng, "t1", sessionID, raw)
		require.NotNil(t, reply)

		var resp jsonrpc.Response
		require.NoError(t, json.Unmarshal(reply, &resp))
		assert.Nil(t, resp.Error)
		assert.Equal(t, itoa(i), resp.ID.String())
	}
}

func TestNonInitializeMethodWithoutSessionIsRejected(t *testing.T) {
	eng, _ := newTestEngine()
	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	reply := dispatch(eng, "unknown-transport", "", raw)
	require.NotNil(t, reply)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidRequest, resp.Error.Code)
}

func TestToolsCallMissingNameIsInvalidParams(t *testing.T) {
	eng, ft := newTestEngine()
	sessionID := initializeSession(t, eng, ft, "t1")

	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{}}`)
	reply := dispatch(eng, "t1", sessionID, raw)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, resp.Error.Code)
}

func TestToolsCallUnknownToolIsToolNotFound(t *testing.T) {
	eng, ft := newTestEngine()
	sessionID := initializeSession(t, eng, ft, "t1")

	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope"}}`)
	reply := dispatch(eng, "t1", sessionID, raw)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeToolNotFound, resp.Error.Code)
}

func TestToolsCallWithProgressTokenDeliversProgress(t *testing.T) {
	tools := registry.NewTools()
	tools.Register(mcp.Tool{Name: "stepper"}, func(ctx context.Context, arguments []byte) (*mcp.CallToolResult, error) {
		h, ok := operation.FromContext(ctx)
		require.True(t, ok)
		h.Progress(0.5, 1.0, "halfway")
		h.Progress(1.0, 1.0, "done")
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("ok")}}, nil
	})

	eng := New(tools, registry.NewResources(), registry.NewPrompts(), session.New())
	ft := newFakeTransport()
	eng.Bind(ft)
	sessionID := initializeSession(t, eng, ft, "t1")

	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"stepper","_meta":{"progressToken":"p1"}}}`)
	reply := dispatch(eng, "t1", sessionID, raw)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.Nil(t, resp.Error)

	sent := ft.sentFor(sessionID)
	require.Len(t, sent, 2)
	for i, expectedProgress := range []float64{0.5, 1.0} {
		var notif jsonrpc.Request
		require.NoError(t, json.Unmarshal(sent[i].payload, &notif))
		assert.Equal(t, string(mcp.ProgressNotification), notif.Method)
		assert.Nil(t, notif.ID)

		var params mcp.ProgressNotificationParams
		require.NoError(t, json.Unmarshal(notif.Params, &params))
		assert.Equal(t, "p1", params.ProgressToken)
		assert.Equal(t, expectedProgress, params.Progress)
	}
}

func TestToolsCallHandlerErrorBecomesInternalErrorResponse(t *testing.T) {
	tools := registry.NewTools()
	tools.Register(mcp.Tool{Name: "boom"}, func(ctx context.Context, arguments []byte) (*mcp.CallToolResult, error) {
		return nil, assertErr
	})

	eng := New(tools, registry.NewResources(), registry.NewPrompts(), session.New())
	ft := newFakeTransport()
	eng.Bind(ft)
	sessionID := initializeSession(t, eng, ft, "t1")

	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"boom"}}`)
	reply := dispatch(eng, "t1", sessionID, raw)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInternalError, resp.Error.Code)
	assert.Equal(t, assertErr.Error(), resp.Error.Message)
}

func TestResourcesReadReturnsContent(t *testing.T) {
	resources := registry.NewResources()
	resources.Register(mcp.Resource{URI: "server://time"}, func(ctx context.Context, uri string, params json.RawMessage) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{Contents: []mcp.ResourceContent{{URI: uri, Text: "now"}}}, nil
	})

	eng := New(registry.NewTools(), resources, registry.NewPrompts(), session.New())
	ft := newFakeTransport()
	eng.Bind(ft)
	sessionID := initializeSession(t, eng, ft, "t1")

	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"server://time"}}`)
	reply := dispatch(eng, "t1", sessionID, raw)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.Nil(t, resp.Error)

	var result mcp.ReadResourceResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "server://time", result.Contents[0].URI)
	assert.NotEmpty(t, result.Contents[0].Text)
}

func TestUnknownMethodIsMethodNotFound(t *testing.T) {
	eng, ft := newTestEngine()
	sessionID := initializeSession(t, eng, ft, "t1")

	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"nope/nope"}`)
	reply := dispatch(eng, "t1", sessionID, raw)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, resp.Error.Code)
}

func TestOperationsCancelWithIDRepliesEmptyResult(t *testing.T) {
	eng, ft := newTestEngine()
	sessionID := initializeSession(t, eng, ft, "t1")

	raw := []byte(`{"jsonrpc":"2.0","id":2,"method":"operations/cancel","params":{"operationId":"unknown"}}`)
	reply := dispatch(eng, "t1", sessionID, raw)
	require.NotNil(t, reply)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	assert.Nil(t, resp.Error)
}

func TestParseErrorOnMalformedJSON(t *testing.T) {
	eng, _ := newTestEngine()
	reply := dispatch(eng, "t1", "", []byte(`not json`))

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeParseError, resp.Error.Code)
}

func itoa(i int) string {
	return string(rune('0' + i))
}

var assertErr = &testError{"handler failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
