// Package transport defines the abstract boundary between the engine and
// whatever carries JSON-RPC bytes (spec.md §4.5). The engine binds to
// exactly one Transport; concrete transports such as httptransport satisfy
// this interface. A stdio transport is not implemented here: it is
// out of scope per spec.md §1, specified only by this interface.
package transport

import "context"

// Message is one inbound JSON-RPC payload delivered by a transport,
// together with enough identity for the engine to route a reply back
// (spec.md §3's TransportMessage).
type Message struct {
	Data []byte

	// TransportID identifies the connection the message arrived on (for
	// example, one HTTP POST request). SessionID is the session id the
	// client supplied with the message (for streamable HTTP, the
	// Mcp-Session-Id header), or empty if it supplied none.
	TransportID string
	SessionID   string

	// Reply, if non-nil, sends a JSON-RPC response/notification payload
	// back over whatever channel the inbound message arrived on or implies
	// (for streamable HTTP: the POST response body, or an associated SSE
	// stream). Reply may be called zero or one time for a request message,
	// and is never called for notifications.
	Reply func(payload []byte) error
}

// Transport is the abstraction the engine dispatches through. A concrete
// transport owns accepting connections, framing bytes, associating
// transport connections with sessions, and routing outbound messages.
type Transport interface {
	// Messages returns the channel of inbound messages. The engine reads
	// from it until it is closed. A transport closes this channel only
	// once, when the transport itself is shutting down.
	Messages() <-chan Message

	// Send delivers an outbound JSON-RPC payload (typically a server
	// notification, such as notifications/progress) to a session. If the
	// session has more than one open connection, the transport decides
	// which one to route through (spec.md §4.6's outbound routing rule).
	Send(ctx context.Context, sessionID string, payload []byte) error

	// AssociateSession records that a transport connection id now belongs
	// to a session id, so that a later Send targeting that session can find
	// the right connection.
	AssociateSession(transportID, sessionID string)

	// Close shuts the transport down. Idempotent.
	Close() error
}
