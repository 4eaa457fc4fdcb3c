// Package session implements the session manager (component C): it issues
// session ids, tracks which transport connection maps to which session, and
// publishes connect/disconnect events that the engine's operation cleanup
// subscribes to. All state is in-memory and does not survive a restart,
// per spec.md §1's Non-goals.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the data model record described in spec.md §3. It is immutable
// after creation in the canonical design; ClientInfo is the one field an
// alternate lineage updates post-create (spec.md §3), which this
// implementation does not do.
type Session struct {
	ID              string
	ConnectedAt     time.Time
	ClientInfo      map[string]any
	ProtocolVersion string
}

// Event is published on create (Connect) and on end (Disconnect).
type Event struct {
	Kind    EventKind
	Session Session
}

// EventKind distinguishes a connect event from a disconnect event.
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
)

// Subscriber receives session events. It must not block for long; the
// manager delivers events synchronously to all subscribers in registration
// order (spec.md §4.2: "publishes ... synchronously to subscribers").
type Subscriber func(Event)

// Manager is the session manager (component C). The zero value is not
// usable; construct with New.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byTransport map[string]string // transport id -> session id

	subMu sync.Mutex
	subs  []Subscriber
}

// New constructs an empty session manager.
func New() *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		byTransport: make(map[string]string),
	}
}

// Subscribe registers a subscriber for connect/disconnect events. There is
// no unsubscribe: subscribers are expected to live for the manager's
// lifetime (the engine's operation-cleanup hook, and optional observability
// hooks per spec.md §9).
func (m *Manager) Subscribe(s Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, s)
}

func (m *Manager) publish(evt Event) {
	m.subMu.Lock()
	subs := make([]Subscriber, len(m.subs))
	copy(subs, m.subs)
	m.subMu.Unlock()
	for _, s := range subs {
		s(evt)
	}
}

// Create allocates a fresh session, records it, and publishes a connect
// event synchronously before returning (spec.md §4.2).
func (m *Manager) Create(clientInfo map[string]any, protocolVersion string) *Session {
	sess := &Session{
		ID:              uuid.NewString(),
		ConnectedAt:     time.Now().UTC(),
		ClientInfo:      clientInfo,
		ProtocolVersion: protocolVersion,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.publish(Event{Kind: EventConnect, Session: *sess})

	return sess
}

// MapTransport associates a transport connection id with an existing
// session id. This is a many-to-one binding: several transport ids (for
// example, the POST and GET connections of one HTTP client) may map to the
// same session.
func (m *Manager) MapTransport(transportID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTransport[transportID] = sessionID
}

// End removes the session and all transport mappings pointing to it, and
// publishes a disconnect event. Idempotent: ending an unknown id is a no-op
// (spec.md §4.2).
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	for tid, sid := range m.byTransport {
		if sid == sessionID {
			delete(m.byTransport, tid)
		}
	}
	m.mu.Unlock()

	m.publish(Event{Kind: EventDisconnect, Session: *sess})
}

// Get returns the session with the given id, or ok=false if it does not
// exist (or has ended).
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// GetByTransport returns the session mapped to a transport connection id, or
// ok=false if no session is mapped.
func (m *Manager) GetByTransport(transportID string) (*Session, bool) {
	m.mu.RLock()
	sessionID, ok := m.byTransport[transportID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.Get(sessionID)
}
