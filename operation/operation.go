// Package operation implements the operation manager (component D): it
// tracks in-flight tool calls so a client can later cancel one by operation
// id, and so a handler can report progress and check for cancellation
// cooperatively. Lookups by progress token are a linear scan over all live
// operations, which is acceptable because the number of concurrently
// in-flight operations is expected to be small (spec.md §4.3).
package operation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is the data model record described in spec.md §3.
type Operation struct {
	ID                string
	SessionID         string
	Type              string
	CreatedAt         time.Time
	OriginalRequestID string
	ProgressToken     any // nil if the call did not request progress
}

// record is the mutable bookkeeping kept per operation. Cancelled is read
// fresh on every IsCancelled call rather than snapshotted into a value
// handed to the handler: a handler that captured a copy of Cancelled at
// registration time would never observe a later Cancel call, which defeats
// cooperative cancellation. This is the live-view design spec.md §9 flags as
// the improvement over a frozen token.
type record struct {
	op        Operation
	cancelled bool
}

// ProgressFunc is invoked by NotifyProgress to deliver a
// notifications/progress message to the operation's session. The engine
// supplies this when constructing a Manager.
type ProgressFunc func(sessionID string, progressToken any, progress, total float64, message string)

// Manager is the operation manager (component D).
type Manager struct {
	mu         sync.Mutex
	byID       map[string]*record
	notifyFunc ProgressFunc
}

// New constructs an operation manager. notify is called by NotifyProgress;
// it may be nil in tests that don't exercise progress delivery.
func New(notify ProgressFunc) *Manager {
	return &Manager{
		byID:       make(map[string]*record),
		notifyFunc: notify,
	}
}

// Register records a new in-flight operation and returns its id.
// progressToken is nil if the request did not ask for progress updates.
func (m *Manager) Register(sessionID, opType string, progressToken any, originalRequestID string) string {
	id := uuid.NewString()
	op := Operation{
		ID:                id,
		SessionID:         sessionID,
		Type:              opType,
		CreatedAt:         time.Now().UTC(),
		OriginalRequestID: originalRequestID,
		ProgressToken:     progressToken,
	}

	m.mu.Lock()
	m.byID[id] = &record{op: op}
	m.mu.Unlock()

	return id
}

// LookupByToken finds the operation registered with the given progress
// token. Only operations with a non-nil progress token are matched.
func (m *Manager) LookupByToken(progressToken any) (Operation, bool) {
	if progressToken == nil {
		return Operation{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		if r.op.ProgressToken == progressToken {
			return r.op, true
		}
	}
	return Operation{}, false
}

// Cancel marks an operation cancelled. Idempotent: cancelling an unknown or
// already-cancelled id is a no-op rather than an error, matching
// operations/cancel's best-effort semantics (spec.md §6).
func (m *Manager) Cancel(operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byID[operationID]; ok {
		r.cancelled = true
	}
}

// IsCancelled reports whether the operation has been cancelled. An unknown
// operation id is reported as cancelled: an operation that has already been
// unregistered (finished, or its session ended) should never let a stray
// handler believe it should keep working, so the fail-safe default is true
// rather than false.
func (m *Manager) IsCancelled(operationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[operationID]
	if !ok {
		return true
	}
	return r.cancelled
}

// Unregister removes an operation's bookkeeping once its handler has
// returned. Idempotent.
func (m *Manager) Unregister(operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, operationID)
}

// NotifyProgress delivers a progress update for an operation, provided it
// was registered with a non-nil progress token and is still live. It is a
// no-op otherwise, so handlers can call it unconditionally without checking
// whether the caller asked for progress.
func (m *Manager) NotifyProgress(operationID string, progress, total float64, message string) {
	m.mu.Lock()
	r, ok := m.byID[operationID]
	m.mu.Unlock()
	if !ok || r.op.ProgressToken == nil || m.notifyFunc == nil {
		return
	}
	m.notifyFunc(r.op.SessionID, r.op.ProgressToken, progress, total, message)
}

// CleanupSession unregisters every operation belonging to a session. Called
// when a session ends, so that stray LookupByToken calls for that session's
// operations report not-found rather than leaking forever.
func (m *Manager) CleanupSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.byID {
		if r.op.SessionID == sessionID {
			delete(m.byID, id)
		}
	}
}
