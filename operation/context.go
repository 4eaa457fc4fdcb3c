package operation

import "context"

type ctxKey struct{}

// Handle is what a tool handler receives via FromContext to check
// cancellation and report progress for the operation it is running inside.
type Handle struct {
	mgr *Manager
	id  string
}

// WithHandle attaches an operation handle to ctx so a handler invoked
// beneath it can retrieve it with FromContext.
func WithHandle(ctx context.Context, mgr *Manager, operationID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, &Handle{mgr: mgr, id: operationID})
}

// FromContext retrieves the operation handle set by WithHandle, if any.
func FromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(ctxKey{}).(*Handle)
	return h, ok
}

// Cancelled reports whether operations/cancel has been called for this
// operation. It re-reads live state on every call, so a handler polling it
// in a loop observes a cancellation request made after the loop started.
func (h *Handle) Cancelled() bool {
	return h.mgr.IsCancelled(h.id)
}

// Progress reports incremental progress for this operation. It is a no-op
// if the caller did not request progress updates.
func (h *Handle) Progress(progress, total float64, message string) {
	h.mgr.NotifyProgress(h.id, progress, total, message)
}
