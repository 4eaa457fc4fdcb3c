package registry

import (
	"context"

	"github.com/relaycore/mcpserver/mcp"
)

// ToolHandler implements a registered tool's behavior. ctx carries the
// per-call operation.Handle (cancellation polling and progress reporting),
// which a handler retrieves with operation.FromContext.
type ToolHandler func(ctx context.Context, arguments []byte) (*mcp.CallToolResult, error)

// Tools is the name-keyed registry of tool descriptors and handlers.
type Tools struct {
	reg *Registry[mcp.Tool, ToolHandler]
}

// NewTools constructs an empty tool registry.
func NewTools() *Tools { return &Tools{reg: New[mcp.Tool, ToolHandler]()} }

// Register adds or overwrites the tool named by descriptor.Name.
func (t *Tools) Register(descriptor mcp.Tool, handler ToolHandler) {
	t.reg.Register(descriptor.Name, descriptor, handler)
}

// Lookup returns the handler for name, or ok=false if unregistered.
func (t *Tools) Lookup(name string) (ToolHandler, bool) { return t.reg.Lookup(name) }

// List returns all registered tool descriptors.
func (t *Tools) List() []mcp.Tool { return t.reg.List() }
