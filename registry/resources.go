package registry

import (
	"context"
	"encoding/json"

	"github.com/relaycore/mcpserver/mcp"
)

// ResourceHandler reads the content at a registered URI. params is the raw
// JSON params object from the request, or nil if omitted.
type ResourceHandler func(ctx context.Context, uri string, params json.RawMessage) (*mcp.ReadResourceResult, error)

// Resources is the URI-keyed registry of resource descriptors and handlers.
// Lookup is by exact URI; this design does not implement URI templates
// (spec.md §4.1).
type Resources struct {
	reg *Registry[mcp.Resource, ResourceHandler]
}

// NewResources constructs an empty resource registry.
func NewResources() *Resources { return &Resources{reg: New[mcp.Resource, ResourceHandler]()} }

// Register adds or overwrites the resource at descriptor.URI.
func (r *Resources) Register(descriptor mcp.Resource, handler ResourceHandler) {
	r.reg.Register(descriptor.URI, descriptor, handler)
}

// Lookup returns the handler for uri, or ok=false if unregistered.
func (r *Resources) Lookup(uri string) (ResourceHandler, bool) { return r.reg.Lookup(uri) }

// List returns all registered resource descriptors.
func (r *Resources) List() []mcp.Resource { return r.reg.List() }
