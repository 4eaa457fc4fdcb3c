package registry

import (
	"context"
	"encoding/json"

	"github.com/relaycore/mcpserver/mcp"
)

// PromptHandler renders a registered prompt given its arguments.
type PromptHandler func(ctx context.Context, arguments map[string]json.RawMessage) (*mcp.GetPromptResult, error)

// Prompts is the name-keyed registry of prompt descriptors and handlers.
type Prompts struct {
	reg *Registry[mcp.Prompt, PromptHandler]
}

// NewPrompts constructs an empty prompt registry.
func NewPrompts() *Prompts { return &Prompts{reg: New[mcp.Prompt, PromptHandler]()} }

// Register adds or overwrites the prompt named by descriptor.Name.
func (p *Prompts) Register(descriptor mcp.Prompt, handler PromptHandler) {
	p.reg.Register(descriptor.Name, descriptor, handler)
}

// Lookup returns the handler for name, or ok=false if unregistered.
func (p *Prompts) Lookup(name string) (PromptHandler, bool) { return p.reg.Lookup(name) }

// List returns all registered prompt descriptors.
func (p *Prompts) List() []mcp.Prompt { return p.reg.List() }
