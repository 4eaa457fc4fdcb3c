package mcp

import "encoding/json"

// Method is an MCP method or notification identifier.
type Method string

// Method table (spec.md §6). Dispatch is total over this set: every entry
// has an installed handler at engine startup.
const (
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	ResourcesListMethod Method = "resources/list"
	ResourcesReadMethod Method = "resources/read"

	PromptsListMethod Method = "prompts/list"
	PromptsGetMethod  Method = "prompts/get"

	PingMethod              Method = "ping"
	OperationsCancelMethod  Method = "operations/cancel"
	ProgressNotification    Method = "notifications/progress"
)

// BaseMetadata carries an optional free-form metadata bag on results.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// ProgressToken correlates progress notifications with the tool call that
// produced them. It may be a client-supplied string or number, carried
// through opaquely.
type ProgressToken any

// InitializeRequest starts the handshake.
type InitializeRequest struct {
	ClientInfo      ImplementationInfo `json:"clientInfo"`
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

// InitializeResult completes the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	BaseMetadata
}

// ListToolsResult enumerates registered tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	BaseMetadata
}

// CallToolParams is the received shape of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *CallToolMeta   `json:"_meta,omitempty"`
}

// CallToolMeta carries the optional progress token for a tool call.
type CallToolMeta struct {
	ProgressToken ProgressToken `json:"progressToken,omitempty"`
}

// CallToolResult is a tool invocation's result.
type CallToolResult struct {
	Content []Content `json:"content,omitempty"`
	IsError bool      `json:"isError,omitempty"`
	BaseMetadata
}

// ListResourcesResult enumerates registered resources.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
	BaseMetadata
}

// ReadResourceParams is the received shape of a resources/read request.
type ReadResourceParams struct {
	URI    string          `json:"uri"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ReadResourceResult is a resource read's result.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
	BaseMetadata
}

// ListPromptsResult enumerates registered prompts.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
	BaseMetadata
}

// GetPromptParams is the received shape of a prompts/get request.
type GetPromptParams struct {
	Name      string                     `json:"name"`
	Arguments map[string]json.RawMessage `json:"arguments,omitempty"`
}

// GetPromptResult is a prompt retrieval's result.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
	BaseMetadata
}

// CancelOperationParams is the received shape of an operations/cancel request.
type CancelOperationParams struct {
	OperationID string `json:"operationId"`
}

// ProgressNotificationParams conveys progress for a long-running tool call.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total"`
	Message       string        `json:"message,omitempty"`
}

// EmptyResult is returned for operations that carry no data.
type EmptyResult struct {
	BaseMetadata
}
