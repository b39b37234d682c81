package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection and provides methods for
	// bidirectional communication. The implementation must guarantee that each session ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations should not
	// close the Sessions they produced, the caller already does that before calling this method. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession opens a connection to the server and returns it once it is ready to send.
	// Operations are canceled when the context is canceled.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
// A Session carries exactly one logical MCP session.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the other party. Messages sent through one Session
	// arrive in the order Send was called.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// Malformed input is dropped by the transport and never yielded. The implementations
	// should exit the iteration if the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method once.
	Stop()
}

// Server interfaces
//
// Handlers receive a ctx that is cancelled when the client cancels the request or the session
// ends. For tool calls the ctx also carries the invocation's session id, which Server.Elicit
// and Server.RequestCompletions use to reach the calling client.

// PromptServer defines the interface for managing prompts in the MCP protocol.
type PromptServer interface {
	// ListPrompts returns a paginated list of available prompts.
	ListPrompts(context.Context, ListPromptsParams, ProgressReporter) (ListPromptResult, error)

	// GetPrompt retrieves a specific prompt template by name with the given arguments.
	GetPrompt(context.Context, GetPromptParams, ProgressReporter) (GetPromptResult, error)
}

// ResourceServer defines the interface for managing resources in the MCP protocol.
type ResourceServer interface {
	// ListResources returns a paginated list of available resources.
	ListResources(context.Context, ListResourcesParams, ProgressReporter) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	ReadResource(context.Context, ReadResourceParams, ProgressReporter) (ReadResourceResult, error)
}

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools.
	ListTools(context.Context, ListToolsParams, ProgressReporter) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. A returned error is reported
	// to the client as a CallToolResult with IsError set, not as a protocol error.
	CallTool(context.Context, CallToolParams, ProgressReporter) (CallToolResult, error)
}

// Client interfaces

// RootsListHandler defines the interface for retrieving the list of root resources in the MCP protocol.
type RootsListHandler interface {
	// RootsList returns the list of available root resources.
	RootsList(ctx context.Context) (RootList, error)
}

// SamplingHandler provides an interface for generating AI model responses based on conversation history.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message based on the provided conversation history and parameters.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// CompletionHandler answers the server's argument-suggestion queries.
type CompletionHandler interface {
	// Complete returns suggestions for the argument named in the request.
	Complete(ctx context.Context, req CompletionRequest) (Completions, error)
}

// ProgressListener provides an interface for receiving progress updates on long-running operations.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// SamplingParams defines the parameters for generating a sampled message.
type SamplingParams struct {
	// Messages contains the conversation history as a sequence of user and assistant messages
	Messages []SamplingMessage `json:"messages"`

	// ModelPreferences controls model selection through cost, speed, and intelligence priorities
	ModelPreferences SamplingModelPreferences `json:"modelPreferences"`

	// SystemPrompts provides system-level instructions to guide the model's behavior
	SystemPrompts string `json:"systemPrompts"`

	// MaxTokens specifies the maximum number of tokens allowed in the generated response
	MaxTokens int `json:"maxTokens"`
}

// SamplingMessage represents a message in the sampling conversation history.
type SamplingMessage struct {
	Role    Role            `json:"role"`
	Content SamplingContent `json:"content"`
}

// SamplingContent represents the content of a sampling message. Either Text or Data should be
// populated based on the content Type.
type SamplingContent struct {
	Type ContentType `json:"type"`

	Text string `json:"text"`

	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// SamplingModelPreferences defines preferences for model selection and behavior.
type SamplingModelPreferences struct {
	Hints []struct {
		Name string `json:"name"`
	} `json:"hints"`
	CostPriority         int `json:"costPriority"`
	SpeedPriority        int `json:"speedPriority"`
	IntelligencePriority int `json:"intelligencePriority"`
}

// SamplingResult represents the output of a sampling operation.
type SamplingResult struct {
	Role       Role            `json:"role"`
	Content    SamplingContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason"`
}

// ProgressReporter is a function type used to report progress updates for long-running operations.
// Server implementations use this callback to inform clients about operation progress. Reports are
// dropped when the request carried no progress token.
type ProgressReporter func(progress ProgressParams)
