// Package mcp implements a bidirectional Model Context Protocol (MCP) engine over JSON-RPC 2.0.
//
// Either side of a connection may issue requests to the other. The client calls the tools,
// prompts and resources the server exposes, and while a tool runs the server may call back
// into that same client: to elicit structured input from its user (elicitation/create) or to
// ask for argument suggestions (completion/complete). Every request a side issues is tracked
// by a per-connection registry until exactly one outcome settles it: the peer's response, a
// timeout, a cancellation, or the connection closing.
//
// Server-initiated calls are only sent when the client advertised the matching capability
// during initialize; otherwise they fail with ErrCapabilityNotNegotiated without touching the
// wire. Tool code reaches the calling client through the context it is handed:
//
//	func (t tools) CallTool(ctx context.Context, params mcp.CallToolParams, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
//		res, err := t.server.Elicit(ctx, mcp.ElicitParams{Message: "Which branch?"})
//		...
//	}
//
// Two transports are provided: StdIO, newline-delimited JSON over a byte pipe, and
// SSEServer/SSEClient, a Server-Sent Events stream paired with HTTP POST.
package mcp
