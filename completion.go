package mcp

import (
	"context"
	"fmt"
)

// CompletionRequest is the payload of a completion/complete request: which argument of which
// prompt, resource or tool the server wants suggestions for, and what is typed so far.
type CompletionRequest struct {
	// Scope is the kind of thing being completed, for example "prompt" or "resource".
	Scope string `json:"scope"`
	// Identifier names the prompt, resource template or tool within Scope.
	Identifier   string            `json:"identifier"`
	ArgumentName string            `json:"argumentName"`
	CurrentValue string            `json:"currentValue,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// Completions is the answer to a completion/complete request. Values are ordered by relevance.
// Total and HasMore are only set when the answering side knows them.
type Completions struct {
	Values  []string `json:"values"`
	Total   *int     `json:"total,omitempty"`
	HasMore *bool    `json:"hasMore,omitempty"`
}

// CompletionHandlerFunc adapts a function to CompletionHandler.
type CompletionHandlerFunc func(ctx context.Context, req CompletionRequest) (Completions, error)

// Complete implements CompletionHandler.
func (f CompletionHandlerFunc) Complete(ctx context.Context, req CompletionRequest) (Completions, error) {
	return f(ctx, req)
}

// requestCompletions consults the gate before touching the registry so a refused call sends
// nothing.
func requestCompletions(
	ctx context.Context,
	gate *CapabilityGate,
	registry *requestRegistry,
	req CompletionRequest,
) (Completions, error) {
	if err := gate.Require(FeatureCompletion); err != nil {
		return Completions{}, err
	}

	res, err := registry.Send(ctx, MethodCompletionComplete, req)
	if err != nil {
		return Completions{}, fmt.Errorf("failed to request completions: %w", err)
	}

	result, err := decodeResult[Completions](res)
	if err != nil {
		return Completions{}, err
	}
	if result.Values == nil {
		result.Values = []string{}
	}
	return result, nil
}
