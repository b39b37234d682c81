package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcp "github.com/MegaGrindStone/mcp-duplex"
)

// tools is the demo's tool server. Both tools call back into the client that invoked them.
type tools struct {
	server mcp.Server
}

type askUserArgs struct {
	Question string `json:"question"`
}

type suggestArgs struct {
	Argument string `json:"argument"`
	Prefix   string `json:"prefix"`
}

var answerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"value": {"type": "string"}},
	"required": ["value"]
}`)

func (t *tools) ListTools(context.Context, mcp.ListToolsParams, mcp.ProgressReporter) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        "ask_user",
				Description: "Ask the user of the connected client a question and return the answer",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"question": {"type": "string"}},
					"required": ["question"]
				}`),
			},
			{
				Name:        "suggest",
				Description: "Ask the connected client for values of an argument",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {"argument": {"type": "string"}, "prefix": {"type": "string"}},
					"required": ["argument"]
				}`),
			},
		},
	}, nil
}

func (t *tools) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	switch params.Name {
	case "ask_user":
		var args askUserArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
		}
		return t.askUser(ctx, args, progress)
	case "suggest":
		var args suggestArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
		}
		return t.suggest(ctx, args)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("unknown tool %q", params.Name)
	}
}

func (t *tools) askUser(ctx context.Context, args askUserArgs, progress mcp.ProgressReporter) (mcp.CallToolResult, error) {
	if strings.TrimSpace(args.Question) == "" {
		return mcp.CallToolResult{}, errors.New("question is required")
	}

	progress(mcp.ProgressParams{Progress: 0, Total: 1})
	res, err := t.server.Elicit(ctx, mcp.ElicitParams{
		Message:         args.Question,
		RequestedSchema: answerSchema,
	})
	if errors.Is(err, mcp.ErrCapabilityNotNegotiated) {
		return textResult("this client cannot answer questions"), nil
	}
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	progress(mcp.ProgressParams{Progress: 1, Total: 1})

	switch res.Action {
	case mcp.ElicitActionAccept:
		return textResult(fmt.Sprintf("the user answered: %v", res.Content["value"])), nil
	case mcp.ElicitActionDecline:
		return textResult("the user declined to answer"), nil
	default:
		return textResult("the user dismissed the question"), nil
	}
}

func (t *tools) suggest(ctx context.Context, args suggestArgs) (mcp.CallToolResult, error) {
	comps, err := t.server.RequestCompletions(ctx, mcp.CompletionRequest{
		Scope:        "tool",
		Identifier:   "suggest",
		ArgumentName: args.Argument,
		CurrentValue: args.Prefix,
	})
	if errors.Is(err, mcp.ErrCapabilityNotNegotiated) {
		return textResult("this client offers no suggestions"), nil
	}
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	if len(comps.Values) == 0 {
		return textResult("no suggestions"), nil
	}
	return textResult(strings.Join(comps.Values, "\n")), nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
	}
}
