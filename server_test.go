package mcp_test

import (
	"context"
	"errors"
	"sync"

	mcp "github.com/MegaGrindStone/mcp-duplex"
)

type mockPromptServer struct {
	lock       sync.Mutex
	listParams mcp.ListPromptsParams
	getParams  mcp.GetPromptParams
}

type mockResourceServer struct {
	lock       sync.Mutex
	listParams mcp.ListResourcesParams
	readParams mcp.ReadResourceParams
}

// mockToolServer records its calls and, when call is set, delegates CallTool to it.
type mockToolServer struct {
	lock       sync.Mutex
	listParams mcp.ListToolsParams
	callParams mcp.CallToolParams

	call func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
}

func (m *mockPromptServer) ListPrompts(
	_ context.Context,
	params mcp.ListPromptsParams,
	progressReporter mcp.ProgressReporter,
) (mcp.ListPromptResult, error) {
	for i := 0; i < 10; i++ {
		progressReporter(mcp.ProgressParams{
			Progress: float64(i) / 10,
			Total:    10,
		})
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.listParams = params
	return mcp.ListPromptResult{
		Prompts: []mcp.Prompt{{Name: "test-prompt"}},
	}, nil
}

func (m *mockPromptServer) GetPrompt(
	_ context.Context,
	params mcp.GetPromptParams,
	_ mcp.ProgressReporter,
) (mcp.GetPromptResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.getParams = params
	if params.Name != "test-prompt" {
		return mcp.GetPromptResult{}, errors.New("prompt not found")
	}
	return mcp.GetPromptResult{
		Messages: []mcp.PromptMessage{
			{Role: mcp.RoleUser, Content: mcp.Content{Type: mcp.ContentTypeText, Text: "hello"}},
		},
	}, nil
}

func (m *mockPromptServer) getPromptParams() mcp.GetPromptParams {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.getParams
}

func (m *mockPromptServer) listPromptsParams() mcp.ListPromptsParams {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.listParams
}

func (m *mockResourceServer) ListResources(
	_ context.Context,
	params mcp.ListResourcesParams,
	_ mcp.ProgressReporter,
) (mcp.ListResourcesResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.listParams = params
	return mcp.ListResourcesResult{
		Resources: []mcp.Resource{{URI: "test://resource", Name: "resource"}},
	}, nil
}

func (m *mockResourceServer) ReadResource(
	_ context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
) (mcp.ReadResourceResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.readParams = params
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: params.URI, Text: "content"}},
	}, nil
}

func (m *mockResourceServer) readResourceParams() mcp.ReadResourceParams {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.readParams
}

func (m *mockToolServer) ListTools(
	_ context.Context,
	params mcp.ListToolsParams,
	_ mcp.ProgressReporter,
) (mcp.ListToolsResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.listParams = params
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{{Name: "test-tool"}},
	}, nil
}

func (m *mockToolServer) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	m.lock.Lock()
	m.callParams = params
	call := m.call
	m.lock.Unlock()

	if call != nil {
		return call(ctx, params)
	}
	return textResult("ok"), nil
}

func (m *mockToolServer) setCall(call func(context.Context, mcp.CallToolParams) (mcp.CallToolResult, error)) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.call = call
}

func (m *mockToolServer) lastCallParams() mcp.CallToolParams {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.callParams
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}
