package mcp_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	mcp "github.com/MegaGrindStone/mcp-duplex"
)

type mockRootsListHandler struct {
	lock   sync.Mutex
	called bool
}

// failingRootsListHandler fails every call with a JSONRPCError carrying data.
type failingRootsListHandler struct {
	data json.RawMessage
}

type mockSamplingHandler struct {
	lock   sync.Mutex
	called bool
}

type mockProgressListener struct {
	lock   sync.Mutex
	params []mcp.ProgressParams
}

type mockCompletionHandler struct {
	lock     sync.Mutex
	requests []mcp.CompletionRequest
	values   []string
}

// mockElicitationProvider answers every elicitation with result and records the prompts.
type mockElicitationProvider struct {
	lock     sync.Mutex
	messages []string
	result   mcp.ElicitResult
}

func (m *mockRootsListHandler) RootsList(context.Context) (mcp.RootList, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.called = true
	return mcp.RootList{
		Roots: []mcp.Root{
			{URI: "test://root", Name: "Test Root"},
		},
	}, nil
}

func (f failingRootsListHandler) RootsList(context.Context) (mcp.RootList, error) {
	return mcp.RootList{}, mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: "roots unavailable", Data: f.data}
}

func (m *mockSamplingHandler) CreateSampleMessage(context.Context, mcp.SamplingParams) (mcp.SamplingResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.called = true
	return mcp.SamplingResult{
		Role: mcp.RoleAssistant,
		Content: mcp.SamplingContent{
			Type: "text",
			Text: "Test response",
		},
		Model:      "test-model",
		StopReason: "completed",
	}, nil
}

func (m *mockProgressListener) OnProgress(params mcp.ProgressParams) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.params = append(m.params, params)
}

func (m *mockProgressListener) received() []mcp.ProgressParams {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]mcp.ProgressParams(nil), m.params...)
}

func (m *mockCompletionHandler) Complete(_ context.Context, req mcp.CompletionRequest) (mcp.Completions, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.requests = append(m.requests, req)

	var values []string
	for _, v := range m.values {
		if strings.HasPrefix(v, req.CurrentValue) {
			values = append(values, v)
		}
	}
	total := len(values)
	return mcp.Completions{Values: values, Total: &total}, nil
}

func (m *mockElicitationProvider) Elicit(_ context.Context, params mcp.ElicitParams) (mcp.ElicitResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.messages = append(m.messages, params.Message)
	return m.result, nil
}

func (m *mockElicitationProvider) asked() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.messages...)
}
