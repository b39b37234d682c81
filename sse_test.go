package mcp_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/mcp-duplex"
	"github.com/tmaxmax/go-sse"
)

type sseHarness struct {
	server     mcp.SSEServer
	client     *mcp.SSEClient
	testServer *httptest.Server
	sessions   chan mcp.Session
}

func newSSEHarness(t *testing.T, options ...mcp.SSEServerOption) *sseHarness {
	t.Helper()
	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)

	options = append([]mcp.SSEServerOption{mcp.WithSSEServerLogger(discardLogger())}, options...)
	server := mcp.NewSSEServer(testServer.URL+"/message", options...)
	mux.Handle("/sse", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())

	h := &sseHarness{
		server:     server,
		client:     mcp.NewSSEClient(testServer.URL+"/sse", testServer.Client(), mcp.WithSSEClientLogger(discardLogger())),
		testServer: testServer,
		sessions:   make(chan mcp.Session, 10),
	}
	go func() {
		for sess := range server.Sessions() {
			h.sessions <- sess
		}
	}()
	return h
}

func (h *sseHarness) nextSession(t *testing.T) mcp.Session {
	t.Helper()
	select {
	case sess := <-h.sessions:
		return sess
	case <-time.After(5 * time.Second):
		t.Fatal("no session from SSE server")
		return nil
	}
}

func (h *sseHarness) close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown SSE server: %v", err)
	}
	h.testServer.Close()
}

func (h *sseHarness) post(t *testing.T, target, body string) int {
	t.Helper()
	resp, err := h.testServer.Client().Post(target, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to post message: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

// openStream connects to the SSE endpoint without the client transport and returns the events
// as they arrive.
func (h *sseHarness) openStream(t *testing.T) (<-chan sse.Event, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.testServer.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := h.testServer.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	events := make(chan sse.Event, 10)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- ev
		}
	}()
	return events, cancel
}

func nextEvent(t *testing.T, events <-chan sse.Event) sse.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event from SSE server")
		return sse.Event{}
	}
}

func TestSSEServerEndpointAndRouting(t *testing.T) {
	h := newSSEHarness(t)
	defer h.close(t)

	events, disconnect := h.openStream(t)
	defer disconnect()

	ev := nextEvent(t, events)
	if ev.Type != "endpoint" {
		t.Fatalf("expected endpoint event, got %s", ev.Type)
	}
	endpoint, err := url.Parse(ev.Data)
	if err != nil {
		t.Fatalf("failed to parse endpoint %q: %v", ev.Data, err)
	}

	sess := h.nextSession(t)
	if endpoint.Query().Get("sessionID") != sess.ID() {
		t.Errorf("expected sessionID %s in endpoint, got %s", sess.ID(), ev.Data)
	}
	received := collect(sess, -1)

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{
			name:   "valid message",
			target: ev.Data,
			body:   `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			want:   http.StatusAccepted,
		},
		{
			name:   "malformed body",
			target: ev.Data,
			body:   `{"jsonrpc":`,
			want:   http.StatusBadRequest,
		},
		{
			name:   "invalid envelope",
			target: ev.Data,
			body:   `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":-32603,"message":"x"}}`,
			want:   http.StatusBadRequest,
		},
		{
			name:   "missing session",
			target: h.testServer.URL + "/message",
			body:   `{"jsonrpc":"2.0","id":2,"method":"ping"}`,
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown session",
			target: h.testServer.URL + "/message?sessionID=unknown",
			body:   `{"jsonrpc":"2.0","id":3,"method":"ping"}`,
			want:   http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.post(t, tt.target, tt.body); got != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, got)
			}
		})
	}

	// Server to client.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = sess.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewStringID("e-1"),
		Method:  mcp.MethodElicitationCreate,
	})
	if err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	ev = nextEvent(t, events)
	if ev.Type != "message" {
		t.Fatalf("expected message event, got %s", ev.Type)
	}
	msg, err := mcp.DecodeMessage([]byte(ev.Data))
	if err != nil {
		t.Fatalf("failed to decode %s: %v", ev.Data, err)
	}
	if msg.ID != mcp.NewStringID("e-1") {
		t.Errorf("expected id e-1, got %s", msg.ID)
	}

	// Dropping the stream ends the session's message iteration.
	disconnect()
	got := receiveAll(t, received)
	if len(got) != 1 || got[0].ID != mcp.NewIntID(1) {
		t.Errorf("expected only the valid ping, got %+v", got)
	}

	err = sess.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "ping"})
	if !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed after disconnect, got %v", err)
	}
	sess.Stop()
}

func TestSSEClientSession(t *testing.T) {
	h := newSSEHarness(t)
	defer h.close(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cliSess, err := h.client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	srvSess := h.nextSession(t)
	if cliSess.ID() != srvSess.ID() {
		t.Errorf("expected client and server to share session id, got %s and %s", cliSess.ID(), srvSess.ID())
	}

	serverReceived := collect(srvSess, 1)
	clientReceived := collect(cliSess, 1)

	if err := cliSess.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewIntID(1),
		Method:  mcp.MethodToolsCall,
	}); err != nil {
		t.Fatalf("client failed to send: %v", err)
	}
	if err := srvSess.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewStringID("e-1"),
		Method:  mcp.MethodElicitationCreate,
	}); err != nil {
		t.Fatalf("server failed to send: %v", err)
	}

	if got := receiveAll(t, serverReceived); len(got) != 1 || got[0].Method != mcp.MethodToolsCall {
		t.Errorf("expected tools/call on the server, got %+v", got)
	}
	if got := receiveAll(t, clientReceived); len(got) != 1 || got[0].ID != mcp.NewStringID("e-1") {
		t.Errorf("expected elicitation/create on the client, got %+v", got)
	}

	// Once the server stops the session, posts for it are refused.
	srvSess.Stop()
	err = cliSess.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "ping"})
	if !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	cliSess.Stop()

	err = cliSess.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "ping"})
	if !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed after Stop, got %v", err)
	}
}

func TestSSEMultipleClients(t *testing.T) {
	h := newSSEHarness(t)
	defer h.close(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 3
	clients := make([]mcp.Session, 0, n)
	servers := make(map[string]mcp.Session, n)
	for range n {
		cli, err := h.client.StartSession(ctx)
		if err != nil {
			t.Fatalf("failed to start session: %v", err)
		}
		clients = append(clients, cli)
		srv := h.nextSession(t)
		servers[srv.ID()] = srv
	}

	received := make(map[string]<-chan []mcp.JSONRPCMessage, n)
	for id, srv := range servers {
		received[id] = collect(srv, 1)
	}

	for i, cli := range clients {
		if err := cli.Send(ctx, mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  fmt.Sprintf("client/%d", i),
		}); err != nil {
			t.Fatalf("client %d failed to send: %v", i, err)
		}
	}

	for i, cli := range clients {
		ch, ok := received[cli.ID()]
		if !ok {
			t.Fatalf("no server session for client %s", cli.ID())
		}
		got := receiveAll(t, ch)
		if len(got) != 1 || got[0].Method != fmt.Sprintf("client/%d", i) {
			t.Errorf("session %s received %+v", cli.ID(), got)
		}
	}

	for _, cli := range clients {
		cli.Stop()
	}
	for _, srv := range servers {
		srv.Stop()
	}
}

func TestSSEServerShutdownTwice(t *testing.T) {
	h := newSSEHarness(t)
	h.close(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		t.Errorf("expected a second shutdown to succeed, got %v", err)
	}
}

func TestSSEServerRejectsOversizedMessage(t *testing.T) {
	h := newSSEHarness(t, mcp.WithSSEServerMaxMessageSize(16))
	defer h.close(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"padding":"` + strings.Repeat("x", 64) + `"}}`
	if got := h.post(t, h.testServer.URL+"/message?sessionID=any", body); got != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, got)
	}
}
