package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"
)

// sinkSession is a Session whose outbound messages land in a recordingSender.
type sinkSession struct {
	sender *recordingSender
}

func (s sinkSession) ID() string { return "sink" }

func (s sinkSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	return s.sender.send(ctx, msg)
}

func (s sinkSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(func(JSONRPCMessage) bool) {}
}

func (s sinkSession) Stop() {}

func newSinkServerSession(prefix string) (*ServerSession, *recordingSender) {
	sender := &recordingSender{}
	sess := newServerSession(sinkSession{sender: sender}, testLogger(), time.Second, time.Second, prefix)
	return sess, sender
}

func TestServerSessionGatedCallsSendNothing(t *testing.T) {
	tests := []struct {
		name string
		call func(*ServerSession) error
	}{
		{
			name: "elicit",
			call: func(s *ServerSession) error {
				_, err := s.Elicit(context.Background(), ElicitParams{Message: "value?"})
				return err
			},
		},
		{
			name: "completions",
			call: func(s *ServerSession) error {
				_, err := s.RequestCompletions(context.Background(), CompletionRequest{ArgumentName: "a"})
				return err
			},
		},
		{
			name: "roots",
			call: func(s *ServerSession) error {
				_, err := s.ListRoots(context.Background())
				return err
			},
		},
		{
			name: "sampling",
			call: func(s *ServerSession) error {
				_, err := s.CreateSampleMessage(context.Background(), SamplingParams{})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, sender := newSinkServerSession("")
			// The client advertised nothing.
			if _, err := sess.gate.Negotiate([]Feature{FeatureElicitation, FeatureCompletion}, nil); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			err := tt.call(sess)
			if !errors.Is(err, ErrCapabilityNotNegotiated) {
				t.Errorf("expected ErrCapabilityNotNegotiated, got %v", err)
			}
			if len(sender.messages()) != 0 {
				t.Errorf("expected no traffic, got %v", sender.methods())
			}
			if sess.PendingRequests() != 0 {
				t.Errorf("expected no pending requests, got %d", sess.PendingRequests())
			}
		})
	}
}

func TestServerSessionElicit(t *testing.T) {
	tests := []struct {
		name       string
		answer     func(id RequestID) JSONRPCMessage
		wantAction ElicitAction
		wantErr    error
	}{
		{
			name: "accept",
			answer: func(id RequestID) JSONRPCMessage {
				msg, _ := newResult(id, map[string]any{"action": "accept", "content": map[string]any{"value": "x"}})
				return msg
			},
			wantAction: ElicitActionAccept,
		},
		{
			name: "accept without content",
			answer: func(id RequestID) JSONRPCMessage {
				msg, _ := newResult(id, map[string]any{"action": "accept"})
				return msg
			},
			wantAction: ElicitActionDecline,
		},
		{
			name: "unknown action",
			answer: func(id RequestID) JSONRPCMessage {
				msg, _ := newResult(id, map[string]any{"action": "UNKNOWN"})
				return msg
			},
			wantErr: ErrInvalidElicitationAction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, sender := newSinkServerSession("e-")
			if _, err := sess.gate.Negotiate([]Feature{FeatureElicitation}, []Feature{FeatureElicitation}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			sender.onSend = func(msg JSONRPCMessage) {
				go func() { _ = sess.registry.Resolve(tt.answer(msg.ID)) }()
			}

			res, err := sess.Elicit(context.Background(), ElicitParams{Message: "value?"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Action != tt.wantAction {
				t.Errorf("expected %s, got %s", tt.wantAction, res.Action)
			}

			msgs := sender.messages()
			if len(msgs) != 1 || msgs[0].Method != MethodElicitationCreate {
				t.Fatalf("expected one elicitation request, got %v", sender.methods())
			}
			if msgs[0].ID != NewStringID("e-1") {
				t.Errorf("expected id e-1, got %s", msgs[0].ID)
			}
			var params ElicitParams
			if err := json.Unmarshal(msgs[0].Params, &params); err != nil {
				t.Fatalf("failed to unmarshal params: %v", err)
			}
			if params.Message != "value?" {
				t.Errorf("expected message value?, got %s", params.Message)
			}
		})
	}
}

func TestServerSessionCancelRequest(t *testing.T) {
	sess, sender := newSinkServerSession("e-")
	if _, err := sess.gate.Negotiate([]Feature{FeatureElicitation}, []Feature{FeatureElicitation}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := sess.Elicit(context.Background(), ElicitParams{Message: "value?"})
		errs <- err
	}()
	waitForPending(t, sess.registry, 1)

	id := sender.messages()[0].ID
	if !sess.CancelRequest(id, "") {
		t.Fatal("expected the request to be waiting")
	}
	if sess.CancelRequest(id, "") {
		t.Error("expected a second cancel to find nothing")
	}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrRequestCancelled) {
			t.Errorf("expected ErrRequestCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("elicitation was not released")
	}

	msgs := sender.messages()
	if len(msgs) != 2 || msgs[1].Method != methodNotificationsCancelled {
		t.Fatalf("expected a cancellation notice, got %v", sender.methods())
	}
	var params notificationsCancelledParams
	if err := json.Unmarshal(msgs[1].Params, &params); err != nil {
		t.Fatalf("failed to unmarshal params: %v", err)
	}
	if params.RequestID != id || params.Reason != userCancelledReason {
		t.Errorf("expected cancellation of %s with reason %q, got %+v", id, userCancelledReason, params)
	}
	if sess.PendingRequests() != 0 {
		t.Errorf("expected no pending requests, got %d", sess.PendingRequests())
	}
}

func TestServerSessionRequestCompletions(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   int
	}{
		{name: "values", result: `{"values":["main","develop"],"total":2,"hasMore":false}`, want: 2},
		{name: "missing values", result: `{}`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, sender := newSinkServerSession("")
			if _, err := sess.gate.Negotiate([]Feature{FeatureCompletion}, []Feature{FeatureCompletion}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			sender.onSend = func(msg JSONRPCMessage) {
				go func() {
					_ = sess.registry.Resolve(JSONRPCMessage{
						JSONRPC: JSONRPCVersion,
						ID:      msg.ID,
						Result:  json.RawMessage(tt.result),
					})
				}()
			}

			comps, err := sess.RequestCompletions(context.Background(), CompletionRequest{
				Scope:        "prompt",
				Identifier:   "greet",
				ArgumentName: "branch",
				CurrentValue: "m",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if comps.Values == nil {
				t.Fatal("expected a non-nil values slice")
			}
			if len(comps.Values) != tt.want {
				t.Errorf("expected %d values, got %v", tt.want, comps.Values)
			}

			var req CompletionRequest
			if err := json.Unmarshal(sender.messages()[0].Params, &req); err != nil {
				t.Fatalf("failed to unmarshal params: %v", err)
			}
			if req.ArgumentName != "branch" || req.CurrentValue != "m" {
				t.Errorf("unexpected request %+v", req)
			}
		})
	}
}

func TestServerSessionTimeout(t *testing.T) {
	sender := &recordingSender{}
	sess := newServerSession(sinkSession{sender: sender}, testLogger(), time.Second, 20*time.Millisecond, "")
	if _, err := sess.gate.Negotiate([]Feature{FeatureElicitation}, []Feature{FeatureElicitation}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := sess.Elicit(context.Background(), ElicitParams{Message: "value?"})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("expected ErrRequestTimeout, got %v", err)
	}
	if sess.PendingRequests() != 0 {
		t.Errorf("expected no pending requests, got %d", sess.PendingRequests())
	}
}
