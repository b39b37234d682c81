package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	lock   sync.Mutex
	sent   []JSONRPCMessage
	err    error
	onSend func(JSONRPCMessage)
}

func (r *recordingSender) send(_ context.Context, msg JSONRPCMessage) error {
	r.lock.Lock()
	r.sent = append(r.sent, msg)
	onSend, err := r.onSend, r.err
	r.lock.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return err
}

func (r *recordingSender) messages() []JSONRPCMessage {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]JSONRPCMessage(nil), r.sent...)
}

func (r *recordingSender) methods() []string {
	var ms []string
	for _, msg := range r.messages() {
		ms = append(ms, msg.Method)
	}
	return ms
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitForPending(t *testing.T, r *requestRegistry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending requests, got %d", n, r.Len())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRegistryIssuesUniqueIDs(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   []string
	}{
		{name: "integer ids", prefix: "", want: []string{"1", "2", "3"}},
		{name: "prefixed ids", prefix: "e-", want: []string{`"e-1"`, `"e-2"`, `"e-3"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{}
			r := newRequestRegistry(sender.send, tt.prefix, 0, testLogger())

			var wg sync.WaitGroup
			for range tt.want {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = r.Send(context.Background(), "test", nil)
				}()
			}
			waitForPending(t, r, len(tt.want))

			seen := make(map[string]bool)
			for _, msg := range sender.messages() {
				bs, err := json.Marshal(msg.ID)
				if err != nil {
					t.Fatalf("failed to marshal id: %v", err)
				}
				if seen[string(bs)] {
					t.Errorf("id %s issued twice", bs)
				}
				seen[string(bs)] = true
			}
			for _, id := range tt.want {
				if !seen[id] {
					t.Errorf("expected id %s to be issued, got %v", id, seen)
				}
			}

			if n := r.DrainOnDisconnect(); n != len(tt.want) {
				t.Errorf("expected %d drained, got %d", len(tt.want), n)
			}
			wg.Wait()
		})
	}
}

func TestRegistryResolvesExactlyOnce(t *testing.T) {
	sender := &recordingSender{}
	r := newRequestRegistry(sender.send, "", 0, testLogger())

	type outcome struct {
		msg JSONRPCMessage
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		msg, err := r.Send(context.Background(), "test", map[string]string{"k": "v"})
		results <- outcome{msg, err}
	}()
	waitForPending(t, r, 1)

	id := sender.messages()[0].ID
	res, _ := newResult(id, map[string]string{"answer": "42"})
	if err := r.Resolve(res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Resolve(res); !errors.Is(err, ErrUnknownCorrelationID) {
		t.Errorf("expected ErrUnknownCorrelationID for a duplicate response, got %v", err)
	}

	out := <-results
	if out.err != nil {
		t.Fatalf("unexpected error: %v", out.err)
	}
	if string(out.msg.Result) != `{"answer":"42"}` {
		t.Errorf("expected result {\"answer\":\"42\"}, got %s", out.msg.Result)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistryResolveUnknownID(t *testing.T) {
	sender := &recordingSender{}
	r := newRequestRegistry(sender.send, "", 0, testLogger())

	res, _ := newResult(NewIntID(99), nil)
	if err := r.Resolve(res); !errors.Is(err, ErrUnknownCorrelationID) {
		t.Errorf("expected ErrUnknownCorrelationID, got %v", err)
	}
}

func TestRegistryPeerErrorIsAMessage(t *testing.T) {
	sender := &recordingSender{}
	r := newRequestRegistry(sender.send, "", 0, testLogger())
	sender.onSend = func(msg JSONRPCMessage) {
		go func() {
			_ = r.Resolve(newErrorResponse(msg.ID, CodeMethodNotFound, "nope"))
		}()
	}

	msg, err := r.Send(context.Background(), "test", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != CodeMethodNotFound {
		t.Errorf("expected method not found error response, got %+v", msg.Error)
	}
}

func TestRegistryTimeoutAndCancellation(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
		reason  string
	}{
		{
			name:    "registry timeout",
			timeout: 20 * time.Millisecond,
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithCancel(context.Background())
			},
			wantErr: ErrRequestTimeout,
			reason:  ErrRequestTimeout.Error(),
		},
		{
			name: "context deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 20*time.Millisecond)
			},
			wantErr: ErrRequestTimeout,
			reason:  ErrRequestTimeout.Error(),
		},
		{
			name: "context cancelled",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(20*time.Millisecond, cancel)
				return ctx, cancel
			},
			wantErr: ErrRequestCancelled,
			reason:  userCancelledReason,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{}
			r := newRequestRegistry(sender.send, "", tt.timeout, testLogger())

			ctx, cancel := tt.ctx()
			defer cancel()

			_, err := r.Send(ctx, "slow", nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if r.Len() != 0 {
				t.Errorf("expected empty registry, got %d", r.Len())
			}

			msgs := sender.messages()
			if len(msgs) != 2 {
				t.Fatalf("expected request and cancellation, got %v", sender.methods())
			}
			if msgs[1].Method != methodNotificationsCancelled {
				t.Fatalf("expected %s, got %s", methodNotificationsCancelled, msgs[1].Method)
			}
			var params notificationsCancelledParams
			if err := json.Unmarshal(msgs[1].Params, &params); err != nil {
				t.Fatalf("failed to unmarshal cancellation: %v", err)
			}
			if params.RequestID != msgs[0].ID {
				t.Errorf("expected cancellation of %s, got %s", msgs[0].ID, params.RequestID)
			}
			if params.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, params.Reason)
			}

			// The answer arrives after the request gave up.
			late, _ := newResult(msgs[0].ID, nil)
			if err := r.Resolve(late); !errors.Is(err, ErrUnknownCorrelationID) {
				t.Errorf("expected ErrUnknownCorrelationID for a late response, got %v", err)
			}
		})
	}
}

func TestRegistryCancel(t *testing.T) {
	sender := &recordingSender{}
	r := newRequestRegistry(sender.send, "", 0, testLogger())

	errs := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), "test", nil)
		errs <- err
	}()
	waitForPending(t, r, 1)

	id := sender.messages()[0].ID
	if !r.Cancel(id, "no longer needed") {
		t.Fatal("expected Cancel to find the request")
	}
	if r.Cancel(id, "again") {
		t.Error("expected second Cancel to find nothing")
	}
	if err := <-errs; !errors.Is(err, ErrRequestCancelled) {
		t.Errorf("expected ErrRequestCancelled, got %v", err)
	}
}

func TestRegistryDrainOnDisconnect(t *testing.T) {
	sender := &recordingSender{}
	r := newRequestRegistry(sender.send, "", 0, testLogger())

	const n = 5
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := r.Send(context.Background(), "test", nil)
			errs <- err
		}()
	}
	waitForPending(t, r, n)

	if drained := r.DrainOnDisconnect(); drained != n {
		t.Errorf("expected %d drained, got %d", n, drained)
	}
	for range n {
		if err := <-errs; !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	}

	if drained := r.DrainOnDisconnect(); drained != 0 {
		t.Errorf("expected nothing left to drain, got %d", drained)
	}
	if _, err := r.Send(context.Background(), "test", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed after drain, got %v", err)
	}
}

func TestRegistrySendFailureLeavesNothingPending(t *testing.T) {
	sendErr := errors.New("broken pipe")
	sender := &recordingSender{err: sendErr}
	r := newRequestRegistry(sender.send, "", 0, testLogger())

	_, err := r.Send(context.Background(), "test", nil)
	if !errors.Is(err, sendErr) {
		t.Errorf("expected %v, got %v", sendErr, err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistryResolveRacesTimeout(t *testing.T) {
	for range 50 {
		sender := &recordingSender{}
		r := newRequestRegistry(sender.send, "", 0, testLogger())
		sender.onSend = func(msg JSONRPCMessage) {
			if msg.Method != "race" {
				return
			}
			go func() {
				res, _ := newResult(msg.ID, nil)
				_ = r.Resolve(res)
			}()
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Microsecond)
		msg, err := r.Send(ctx, "race", nil)
		cancel()

		// Whichever outcome won, it is the only one.
		if err == nil && msg.Result == nil {
			t.Fatal("expected either a result or an error")
		}
		if err != nil && !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("expected ErrRequestTimeout, got %v", err)
		}
		if r.Len() != 0 {
			t.Fatalf("expected empty registry, got %d", r.Len())
		}
	}
}
