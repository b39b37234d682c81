package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// requestRegistry correlates the requests one side of a connection issues with the responses
// the other side sends back. Every connection owns exactly one registry per direction of
// initiation.
type requestRegistry struct {
	prefix  string
	timeout time.Duration
	send    func(context.Context, JSONRPCMessage) error
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[RequestID]*pendingRequest
	lastID  uint64
	closed  bool
}

type pendingRequest struct {
	id       RequestID
	method   string
	issuedAt time.Time
	deadline time.Time

	// slot is written exactly once, by whoever removes the request from the pending map.
	slot chan pendingOutcome
}

type pendingOutcome struct {
	msg JSONRPCMessage
	err error
}

var cancelNotificationTimeout = 5 * time.Second

// newRequestRegistry creates a registry that transmits through send. Ids are a counter scoped to
// the registry; with an empty prefix they go out as integers, otherwise as prefix+counter
// strings. A positive timeout caps how long any request may wait for its response.
func newRequestRegistry(
	send func(context.Context, JSONRPCMessage) error,
	prefix string,
	timeout time.Duration,
	logger *slog.Logger,
) *requestRegistry {
	return &requestRegistry{
		prefix:  prefix,
		timeout: timeout,
		send:    send,
		logger:  logger,
		pending: make(map[RequestID]*pendingRequest),
	}
}

// Send issues a request and blocks the calling goroutine until the peer answers, the deadline
// passes, ctx is cancelled, or the connection is drained. A peer error response is returned as
// the message, not as an error; errors are reserved for local outcomes.
func (r *requestRegistry) Send(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	msg, err := newRequest(RequestID{}, method, params)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	p, err := r.register(ctx, method)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	msg.ID = p.id

	if err := r.send(ctx, msg); err != nil {
		r.remove(p.id)
		return JSONRPCMessage{}, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case out := <-p.slot:
		return out.msg, out.err
	case <-ctx.Done():
	}

	// A response may have landed at the same time as the deadline or cancellation; whichever
	// completed the slot first is the outcome.
	reason, note := ErrRequestCancelled, userCancelledReason
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason, note = ErrRequestTimeout, ErrRequestTimeout.Error()
	}
	outcome := pendingOutcome{err: fmt.Errorf("%w: %s %s: %w", reason, method, p.id, ctx.Err())}
	if r.complete(p.id, outcome) {
		r.notifyCancelled(p.id, note)
	}
	out := <-p.slot
	return out.msg, out.err
}

// Resolve delivers a response to the request that issued its id. It returns
// ErrUnknownCorrelationID when no request with that id is awaiting, which covers duplicates,
// late answers to timed out or cancelled requests, and ids that were never issued.
func (r *requestRegistry) Resolve(msg JSONRPCMessage) error {
	if !r.complete(msg.ID, pendingOutcome{msg: msg}) {
		r.logger.Warn("received response for unknown request", slog.String("id", msg.ID.String()))
		return fmt.Errorf("%w: %s", ErrUnknownCorrelationID, msg.ID)
	}
	return nil
}

// Cancel fails the request with ErrRequestCancelled and tells the peer to stop working on it.
// It reports whether a request was still awaiting.
func (r *requestRegistry) Cancel(id RequestID, reason string) bool {
	method := ""
	r.mu.Lock()
	if p, ok := r.pending[id]; ok {
		method = p.method
	}
	r.mu.Unlock()

	outcome := pendingOutcome{err: fmt.Errorf("%w: %s %s: %s", ErrRequestCancelled, method, id, reason)}
	if !r.complete(id, outcome) {
		return false
	}
	r.notifyCancelled(id, reason)
	return true
}

// DrainOnDisconnect fails every awaiting request with ErrConnectionClosed and makes later Send
// calls fail the same way. It returns how many requests were drained; calling it again drains
// nothing.
func (r *requestRegistry) DrainOnDisconnect() int {
	r.mu.Lock()
	r.closed = true
	drained := r.pending
	r.pending = make(map[RequestID]*pendingRequest)
	r.mu.Unlock()

	for id, p := range drained {
		p.slot <- pendingOutcome{err: fmt.Errorf("%w: %s %s", ErrConnectionClosed, p.method, id)}
	}
	if len(drained) > 0 {
		r.logger.Debug("drained pending requests", slog.Int("count", len(drained)))
	}
	return len(drained)
}

// Len returns the number of requests awaiting a response.
func (r *requestRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *requestRegistry) register(ctx context.Context, method string) (*pendingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: cannot send %s", ErrConnectionClosed, method)
	}

	r.lastID++
	p := &pendingRequest{
		id:       r.formatID(r.lastID),
		method:   method,
		issuedAt: time.Now(),
		slot:     make(chan pendingOutcome, 1),
	}
	if deadline, ok := ctx.Deadline(); ok {
		p.deadline = deadline
	}
	r.pending[p.id] = p

	return p, nil
}

func (r *requestRegistry) formatID(n uint64) RequestID {
	if r.prefix == "" {
		return NewIntID(int64(n))
	}
	return NewStringID(r.prefix + strconv.FormatUint(n, 10))
}

// complete removes the request and fills its slot. Only the caller that removes the entry
// writes to the slot, so the outcome is assigned once.
func (r *requestRegistry) complete(id RequestID, outcome pendingOutcome) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	p.slot <- outcome
	return true
}

func (r *requestRegistry) remove(id RequestID) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *requestRegistry) notifyCancelled(id RequestID, reason string) {
	msg, err := newNotification(methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		r.logger.Error("failed to build cancellation", slog.String("err", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelNotificationTimeout)
	defer cancel()

	if err := r.send(ctx, msg); err != nil {
		r.logger.Warn("failed to notify peer about cancellation",
			slog.String("id", id.String()),
			slog.String("err", err.Error()))
	}
}
