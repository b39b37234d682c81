package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerSession is the server's state for one connected client: the negotiated capabilities,
// the registry of requests the server has sent to that client, and the transport session the
// messages go out on. It lives from the moment the transport yields the connection until the
// connection closes, at which point every request still waiting for the client fails with
// ErrConnectionClosed.
type ServerSession struct {
	id          string
	session     Session
	logger      *slog.Logger
	sendTimeout time.Duration

	gate     *CapabilityGate
	registry *requestRegistry

	mu         sync.RWMutex
	clientInfo Info
}

func newServerSession(
	sess Session,
	logger *slog.Logger,
	sendTimeout time.Duration,
	requestTimeout time.Duration,
	requestIDPrefix string,
) *ServerSession {
	s := &ServerSession{
		id:          sess.ID(),
		session:     sess,
		logger:      logger,
		sendTimeout: sendTimeout,
		gate:        &CapabilityGate{},
	}
	s.registry = newRequestRegistry(s.send, requestIDPrefix, requestTimeout, logger)
	return s
}

// ID returns the transport session id.
func (s *ServerSession) ID() string {
	return s.id
}

// ClientInfo returns the client's name and version, empty before initialization.
func (s *ServerSession) ClientInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

// IsAvailable reports whether the client agreed to the feature during initialization.
func (s *ServerSession) IsAvailable(f Feature) bool {
	return s.gate.IsAvailable(f)
}

// PendingRequests returns how many requests to the client are waiting for an answer.
func (s *ServerSession) PendingRequests() int {
	return s.registry.Len()
}

// CancelRequest abandons a request this session sent to the client: the waiting caller fails
// with ErrRequestCancelled and the client receives notifications/cancelled. An empty reason is
// sent as a user cancellation. It reports whether the request was still waiting. Cancelling
// the ctx passed to the call does the same without knowing the id.
func (s *ServerSession) CancelRequest(id RequestID, reason string) bool {
	if reason == "" {
		reason = userCancelledReason
	}
	return s.registry.Cancel(id, reason)
}

// Elicit asks the client's user for structured input. It fails with ErrCapabilityNotNegotiated,
// without sending anything, when the client did not advertise elicitation. An answer with an
// action other than accept, decline or cancel fails with ErrInvalidElicitationAction.
func (s *ServerSession) Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error) {
	if err := s.gate.Require(FeatureElicitation); err != nil {
		return ElicitResult{}, err
	}

	res, err := s.registry.Send(ctx, MethodElicitationCreate, params)
	if err != nil {
		return ElicitResult{}, fmt.Errorf("failed to elicit: %w", err)
	}
	if res.Error != nil {
		return ElicitResult{}, fmt.Errorf("result error: %w", *res.Error)
	}

	result, err := ParseElicitResult(res.Result)
	if err != nil {
		s.logger.Warn("client answered elicitation with an invalid result", slog.String("err", err.Error()))
		return ElicitResult{}, err
	}
	return result, nil
}

// RequestCompletions asks the client for suggestions for one argument. It is gated on the
// completion capability exactly like Elicit.
func (s *ServerSession) RequestCompletions(ctx context.Context, req CompletionRequest) (Completions, error) {
	return requestCompletions(ctx, s.gate, s.registry, req)
}

// ListRoots asks the client for its roots.
func (s *ServerSession) ListRoots(ctx context.Context) (RootList, error) {
	if err := s.gate.Require(FeatureRoots); err != nil {
		return RootList{}, err
	}

	res, err := s.registry.Send(ctx, MethodRootsList, nil)
	if err != nil {
		return RootList{}, fmt.Errorf("failed to list roots: %w", err)
	}
	return decodeResult[RootList](res)
}

// CreateSampleMessage asks the client to run its model over the given conversation.
func (s *ServerSession) CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	if err := s.gate.Require(FeatureSampling); err != nil {
		return SamplingResult{}, err
	}

	res, err := s.registry.Send(ctx, MethodSamplingCreateMessage, params)
	if err != nil {
		return SamplingResult{}, fmt.Errorf("failed to create sample message: %w", err)
	}
	return decodeResult[SamplingResult](res)
}

// Ping checks that the client is still answering.
func (s *ServerSession) Ping(ctx context.Context) error {
	res, err := s.registry.Send(ctx, methodPing, nil)
	if err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("error response: %w", *res.Error)
	}
	return nil
}

func (s *ServerSession) send(ctx context.Context, msg JSONRPCMessage) error {
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	return s.session.Send(ctx, msg)
}

func (s *ServerSession) setClientInfo(info Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientInfo = info
}
