package mcp

import "errors"

var (
	// ErrMalformedMessage is returned when bytes on the wire do not decode into a JSON-RPC envelope.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownCorrelationID is returned when a response carries an id with no pending request,
	// because it was never issued, was already resolved, or timed out.
	ErrUnknownCorrelationID = errors.New("unknown correlation id")

	// ErrCapabilityNotNegotiated is returned when a gated feature is invoked but the peers did not
	// agree on it during initialization. Nothing is sent to the peer in that case.
	ErrCapabilityNotNegotiated = errors.New("capability not negotiated")

	// ErrRequestTimeout is returned when a request is not answered before its deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrRequestCancelled is returned when a request is cancelled before it is answered.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrConnectionClosed is returned for requests still pending when their connection goes away,
	// and for requests issued after it did.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidElicitationAction is returned when an elicitation answer carries an action other
	// than accept, decline or cancel.
	ErrInvalidElicitationAction = errors.New("invalid elicitation action")

	// ErrProviderContractViolation marks an elicitation provider that accepted without content.
	// The answer is turned into a decline before it reaches the peer.
	ErrProviderContractViolation = errors.New("elicitation provider contract violation")

	// ErrInvalidSessionID is returned when a blank session id is bound to an invocation.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrSessionNotFound is returned when a session id does not name a live session.
	ErrSessionNotFound = errors.New("session not found")
)
