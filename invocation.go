package mcp

import (
	"context"
	"fmt"
	"strings"
)

type invocationKey struct{}

// invocationFrame binds a session id to one tool invocation. Frames form a stack through ctx:
// a nested invocation pushes a new frame and the caller's ctx still holds the outer one.
type invocationFrame struct {
	sessionID string
	depth     int
}

// PushInvocation returns a ctx in which CurrentSessionID reports sessionID. The returned ctx is
// the scope of the binding: code holding the original ctx keeps seeing the previous value, so
// the outer binding is back in effect as soon as the nested call returns. Blank ids fail with
// ErrInvalidSessionID.
func PushInvocation(ctx context.Context, sessionID string) (context.Context, error) {
	if strings.TrimSpace(sessionID) == "" {
		return ctx, fmt.Errorf("%w: blank session id", ErrInvalidSessionID)
	}
	parent, _ := ctx.Value(invocationKey{}).(*invocationFrame)
	frame := &invocationFrame{
		sessionID: sessionID,
		depth:     1,
	}
	if parent != nil {
		frame.depth = parent.depth + 1
	}
	return context.WithValue(ctx, invocationKey{}, frame), nil
}

// CurrentSessionID returns the session id bound by the innermost invocation in ctx.
func CurrentSessionID(ctx context.Context) (string, bool) {
	frame, ok := ctx.Value(invocationKey{}).(*invocationFrame)
	if !ok || frame == nil {
		return "", false
	}
	return frame.sessionID, true
}

// InvocationDepth returns how many invocations are nested in ctx, zero outside any.
func InvocationDepth(ctx context.Context) int {
	frame, ok := ctx.Value(invocationKey{}).(*invocationFrame)
	if !ok || frame == nil {
		return 0
	}
	return frame.depth
}
