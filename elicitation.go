package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"
)

// ElicitAction is the user's answer to an elicitation: accept, decline or cancel.
type ElicitAction string

// ElicitParams is the payload of an elicitation/create request.
type ElicitParams struct {
	// Message is shown to the user to explain what is being asked.
	Message string `json:"message"`
	// RequestedSchema is a JSON schema describing the content the server expects back.
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
}

// ElicitResult is the answer to an elicitation/create request. Content is only present
// for ElicitActionAccept.
type ElicitResult struct {
	Action  ElicitAction   `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// ElicitationProvider puts an elicitation in front of a user and reports the answer. It is
// implemented by whatever UI hosts the client: a console, a web page, a test.
type ElicitationProvider interface {
	Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error)
}

// ElicitationProviderFunc adapts a function to ElicitationProvider.
type ElicitationProviderFunc func(ctx context.Context, params ElicitParams) (ElicitResult, error)

// ElicitationRequest is an inbound elicitation/create request handed to the coordinator.
type ElicitationRequest struct {
	ID     RequestID
	Params ElicitParams
}

// ElicitationStatus tracks an exchange from the moment it reaches the provider.
type ElicitationStatus int

// ElicitationSnapshot describes the exchange currently waiting on the provider.
type ElicitationSnapshot struct {
	RequestID RequestID
	Params    ElicitParams
	Status    ElicitationStatus
	StartedAt time.Time
}

// ElicitationCoordinator answers inbound elicitation requests for one session through an
// installable provider. At most one exchange is live at a time; an exchange that loses its
// provider, or is overtaken by a newer request, resolves as a decline so the peer is never
// left waiting.
type ElicitationCoordinator struct {
	logger *slog.Logger

	mu       sync.Mutex
	provider ElicitationProvider
	live     *elicitationExchange
}

type elicitationExchange struct {
	request   ElicitationRequest
	provider  ElicitationProvider
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// Guarded by the coordinator's mutex.
	status ElicitationStatus
	result ElicitResult
}

// ElicitAction values.
const (
	ElicitActionAccept  ElicitAction = "accept"
	ElicitActionDecline ElicitAction = "decline"
	ElicitActionCancel  ElicitAction = "cancel"
)

// ElicitationStatus values.
const (
	ElicitationPending ElicitationStatus = iota
	ElicitationAccepted
	ElicitationDeclined
	ElicitationCancelled
	// ElicitationSuperseded means a different provider, or a newer request, took over.
	ElicitationSuperseded
	// ElicitationAbandoned means the provider was released or the request was cancelled.
	ElicitationAbandoned
)

var declineResult = ElicitResult{Action: ElicitActionDecline}

// Elicit implements ElicitationProvider.
func (f ElicitationProviderFunc) Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error) {
	return f(ctx, params)
}

// ParseElicitAction parses an action case-insensitively, ignoring surrounding whitespace. Any
// value other than accept, decline or cancel fails with ErrInvalidElicitationAction.
func ParseElicitAction(s string) (ElicitAction, error) {
	switch a := ElicitAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ElicitActionAccept, ElicitActionDecline, ElicitActionCancel:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidElicitationAction, s)
	}
}

// ParseElicitResult decodes a peer's answer to elicitation/create. An unknown action is an
// error rather than a decline. An accept without content becomes a decline, and decline or
// cancel answers lose any content they carried.
func ParseElicitResult(raw json.RawMessage) (ElicitResult, error) {
	var wire struct {
		Action  string         `json:"action"`
		Content map[string]any `json:"content"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ElicitResult{}, fmt.Errorf("failed to unmarshal elicitation result: %w", err)
	}
	action, err := ParseElicitAction(wire.Action)
	if err != nil {
		return ElicitResult{}, err
	}
	res, _ := normalizeElicitResult(ElicitResult{Action: action, Content: wire.Content})
	return res, nil
}

// normalizeElicitResult reports false when an accept had to be turned into a decline.
func normalizeElicitResult(res ElicitResult) (ElicitResult, bool) {
	switch res.Action {
	case ElicitActionAccept:
		if len(res.Content) == 0 {
			return declineResult, false
		}
		return res, true
	default:
		return ElicitResult{Action: res.Action}, true
	}
}

func (s ElicitationStatus) String() string {
	switch s {
	case ElicitationPending:
		return "pending"
	case ElicitationAccepted:
		return "accepted"
	case ElicitationDeclined:
		return "declined"
	case ElicitationCancelled:
		return "cancelled"
	case ElicitationSuperseded:
		return "superseded"
	case ElicitationAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// NewElicitationCoordinator creates a coordinator with no provider installed.
func NewElicitationCoordinator(logger *slog.Logger) *ElicitationCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ElicitationCoordinator{
		logger: logger.With(slog.String("component", "elicitation")),
	}
}

// SetProvider installs the provider that answers future elicitations. Replacing a different
// provider while an exchange is pending resolves that exchange as a decline.
func (c *ElicitationCoordinator) SetProvider(p ElicitationProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.provider = p
	if c.live != nil && !sameProvider(c.live.provider, p) {
		c.logger.Info("elicitation provider replaced while an exchange was pending",
			slog.String("requestID", c.live.request.ID.String()))
		c.resolveLocked(c.live, ElicitationSuperseded, declineResult)
		c.live = nil
	}
}

// ReleaseProvider detaches the current provider. A pending exchange resolves as a decline.
func (c *ElicitationCoordinator) ReleaseProvider() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.provider = nil
	if c.live != nil {
		c.resolveLocked(c.live, ElicitationAbandoned, declineResult)
		c.live = nil
	}
}

// HandleAsync answers one elicitation request. Without a provider it declines at once.
// Otherwise it waits for the provider, for the exchange to be superseded or abandoned, or for
// ctx to end; in the last case it returns ErrRequestCancelled.
func (c *ElicitationCoordinator) HandleAsync(ctx context.Context, req ElicitationRequest) (ElicitResult, error) {
	c.mu.Lock()
	if c.provider == nil {
		c.mu.Unlock()
		c.logger.Debug("no elicitation provider installed, declining",
			slog.String("requestID", req.ID.String()))
		return declineResult, nil
	}
	if c.live != nil {
		c.logger.Info("newer elicitation supersedes pending exchange",
			slog.String("pendingID", c.live.request.ID.String()),
			slog.String("requestID", req.ID.String()))
		c.resolveLocked(c.live, ElicitationSuperseded, declineResult)
	}
	providerCtx, cancel := context.WithCancel(ctx)
	ex := &elicitationExchange{
		request:   req,
		provider:  c.provider,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.live = ex
	c.mu.Unlock()

	go c.ask(providerCtx, ex)

	var err error
	select {
	case <-ex.done:
	case <-ctx.Done():
		c.mu.Lock()
		if c.resolveLocked(ex, ElicitationAbandoned, ElicitResult{Action: ElicitActionCancel}) {
			err = fmt.Errorf("%w: elicitation %s: %w", ErrRequestCancelled, req.ID, ctx.Err())
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == ex {
		c.live = nil
	}
	if err != nil {
		return ElicitResult{}, err
	}
	return ex.result, nil
}

// Pending returns the exchange currently waiting on the provider, if any.
func (c *ElicitationCoordinator) Pending() (ElicitationSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == nil {
		return ElicitationSnapshot{}, false
	}
	return ElicitationSnapshot{
		RequestID: c.live.request.ID,
		Params:    c.live.request.Params,
		Status:    c.live.status,
		StartedAt: c.live.startedAt,
	}, true
}

func (c *ElicitationCoordinator) ask(ctx context.Context, ex *elicitationExchange) {
	res, err := ex.provider.Elicit(ctx, ex.request.Params)

	status, result := ElicitationCancelled, ElicitResult{Action: ElicitActionCancel}
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("elicitation provider failed, cancelling",
				slog.String("requestID", ex.request.ID.String()),
				slog.String("err", err.Error()))
		}
	} else {
		status, result = c.classify(ex.request.ID, res)
	}

	c.mu.Lock()
	c.resolveLocked(ex, status, result)
	c.mu.Unlock()
}

func (c *ElicitationCoordinator) classify(id RequestID, res ElicitResult) (ElicitationStatus, ElicitResult) {
	action, err := ParseElicitAction(string(res.Action))
	if err != nil {
		c.logger.Warn("elicitation provider answered with an unknown action, declining",
			slog.String("requestID", id.String()),
			slog.String("err", fmt.Errorf("%w: %w", ErrProviderContractViolation, err).Error()))
		return ElicitationDeclined, declineResult
	}
	res.Action = action

	res, ok := normalizeElicitResult(res)
	if !ok {
		c.logger.Warn("elicitation provider accepted without content, declining",
			slog.String("requestID", id.String()),
			slog.String("err", ErrProviderContractViolation.Error()))
	}

	switch res.Action {
	case ElicitActionAccept:
		return ElicitationAccepted, res
	case ElicitActionDecline:
		return ElicitationDeclined, res
	default:
		return ElicitationCancelled, res
	}
}

// resolveLocked moves a pending exchange to its final status. It reports false when the
// exchange was already resolved. c.mu must be held.
func (c *ElicitationCoordinator) resolveLocked(ex *elicitationExchange, status ElicitationStatus, res ElicitResult) bool {
	if ex.status != ElicitationPending {
		return false
	}
	ex.status = status
	ex.result = res
	ex.cancel()
	close(ex.done)
	return true
}

// sameProvider compares providers without panicking on uncomparable dynamic types such as
// function adapters, which are always treated as different.
func sameProvider(a, b ElicitationProvider) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
