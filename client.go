package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client that enables communication
// between LLM applications and external data sources and tools. It manages the
// connection lifecycle, handles protocol messages, and provides access to MCP
// server capabilities.
//
// Besides calling the server, the client answers the requests the server sends back to it:
// elicitations through an installable ElicitationProvider, argument completions through a
// CompletionHandler, roots listing and sampling through their handlers.
//
// A Client must be created using NewClient() and requires Connect() to be called
// before any operations can be performed. The client should be properly closed
// using Close() when it's no longer needed.
type Client struct {
	capabilities ClientCapabilities
	info         Info
	transport    ClientTransport

	rootsListHandler  RootsListHandler
	samplingHandler   SamplingHandler
	completionHandler CompletionHandler
	progressListener  ProgressListener

	elicitation         *ElicitationCoordinator
	elicitationProvider ElicitationProvider

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int

	logger *slog.Logger

	session  Session
	registry *requestRegistry
	gate     *CapabilityGate

	initialized atomic.Bool
	infoMu      sync.RWMutex
	serverInfo  Info

	baseCtx    context.Context
	baseCancel context.CancelFunc
	handlers   sync.WaitGroup
	inflightMu sync.Mutex
	inflight   map[RequestID]context.CancelFunc

	stopOnce   sync.Once
	closed     chan struct{}
	listenDone chan struct{}
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second
	defaultClientPingTimeout  = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3

	errClientNotInitialized = errors.New("client not initialized")
)

// WithRootsListHandler sets the roots list handler for the client.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithSamplingHandler sets the sampling handler for the client.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithElicitationProvider advertises elicitation support and installs the provider that
// answers the server's elicitations. The provider can be swapped later with
// SetElicitationProvider.
func WithElicitationProvider(provider ElicitationProvider) ClientOption {
	return func(c *Client) {
		c.elicitationProvider = provider
	}
}

// WithCompletionHandler advertises completion support and sets the handler that answers the
// server's completion/complete requests.
func WithCompletionHandler(handler CompletionHandler) ClientOption {
	return func(c *Client) {
		c.completionHandler = handler
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long a request to the server waits for its response.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeout sets how long the client waits for the server to answer a ping.
func WithClientPingTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.pingTimeout = timeout
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping timeouts exceeds the threshold, the client will close the session.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp-duplex"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new Model Context Protocol (MCP) client with the specified configuration.
//
// The info parameter provides client identification and version information. The transport
// parameter defines how the client communicates with the server. The capabilities the client
// advertises follow from the handlers configured through options.
//
// The client will not be connected until Connect() is called.
func NewClient(
	info Info,
	transport ClientTransport,
	options ...ClientOption,
) *Client {
	c := &Client{
		info:       info,
		transport:  transport,
		logger:     slog.Default(),
		gate:       &CapabilityGate{},
		inflight:   make(map[RequestID]context.CancelFunc),
		closed:     make(chan struct{}),
		listenDone: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeout == 0 {
		c.pingTimeout = defaultClientPingTimeout
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	c.elicitation = NewElicitationCoordinator(c.logger)
	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())

	c.capabilities = ClientCapabilities{}

	if c.rootsListHandler != nil {
		c.capabilities.Roots = &RootsCapability{}
	}
	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}
	if c.elicitationProvider != nil {
		c.capabilities.Elicitation = &ElicitationCapability{}
		c.elicitation.SetProvider(c.elicitationProvider)
	}
	if c.completionHandler != nil {
		c.capabilities.Completions = &CompletionsCapability{}
	}

	return c
}

// Connect establishes a session with the MCP server and initializes the protocol handshake.
// It starts background routines for message handling and server health checks through periodic pings.
//
// The initialization process verifies protocol version compatibility and records the features
// both sides agreed on. Connect returns once the client has sent notifications/initialized, and
// must be called once, before any other client method.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess
	c.logger = c.logger.With(slog.String("sessionID", sess.ID()))
	c.registry = newRequestRegistry(c.send, "", c.readTimeout, c.logger)

	go c.listen()

	res, err := c.registry.Send(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		c.stop()
		return fmt.Errorf("failed to send initialize request: %w", err)
	}
	result, err := decodeResult[initializeResult](res)
	if err != nil {
		c.stop()
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		c.stop()
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}

	local := []Feature{FeatureTools, FeaturePrompts, FeatureResources}
	agreed, err := c.gate.Negotiate(local, result.Capabilities.Features())
	if err != nil {
		c.stop()
		return fmt.Errorf("failed to negotiate capabilities: %w", err)
	}
	c.infoMu.Lock()
	c.serverInfo = result.ServerInfo
	c.infoMu.Unlock()

	msg, err := newNotification(methodNotificationsInitialized, nil)
	if err != nil {
		c.stop()
		return err
	}
	if err := c.send(ctx, msg); err != nil {
		c.stop()
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.initialized.Store(true)
	c.logger.Info("connected to server",
		slog.String("server", result.ServerInfo.Name),
		slog.Any("features", agreed))

	go c.pings()

	return nil
}

// ServerInfo returns the server's name and version as reported during initialization.
func (c *Client) ServerInfo() Info {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.serverInfo
}

// IsAvailable reports whether the server agreed to the feature during initialization.
func (c *Client) IsAvailable(f Feature) bool {
	return c.gate.IsAvailable(f)
}

// SetElicitationProvider replaces the provider that answers elicitations. An exchange pending
// on a different provider resolves as a decline.
func (c *Client) SetElicitationProvider(provider ElicitationProvider) {
	c.elicitation.SetProvider(provider)
}

// ReleaseElicitationProvider detaches the provider; later elicitations are declined.
func (c *Client) ReleaseElicitationProvider() {
	c.elicitation.ReleaseProvider()
}

// PendingElicitation returns the elicitation currently waiting on the provider, if any.
func (c *Client) PendingElicitation() (ElicitationSnapshot, bool) {
	return c.elicitation.Pending()
}

// ListPrompts retrieves a paginated list of available prompts from the server.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// request will be sent to the server to stop processing.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	return callServer[ListPromptResult](ctx, c, FeaturePrompts, MethodPromptsList, params)
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	return callServer[GetPromptResult](ctx, c, FeaturePrompts, MethodPromptsGet, params)
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	return callServer[ListResourcesResult](ctx, c, FeatureResources, MethodResourcesList, params)
}

// ReadResource retrieves the content of a specific resource by its URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	return callServer[ReadResourceResult](ctx, c, FeatureResources, MethodResourcesRead, params)
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	return callServer[ListToolsResult](ctx, c, FeatureTools, MethodToolsList, params)
}

// CallTool executes a specific tool on the server. While the tool runs, the server may call
// back into this client for elicitations or completions; those are answered concurrently.
//
// A tool that fails is reported through the IsError flag of the result, not as an error.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	return callServer[CallToolResult](ctx, c, FeatureTools, MethodToolsCall, params)
}

// Ping checks that the server is still answering.
func (c *Client) Ping(ctx context.Context) error {
	if !c.initialized.Load() {
		return errClientNotInitialized
	}
	res, err := c.registry.Send(ctx, methodPing, nil)
	if err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("error response: %w", *res.Error)
	}
	return nil
}

// Close ends the session. Requests still waiting for the server fail with ErrConnectionClosed
// and handlers answering the server are cancelled.
func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	c.stop()
	<-c.listenDone
	return nil
}

func callServer[T any](ctx context.Context, c *Client, feature Feature, method string, params any) (T, error) {
	var zero T
	if !c.initialized.Load() {
		return zero, errClientNotInitialized
	}
	if err := c.gate.Require(feature); err != nil {
		return zero, fmt.Errorf("%s not supported by server: %w", feature, err)
	}

	res, err := c.registry.Send(ctx, method, params)
	if err != nil {
		return zero, err
	}
	return decodeResult[T](res)
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		close(c.closed)
		c.session.Stop()
	})
}

func (c *Client) send(ctx context.Context, msg JSONRPCMessage) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	return c.session.Send(ctx, msg)
}

func (c *Client) listen() {
	defer close(c.listenDone)

	// This loop would break when the session is closed, by us or by the server.
	for msg := range c.session.Messages() {
		switch msg.Kind() {
		case KindResponse:
			_ = c.registry.Resolve(msg)
		case KindNotification:
			c.handleNotification(msg)
		case KindRequest:
			c.dispatch(msg)
		default:
			c.logger.Info("dropping invalid message", slog.Any("message", msg))
		}
	}

	n := c.registry.DrainOnDisconnect()
	c.logger.Info("session ended", slog.Int("drainedRequests", n))

	c.elicitation.ReleaseProvider()
	c.baseCancel()
	c.handlers.Wait()
	c.stop()
}

func (c *Client) pings() {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0

	for {
		if failedPings > c.pingTimeoutThreshold {
			c.logger.Warn("too many pings failed, closing session")
			c.stop()
			return
		}

		select {
		case <-c.closed:
			return
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(c.baseCtx, c.pingTimeout)
		if err := c.Ping(ctx); err != nil {
			c.logger.Warn("failed to ping server", slog.String("err", err.Error()))
			failedPings++
		} else {
			failedPings = 0
		}
		cancel()
	}
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal cancellation", slog.String("err", err.Error()))
			return
		}
		c.inflightMu.Lock()
		cancel, ok := c.inflight[params.RequestID]
		c.inflightMu.Unlock()
		if ok {
			cancel()
		}
	case methodNotificationsProgress:
		if c.progressListener == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal progress", slog.String("err", err.Error()))
			return
		}
		c.progressListener.OnProgress(params)
	default:
		c.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

// dispatch answers a server request in its own goroutine, so an elicitation that waits on a
// user never blocks the responses the pending CallTool is waiting for.
func (c *Client) dispatch(msg JSONRPCMessage) {
	ctx, cancel := context.WithCancel(c.baseCtx)

	c.inflightMu.Lock()
	c.inflight[msg.ID] = cancel
	c.inflightMu.Unlock()

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		defer func() {
			c.inflightMu.Lock()
			delete(c.inflight, msg.ID)
			c.inflightMu.Unlock()
			cancel()
		}()

		result, err := c.handleRequest(ctx, msg)
		if ctx.Err() != nil {
			return
		}
		c.reply(msg.ID, result, err)
	}()
}

func (c *Client) handleRequest(ctx context.Context, msg JSONRPCMessage) (any, error) {
	switch msg.Method {
	case methodPing:
		return nil, nil
	case MethodElicitationCreate:
		return c.handleElicitation(ctx, msg)
	case MethodCompletionComplete:
		return c.handleCompletion(ctx, msg)
	case MethodRootsList:
		if c.rootsListHandler == nil {
			return nil, JSONRPCError{Code: CodeMethodNotFound, Message: "roots list not supported by client"}
		}
		roots, err := c.rootsListHandler.RootsList(ctx)
		if err != nil {
			return nil, internalError("list roots", err)
		}
		return roots, nil
	case MethodSamplingCreateMessage:
		if c.samplingHandler == nil {
			return nil, JSONRPCError{Code: CodeMethodNotFound, Message: "sampling not supported by client"}
		}
		params, err := unmarshalParams[SamplingParams](msg)
		if err != nil {
			return nil, err
		}
		result, err := c.samplingHandler.CreateSampleMessage(ctx, params)
		if err != nil {
			return nil, internalError("create sample message", err)
		}
		return result, nil
	default:
		return nil, JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}
}

func (c *Client) handleElicitation(ctx context.Context, msg JSONRPCMessage) (any, error) {
	params, err := unmarshalParams[ElicitParams](msg)
	if err != nil {
		return nil, err
	}
	result, err := c.elicitation.HandleAsync(ctx, ElicitationRequest{ID: msg.ID, Params: params})
	if err != nil {
		return nil, internalError("elicit", err)
	}
	return result, nil
}

func (c *Client) handleCompletion(ctx context.Context, msg JSONRPCMessage) (any, error) {
	if c.completionHandler == nil {
		return nil, JSONRPCError{Code: CodeMethodNotFound, Message: "completion not supported by client"}
	}
	req, err := unmarshalParams[CompletionRequest](msg)
	if err != nil {
		return nil, err
	}
	result, err := c.completionHandler.Complete(ctx, req)
	if err != nil {
		return nil, internalError("complete", err)
	}
	if result.Values == nil {
		result.Values = []string{}
	}
	return result, nil
}

func (c *Client) reply(id RequestID, result any, err error) {
	var msg JSONRPCMessage
	if err != nil {
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: CodeInternalError, Message: err.Error()}
		}
		msg = newErrorResponse(id, jsonErr.Code, jsonErr.Message)
		msg.Error.Data = jsonErr.Data
	} else {
		var mErr error
		msg, mErr = newResult(id, result)
		if mErr != nil {
			msg = newErrorResponse(id, CodeInternalError, mErr.Error())
		}
	}

	if err := c.send(context.Background(), msg); err != nil {
		c.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}
