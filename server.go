package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server. It accepts sessions from its
// transport, performs the initialize handshake with each client, routes client requests to the
// configured prompt, resource and tool servers, and lets handler code call back into the
// client that invoked it through Elicit and RequestCompletions.
type Server struct {
	info Info

	instructions               string
	capabilities               ServerCapabilities
	requiredClientCapabilities ClientCapabilities
	transport                  ServerTransport

	requireRootsListClient   bool
	requireSamplingClient    bool
	requireElicitationClient bool

	promptServer   PromptServer
	resourceServer ResourceServer
	toolServer     ToolServer

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
	requestTimeout       time.Duration
	requestIDPrefix      string
	maxSessions          int

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessions *sync.Map // map[sessionID]*ServerSession

	done      chan struct{}
	closeDone *sync.Once
	served    chan struct{}
}

type serverSession struct {
	*ServerSession

	serverCap         ServerCapabilities
	requiredClientCap ClientCapabilities
	serverInfo        Info
	instructions      string

	pingInterval         time.Duration
	pingTimeoutThreshold int
	pingTimeout          time.Duration

	promptServer   PromptServer
	resourceServer ResourceServer
	toolServer     ToolServer

	onInitialized func(Info)

	// The handlers of the client's requests run under baseCtx, so ending the session cancels
	// all of them. inflight lets a notifications/cancelled reach one of them.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	handlers   *sync.WaitGroup
	inflightMu *sync.Mutex
	inflight   map[RequestID]context.CancelFunc
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
	defaultServerRequestTimeout       = 5 * time.Minute

	errSessionNotInitialized = errors.New("session not initialized")
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		sessions:  new(sync.Map),
		done:      make(chan struct{}),
		closeDone: &sync.Once{},
		served:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.requestTimeout == 0 {
		s.requestTimeout = defaultServerRequestTimeout
	}

	// Prepares the server's capabilities based on the provided server implementations.

	s.capabilities = ServerCapabilities{}

	if s.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{}
	}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}

	s.requiredClientCapabilities = ClientCapabilities{}

	if s.requireRootsListClient {
		s.requiredClientCapabilities.Roots = &RootsCapability{}
	}
	if s.requireSamplingClient {
		s.requiredClientCapabilities.Sampling = &SamplingCapability{}
	}
	if s.requireElicitationClient {
		s.requiredClientCapabilities.Elicitation = &ElicitationCapability{}
	}

	return s
}

// WithRequireRootsListClient returns a ServerOption that requires the client to support roots list capability.
func WithRequireRootsListClient() ServerOption {
	return func(s *Server) {
		s.requireRootsListClient = true
	}
}

// WithRequireSamplingClient returns a ServerOption that requires the client to support sampling capability.
func WithRequireSamplingClient() ServerOption {
	return func(s *Server) {
		s.requireSamplingClient = true
	}
}

// WithRequireElicitationClient returns a ServerOption that rejects clients that cannot answer elicitations.
func WithRequireElicitationClient() ServerOption {
	return func(s *Server) {
		s.requireElicitationClient = true
	}
}

// WithPromptServer returns a ServerOption that configures the prompt server implementation.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerRequestTimeout caps how long a request sent to a client, such as an elicitation,
// waits for its answer.
func WithServerRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithServerRequestIDPrefix makes the ids of requests sent to clients strings of the form
// prefix+counter instead of bare integers.
func WithServerRequestIDPrefix(prefix string) ServerOption {
	return func(s *Server) {
		s.requestIDPrefix = prefix
	}
}

// WithServerMaxSessions limits how many sessions are served at once. A session arriving while
// the limit is reached is stopped without being served.
func WithServerMaxSessions(n int) ServerOption {
	return func(s *Server) {
		s.maxSessions = n
	}
}

// WithServerOnClientConnected sets the callback for when a client completes initialization.
// The callback's parameter is the ID and Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp-duplex"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts sessions from the transport and serves each one in its own goroutine.
//
// Serve blocks until the transport stops yielding sessions and every session has ended.
func (s Server) Serve() error {
	defer close(s.served)

	var g errgroup.Group
	if s.maxSessions > 0 {
		g.SetLimit(s.maxSessions)
	}

	// This loop would break when the transport is closed. It must not block on the session
	// limit: the transport may route messages for live sessions from the same goroutine.
	for sess := range s.transport.Sessions() {
		ss := s.newSession(sess)
		s.sessions.Store(ss.id, ss.ServerSession)

		started := g.TryGo(func() error {
			defer s.sessions.Delete(ss.id)

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.id)
			}
			return nil
		})
		if !started {
			s.sessions.Delete(ss.id)
			ss.baseCancel()
			s.logger.Warn("session limit reached, refusing session",
				slog.String("sessionID", ss.id), slog.Int("maxSessions", s.maxSessions))
			go refuseSession(sess)
		}
	}

	return g.Wait()
}

// refuseSession stops a session that was never served. Messages is drained so Stop can return.
func refuseSession(sess Session) {
	go func() {
		for range sess.Messages() {
		}
	}()
	sess.Stop()
}

// Shutdown gracefully shuts down the server by terminating all active clients and cleaning up resources.
// It returns an error if the shutdown process fails or if the context is cancelled before the shutdown completes.
// Calling Shutdown again waits for the same shutdown.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	s.closeDone.Do(func() { close(s.done) })

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-s.served:
	}

	return nil
}

// Session returns the live session with the given id.
func (s Server) Session(id string) (*ServerSession, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*ServerSession), true
}

// Elicit asks the user of the client whose tool call is running in ctx for structured input.
// It fails with ErrSessionNotFound when ctx carries no invocation or the session has ended.
func (s Server) Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error) {
	sess, err := s.invokingSession(ctx)
	if err != nil {
		return ElicitResult{}, err
	}
	return sess.Elicit(ctx, params)
}

// RequestCompletions asks the client whose tool call is running in ctx for argument suggestions.
func (s Server) RequestCompletions(ctx context.Context, req CompletionRequest) (Completions, error) {
	sess, err := s.invokingSession(ctx)
	if err != nil {
		return Completions{}, err
	}
	return sess.RequestCompletions(ctx, req)
}

// InvokeTool runs another tool on behalf of the invocation in ctx, in the same session. The
// nested call sees the same session id; when it returns, ctx is unchanged.
func (s Server) InvokeTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, errors.New("tools not supported by server")
	}
	sess, err := s.invokingSession(ctx)
	if err != nil {
		return CallToolResult{}, err
	}
	nested, err := PushInvocation(ctx, sess.ID())
	if err != nil {
		return CallToolResult{}, err
	}
	return s.toolServer.CallTool(nested, params, func(ProgressParams) {})
}

func (s Server) invokingSession(ctx context.Context) (*ServerSession, error) {
	id, ok := CurrentSessionID(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: no session bound to this invocation", ErrSessionNotFound)
	}
	sess, ok := s.Session(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func (s Server) newSession(sess Session) serverSession {
	logger := s.logger.With(slog.String("sessionID", sess.ID()))
	baseCtx, baseCancel := context.WithCancel(context.Background())

	ss := serverSession{
		ServerSession:        newServerSession(sess, logger, s.sendTimeout, s.requestTimeout, s.requestIDPrefix),
		serverCap:            s.capabilities,
		requiredClientCap:    s.requiredClientCapabilities,
		serverInfo:           s.info,
		instructions:         s.instructions,
		pingInterval:         s.pingInterval,
		pingTimeout:          s.pingTimeout,
		pingTimeoutThreshold: s.pingTimeoutThreshold,
		promptServer:         s.promptServer,
		resourceServer:       s.resourceServer,
		toolServer:           s.toolServer,
		baseCtx:              baseCtx,
		baseCancel:           baseCancel,
		handlers:             &sync.WaitGroup{},
		inflightMu:           &sync.Mutex{},
		inflight:             make(map[RequestID]context.CancelFunc),
	}
	if s.onClientConnected != nil {
		ss.onInitialized = func(info Info) {
			s.onClientConnected(sess.ID(), info)
		}
	}
	return ss
}

func (s serverSession) start(done <-chan struct{}) {
	loopDone := make(chan struct{})
	lifetimeDone := make(chan struct{})

	// The keepalive goroutine owns the call to Stop: it fires when the server shuts down, when
	// the client stops answering pings, or after the message loop ends on its own.
	go func() {
		defer close(lifetimeDone)
		defer s.session.Stop()
		s.keepAlive(done, loopDone)
	}()

	s.listen()

	// Nothing can answer the requests we sent anymore, and nobody will read the answers to the
	// requests we received.
	s.registry.DrainOnDisconnect()
	s.baseCancel()
	s.handlers.Wait()

	close(loopDone)
	<-lifetimeDone
}

func (s serverSession) listen() {
	// This flag indicates whether we already established the session with the client.
	// Before this flag is set to true, other than ping and initialization message,
	// we reject any other requests from the client.
	initialized := false

	// This loops would break when the session is closed
	for msg := range s.session.Messages() {
		switch msg.Kind() {
		case KindResponse:
			// Answers to requests we issued: elicitations, completions, pings. Unknown ids are
			// logged by the registry and otherwise ignored.
			_ = s.registry.Resolve(msg)
		case KindNotification:
			switch msg.Method {
			case methodNotificationsInitialized:
				if !s.gate.Negotiated() {
					s.logger.Warn("client sent initialized before initialize")
					continue
				}
				initialized = true
				if s.onInitialized != nil {
					s.onInitialized(s.ClientInfo())
				}
			case methodNotificationsCancelled:
				s.cancelInflight(msg)
			default:
				s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
			}
		case KindRequest:
			switch msg.Method {
			case methodPing:
				s.reply(msg.ID, nil, nil)
			case methodInitialize:
				// Negotiation runs inline so no later message is processed against an
				// unsettled capability set.
				s.handleInitializeRequest(msg)
			case MethodPromptsList, MethodPromptsGet, MethodResourcesList, MethodResourcesRead,
				MethodToolsList, MethodToolsCall:
				if !initialized {
					s.reply(msg.ID, nil, JSONRPCError{
						Code:    CodeInvalidRequest,
						Message: errSessionNotInitialized.Error(),
					})
					continue
				}
				// All the method above required us to call the server implementation, and all the call is cancellable,
				// so we need to register it to the map, so we can cancel it if the client requests it.
				s.dispatch(msg)
			default:
				s.reply(msg.ID, nil, JSONRPCError{
					Code:    CodeMethodNotFound,
					Message: fmt.Sprintf("method not found: %s", msg.Method),
				})
			}
		default:
			s.logger.Info("dropping invalid message", slog.Any("message", msg))
		}
	}
}

func (s serverSession) keepAlive(done <-chan struct{}, loopDone <-chan struct{}) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case <-loopDone:
			return
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(s.baseCtx, s.pingTimeout)
		if err := s.Ping(ctx); err != nil {
			s.logger.Warn("failed to ping client", slog.String("err", err.Error()))
			failedPings++
		} else {
			failedPings = 0
		}
		cancel()
	}
}

func (s serverSession) handleInitializeRequest(msg JSONRPCMessage) {
	res, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		// Initialization failed, send the error to the client to notify them to close the session.
		s.reply(msg.ID, nil, err)
		return
	}
	s.reply(msg.ID, res, nil)
}

func (s serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, error) {
	if s.gate.Negotiated() {
		return initializeResult{}, JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: "session already initialized",
		}
	}

	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	for _, f := range s.requiredClientCap.Features() {
		if !slices.Contains(params.Capabilities.Features(), f) {
			return initializeResult{}, JSONRPCError{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("insufficient client capabilities: missing required capability '%s'", f),
			}
		}
	}

	// The server is prepared to call every client feature; what is available is whatever the
	// client advertised.
	local := []Feature{FeatureElicitation, FeatureCompletion, FeatureRoots, FeatureSampling}
	agreed, err := s.gate.Negotiate(local, params.Capabilities.Features())
	if err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: err.Error(),
		}
	}
	s.setClientInfo(params.ClientInfo)
	s.logger.Info("client initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.Any("features", agreed))

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, nil
}

func (s serverSession) dispatch(msg JSONRPCMessage) {
	ctx, cancel := context.WithCancel(s.baseCtx)

	s.inflightMu.Lock()
	s.inflight[msg.ID] = cancel
	s.inflightMu.Unlock()

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, msg.ID)
			s.inflightMu.Unlock()
			cancel()
		}()

		s.handleServerImplementationMessage(ctx, msg)
	}()
}

func (s serverSession) cancelInflight(msg JSONRPCMessage) {
	var params notificationsCancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Warn("failed to unmarshal cancellation", slog.String("err", err.Error()))
		return
	}

	s.inflightMu.Lock()
	cancel, ok := s.inflight[params.RequestID]
	s.inflightMu.Unlock()

	if !ok {
		return
	}
	s.logger.Debug("client cancelled request",
		slog.String("id", params.RequestID.String()),
		slog.String("reason", params.Reason))
	cancel()
}

func (s serverSession) handleServerImplementationMessage(ctx context.Context, msg JSONRPCMessage) {
	// This variables is used to store all the result from the server implementation
	// to be sent back to the client below.
	var result any
	// The err is should always an instance of JSONRPCError, we declare it as an error type,
	// is for the nil-check feature.
	var err error

	switch msg.Method {
	case MethodPromptsList:
		result, err = s.callListPrompts(ctx, msg)
	case MethodPromptsGet:
		result, err = s.callGetPrompt(ctx, msg)
	case MethodResourcesList:
		result, err = s.callListResources(ctx, msg)
	case MethodResourcesRead:
		result, err = s.callReadResource(ctx, msg)
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	default:
		return
	}

	// A cancelled request gets no answer: either the client asked for that, or the session is gone.
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		s.logger.Error("failed to call server implementation",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
	s.reply(msg.ID, result, err)
}

// reply sends the response to a client request. A non-nil err that is not a JSONRPCError is
// reported as an internal error.
func (s serverSession) reply(id RequestID, result any, err error) {
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

	if err := s.send(context.Background(), msg); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s serverSession) progressReporter(token RequestID) ProgressReporter {
	return func(params ProgressParams) {
		if token.IsZero() {
			return
		}
		params.ProgressToken = token

		msg, err := newNotification(methodNotificationsProgress, params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", "err", err)
			return
		}
		if err := s.send(context.Background(), msg); err != nil {
			s.logger.Error("failed to send message", "err", err)
		}
	}
}

func unmarshalParams[T any](msg JSONRPCMessage) (T, error) {
	var params T
	if len(msg.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return params, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	return params, nil
}

func notSupported(feature string) JSONRPCError {
	return JSONRPCError{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("%s not supported by server", feature),
	}
}

// internalError reports a handler failure. Data attached by a handler's own JSONRPCError is kept.
func internalError(action string, err error) JSONRPCError {
	jsonErr := JSONRPCError{
		Code:    CodeInternalError,
		Message: fmt.Errorf("failed to %s: %w", action, err).Error(),
	}
	var handlerErr JSONRPCError
	if errors.As(err, &handlerErr) {
		jsonErr.Data = handlerErr.Data
	}
	return jsonErr
}

func (s serverSession) callListPrompts(ctx context.Context, msg JSONRPCMessage) (ListPromptResult, error) {
	if s.promptServer == nil {
		return ListPromptResult{}, notSupported("prompts")
	}
	params, err := unmarshalParams[ListPromptsParams](msg)
	if err != nil {
		return ListPromptResult{}, err
	}
	ps, err := s.promptServer.ListPrompts(ctx, params, s.progressReporter(params.Meta.ProgressToken))
	if err != nil {
		return ListPromptResult{}, internalError("list prompts", err)
	}
	return ps, nil
}

func (s serverSession) callGetPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	if s.promptServer == nil {
		return GetPromptResult{}, notSupported("prompts")
	}
	params, err := unmarshalParams[GetPromptParams](msg)
	if err != nil {
		return GetPromptResult{}, err
	}
	p, err := s.promptServer.GetPrompt(ctx, params, s.progressReporter(params.Meta.ProgressToken))
	if err != nil {
		return GetPromptResult{}, internalError("get prompt", err)
	}
	return p, nil
}

func (s serverSession) callListResources(ctx context.Context, msg JSONRPCMessage) (ListResourcesResult, error) {
	if s.resourceServer == nil {
		return ListResourcesResult{}, notSupported("resources")
	}
	params, err := unmarshalParams[ListResourcesParams](msg)
	if err != nil {
		return ListResourcesResult{}, err
	}
	rs, err := s.resourceServer.ListResources(ctx, params, s.progressReporter(params.Meta.ProgressToken))
	if err != nil {
		return ListResourcesResult{}, internalError("list resources", err)
	}
	return rs, nil
}

func (s serverSession) callReadResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	if s.resourceServer == nil {
		return ReadResourceResult{}, notSupported("resources")
	}
	params, err := unmarshalParams[ReadResourceParams](msg)
	if err != nil {
		return ReadResourceResult{}, err
	}
	r, err := s.resourceServer.ReadResource(ctx, params, s.progressReporter(params.Meta.ProgressToken))
	if err != nil {
		return ReadResourceResult{}, internalError("read resource", err)
	}
	return r, nil
}

func (s serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, notSupported("tools")
	}
	params, err := unmarshalParams[ListToolsParams](msg)
	if err != nil {
		return ListToolsResult{}, err
	}
	ts, err := s.toolServer.ListTools(ctx, params, s.progressReporter(params.Meta.ProgressToken))
	if err != nil {
		return ListToolsResult{}, internalError("list tools", err)
	}
	return ts, nil
}

func (s serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, notSupported("tools")
	}
	params, err := unmarshalParams[CallToolParams](msg)
	if err != nil {
		return CallToolResult{}, err
	}

	// Bind the session to the invocation so tool code can call back into this client.
	ctx, err = PushInvocation(ctx, s.id)
	if err != nil {
		return CallToolResult{}, internalError("bind invocation", err)
	}

	result, err := s.toolServer.CallTool(ctx, params, s.progressReporter(params.Meta.ProgressToken))
	if err != nil {
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}

	return result, nil
}
