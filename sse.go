package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST endpoints.
//
// The server provides connection management, message distribution, and session tracking
// capabilities through its HandleSSE and HandleMessage http.Handlers. These handlers can
// be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and properly shut down using Shutdown when
// no longer needed.
type SSEServer struct {
	messageURL     string
	logger         *slog.Logger
	maxMessageSize int64

	sessions         chan sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done      chan struct{}
	closeDone *sync.Once
	closed    chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. Each StartSession opens a
// new event stream for server-to-client traffic and posts client-to-server messages to the
// endpoint the server announces. Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	done           chan struct{}
	disconnected   chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
	errs   chan error
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	messages     chan JSONRPCMessage
	cancelStream context.CancelFunc
	done         chan struct{}
	listenClosed chan struct{}
}

var defaultSSEServerMaxMessageSize int64 = 4 << 20

// NewSSEServer creates and initializes a new SSE server that tells its clients to post
// messages to messageURL. The returned SSEServer must be shut down using Shutdown when no
// longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		maxMessageSize:   defaultSSEServerMaxMessageSize,
		sessions:         make(chan sseServerSession),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closeDone:        &sync.Once{},
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp-duplex"),
			slog.String("component", "sse-server"),
		)
	}
}

// WithSSEServerMaxMessageSize limits the size of the body HandleMessage accepts.
func WithSSEServerMaxMessageSize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxMessageSize = size
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "mcp-duplex"),
			slog.String("component", "sse-client"),
		)
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields new
// Session instances as clients connect to the server. Use this method to access and
// interact with connected clients through the Session interface.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				// Received a new session from handler.

				// Process send messages for this session in a separate goroutine
				go sess.processSendMessages()

				// Store the session in the map.
				sessionsMap[sess.id] = sess

				// Forward the session to the caller.
				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				// Received a session ID to remove from the sessions map.
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					msg.errs <- fmt.Errorf("%w: %s", ErrSessionNotFound, msg.sessID)
					continue
				}

				// A session that is going away drops the message.
				select {
				case <-session.done:
					msg.errs <- ErrConnectionClosed
					continue
				case <-session.disconnected:
					msg.errs <- ErrConnectionClosed
					continue
				default:
				}

				select {
				case <-s.done:
					msg.errs <- ErrConnectionClosed
					return
				case <-session.done:
					msg.errs <- ErrConnectionClosed
				case <-session.disconnected:
					msg.errs <- ErrConnectionClosed
				case session.receivedMsgs <- msg.msg:
					msg.errs <- nil
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE server by terminating all active client
// connections and cleaning up internal resources. This method blocks until shutdown
// is complete.
func (s SSEServer) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown.
	s.closeDone.Do(func() { close(s.done) })

	// Wait for main loop to finish.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the session is stopped.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Received the request to establish a new SSE session.
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		logger := s.logger.With(slog.String("sessionID", sessID))

		// Form an url for the client that can be used to communicate with the server session.
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			logger.Error("failed to write SSE URL", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			logger.Error("failed to flush SSE", slog.String("err", err.Error()))
			return
		}

		srvSession := sseServerSession{
			id:             sessID,
			sess:           sess,
			logger:         logger,
			sendMsgs:       make(chan sseServerSessionSendMsg, 5),
			receivedMsgs:   make(chan JSONRPCMessage, 5),
			done:           make(chan struct{}),
			disconnected:   make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		// Feed the sessions channel that would be consumed in Sessions loop, so it can be fowarded to caller.
		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		// Block until the session is stopped or the client goes away, so the connection is left open.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
			logger.Info("client disconnected")
			close(srvSession.disconnected)
		}

		// The owner of the session still calls Stop; wait for it before releasing the connection.
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		// Notify the main loop that this session is closed.
		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-RPC message body.
// Malformed bodies are rejected with 400 and never reach a session; valid messages are
// routed to their Session's message stream and acknowledged with 202.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Received a request from client to one of our sessions.
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("%w: missing sessionID query parameter", ErrInvalidSessionID)
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageSize))
		if err != nil {
			nErr := fmt.Errorf("failed to read message: %w", err)
			s.logger.Warn("failed to read message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		msg, err := DecodeMessage(body)
		if err != nil {
			s.logger.Warn("rejecting malformed message",
				slog.String("sessionID", sessID),
				slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Feed the receivedMessages channel so the Sessions loop can route it to the correct session.
		sm := sseSessionMessage{sessID: sessID, msg: msg, errs: make(chan error, 1)}
		select {
		case <-s.done:
			http.Error(w, ErrConnectionClosed.Error(), http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedMessages <- sm:
		}

		if err := <-sm.errs; err != nil {
			status := http.StatusGone
			if errors.Is(err, ErrSessionNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// StartSession establishes the SSE connection and waits for the server to announce the
// endpoint that client messages are posted to. ctx bounds only the connection setup; the
// stream lives until the returned Session is stopped or the server closes it.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		httpClient:   s.httpClient,
		logger:       s.logger,
		messages:     make(chan JSONRPCMessage),
		cancelStream: cancel,
		done:         make(chan struct{}),
		listenClosed: make(chan struct{}),
	}

	ready := make(chan error, 1)
	go sess.listenSSEMessages(resp.Body, s.maxPayloadSize, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-sess.listenClosed
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		<-sess.listenClosed
		return nil, fmt.Errorf("failed to wait for endpoint: %w", ctx.Err())
	}

	return sess, nil
}

func (s *sseClientSession) listenSSEMessages(body io.ReadCloser, maxPayloadSize int, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
		close(s.listenClosed)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	endpointReceived := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			if !endpointReceived {
				ready <- fmt.Errorf("failed to read endpoint: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointReceived {
				s.logger.Warn("ignoring repeated endpoint event")
				continue
			}
			// The endpoint must parse as an URL; the session id rides in its query.
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = u.String()
			s.id = u.Query().Get("sessionID")
			if s.id == "" {
				s.id = uuid.New().String()
			}
			s.logger = s.logger.With(slog.String("sessionID", s.id))
			endpointReceived = true
			ready <- nil
		case "message":
			// Messages are only meaningful after the endpoint is known.
			if !endpointReceived {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			msg, err := DecodeMessage([]byte(ev.Data))
			if err != nil {
				s.logger.Warn("dropping malformed message", slog.String("err", err.Error()))
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Error("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointReceived {
		ready <- errors.New("stream ended before endpoint URL")
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a message to the server through an HTTP POST request. The provided context
// allows request cancellation.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: sse session stopped", ErrConnectionClosed)
	default:
	}

	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: unexpected status code: %d", ErrConnectionClosed, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	close(s.done)
	s.cancelStream()
	<-s.listenClosed
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	select {
	case <-s.done:
		return fmt.Errorf("%w: sse session stopped", ErrConnectionClosed)
	case <-s.disconnected:
		return fmt.Errorf("%w: client disconnected", ErrConnectionClosed)
	default:
	}

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return fmt.Errorf("failed to queue message: %w", ctx.Err())
	case <-s.done:
		return fmt.Errorf("%w: sse session stopped", ErrConnectionClosed)
	case <-s.disconnected:
		return fmt.Errorf("%w: client disconnected", ErrConnectionClosed)
	}

	// Wait and return the error if any
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for send result: %w", ctx.Err())
	case <-s.done:
		return fmt.Errorf("%w: sse session stopped", ErrConnectionClosed)
	}
}

func (s sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			case <-s.disconnected:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// Send and flush the message to the client.
			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-s.done:
			return
		}
	}
}
