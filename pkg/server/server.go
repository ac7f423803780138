package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/pagination"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

const (
	// DefaultRequestTimeout bounds server-initiated requests such as roots/list
	DefaultRequestTimeout = 60 * time.Second

	// DefaultMaxConcurrentRequests bounds the handlers running at once
	DefaultMaxConcurrentRequests = 32
)

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// Server serves tools, resources and prompts to one client over one
// transport.
type Server struct {
	transport     transport.Transport
	info          protocol.Implementation
	instructions  string
	capabilities  protocol.ServerCapabilities
	completion    CompletionHandler
	pageSize      int
	timeout       time.Duration
	maxConcurrent int64
	logger        logging.Logger
	metrics       *observability.Metrics
	rootsChanged  func(ctx context.Context)

	providers     *providers
	subscriptions *subscriptions

	state       atomic.Int32
	loopStarted atomic.Bool
	sem         *semaphore.Weighted
	nextID      atomic.Int64

	mu              sync.Mutex
	initialized     bool
	negotiated      protocol.ServerCapabilities
	clientInfo      protocol.Implementation
	clientCaps      protocol.ClientCapabilities
	protocolVersion string
	logLevel        protocol.LoggingLevel
	inflight        map[protocol.RequestID]context.CancelFunc
	pending         map[protocol.RequestID]chan *protocol.Response

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	handlers sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Server
type Option func(*Server)

// WithServerInfo sets the name and version reported in the initialize result
func WithServerInfo(name, version string) Option {
	return func(s *Server) {
		s.info = protocol.Implementation{Name: name, Version: version}
	}
}

// WithInstructions sets the usage hint returned to clients on initialize
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithToolsCapability advertises tools, optionally with list-changed notifications
func WithToolsCapability(listChanged bool) Option {
	return func(s *Server) {
		s.capabilities.Tools = &protocol.ToolsCapability{ListChanged: listChanged}
	}
}

// WithResourcesCapability advertises resources
func WithResourcesCapability(subscribe, listChanged bool) Option {
	return func(s *Server) {
		s.capabilities.Resources = &protocol.ResourcesCapability{Subscribe: subscribe, ListChanged: listChanged}
	}
}

// WithPromptsCapability advertises prompts
func WithPromptsCapability(listChanged bool) Option {
	return func(s *Server) {
		s.capabilities.Prompts = &protocol.PromptsCapability{ListChanged: listChanged}
	}
}

// WithLogging advertises the logging capability so that Log reaches the client
func WithLogging() Option {
	return func(s *Server) {
		s.capabilities.Logging = &protocol.LoggingCapability{}
	}
}

// WithCompletion serves completion/complete with h
func WithCompletion(h CompletionHandler) Option {
	return func(s *Server) {
		s.completion = h
		if h != nil {
			s.capabilities.Completions = &protocol.CompletionsCapability{}
		}
	}
}

// WithPageSize sets the page size of list results
func WithPageSize(n int) Option {
	return func(s *Server) {
		s.pageSize = pagination.ClampPageSize(n)
	}
}

// WithRequestTimeout bounds each server-initiated request
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxConcurrentRequests bounds how many request handlers run at once
func WithMaxConcurrentRequests(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConcurrent = int64(n)
		}
	}
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		s.logger = logging.ForComponent(l, "Server")
	}
}

// WithMetrics records request, tool and notification metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRootsChangedHandler is called when the client reports that its roots changed
func WithRootsChangedHandler(fn func(ctx context.Context)) Option {
	return func(s *Server) {
		s.rootsChanged = fn
	}
}

// New creates a server on t. Register tools, resources and prompts before
// or after Start.
func New(t transport.Transport, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		transport:     t,
		info:          protocol.Implementation{Name: "mcp-engine-server", Version: "1.0.0"},
		pageSize:      pagination.DefaultPageSize,
		timeout:       DefaultRequestTimeout,
		maxConcurrent: DefaultMaxConcurrentRequests,
		logger:        logging.ForComponent(nil, "Server"),
		providers:     newProviders(),
		subscriptions: newSubscriptions(),
		logLevel:      protocol.LogLevelInfo,
		inflight:      make(map[protocol.RequestID]context.CancelFunc),
		pending:       make(map[protocol.RequestID]chan *protocol.Response),
		ctx:           ctx,
		cancel:        cancel,
		loopDone:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(s.maxConcurrent)
	return s
}

// Start starts the transport and begins serving in the background
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateNew, stateRunning) {
		if s.state.Load() == stateStopped {
			return mcperrors.ConnectionClosed(string(s.transport.Kind()))
		}
		return mcperrors.InvalidRequest("server is already running")
	}
	if err := s.transport.Start(ctx); err != nil {
		s.shutdown(err)
		return mcperrors.TransportError(string(s.transport.Kind()), "start", err).
			WithContext(&mcperrors.Context{
				Component: "Server",
				Operation: "Start",
				Timestamp: time.Now(),
			})
	}
	s.loopStarted.Store(true)
	go s.readLoop()
	s.logger.Info("server started", logging.String("transport", string(s.transport.Kind())))
	return nil
}

// Serve starts the server and blocks until ctx is done or the client
// disconnects, then stops it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	return s.Stop()
}

// Stop cancels running handlers, fails outstanding server-initiated
// requests and closes the transport. It waits for handlers to return, so it
// must not be called from one.
func (s *Server) Stop() error {
	err := s.shutdown(nil)
	if s.loopStarted.Load() {
		<-s.loopDone
	}
	s.handlers.Wait()
	return err
}

// Done is closed once the server has stopped
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) shutdown(cause error) error {
	var err error
	s.stopOnce.Do(func() {
		s.state.Store(stateStopped)
		s.cancel()
		close(s.done)

		s.mu.Lock()
		s.pending = make(map[protocol.RequestID]chan *protocol.Response)
		s.mu.Unlock()

		err = s.transport.Close()
		if cause != nil {
			s.logger.WithError(cause).Warn("server stopped")
		} else {
			s.logger.Info("server stopped")
		}
	})
	return err
}

// ClientInfo returns the client identity sent on initialize
func (s *Server) ClientInfo() protocol.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// ClientCapabilities returns the capabilities the client declared
func (s *Server) ClientCapabilities() protocol.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps
}

// ProtocolVersion returns the negotiated protocol version
func (s *Server) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// Initialized reports whether the client has completed initialize
func (s *Server) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Server) readLoop() {
	defer close(s.loopDone)
	for {
		select {
		case msg := <-s.transport.Receive():
			s.route(msg)
		case err := <-s.transport.Errors():
			s.logger.WithError(err).Warn("transport error")
		case <-s.transport.Done():
			if s.state.Load() != stateStopped {
				go s.shutdown(mcperrors.ConnectionLost(string(s.transport.Kind()), "", nil))
			}
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) route(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Request:
		s.routeRequest(m)
	case *protocol.Notification:
		s.metrics.RecordNotification(observability.DirectionInbound, m.Method)
		s.handleNotification(m)
	case *protocol.Response:
		s.resolve(m)
	}
}

// routeRequest answers initialize inline so that it is ordered before every
// later request. Everything else runs on its own goroutine.
func (s *Server) routeRequest(req *protocol.Request) {
	if req.Method == protocol.MethodInitialize {
		start := time.Now()
		result, err := s.handleInitialize(req)
		s.metrics.RecordIncomingRequest(req.Method, err, time.Since(start))
		s.reply(req, result, err)
		return
	}
	if req.Method != protocol.MethodPing && !s.Initialized() {
		s.reply(req, nil, mcperrors.ServerNotReady("initialize has not been received"))
		return
	}
	s.handleRequest(req)
}

func (s *Server) handleRequest(req *protocol.Request) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	ctx = withRequest(ctx, req)

	s.mu.Lock()
	s.inflight[req.ID] = cancel
	s.mu.Unlock()

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, req.ID)
			s.mu.Unlock()
			cancel()
		}()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		start := time.Now()
		ctx, span := observability.StartMethodSpan(ctx, req.Method, trace.SpanKindServer,
			observability.AttrRequestID.String(req.ID.String()))
		result, err := s.dispatch(ctx, req)
		observability.EndSpan(span, err)
		s.metrics.RecordIncomingRequest(req.Method, err, time.Since(start))

		if ctx.Err() != nil {
			s.logger.Debug("dropping response to cancelled request",
				logging.String("method", req.Method), logging.String("id", req.ID.String()))
			return
		}
		s.reply(req, result, err)
	}()
}

// reply sends the one response a request gets
func (s *Server) reply(req *protocol.Request, result interface{}, err error) {
	var resp *protocol.Response
	if err != nil {
		s.logger.Debug("request failed", logging.String("method", req.Method), logging.ErrorField(err))
		resp = mcperrors.ToJSONRPCResponse(err, req.ID)
	} else if resp, err = protocol.NewResponse(req.ID, result); err != nil {
		resp = mcperrors.ToJSONRPCResponse(mcperrors.InternalError(req.Method, err), req.ID)
	}
	if err := s.transport.Send(s.ctx, resp); err != nil {
		s.logger.Warn("failed to send response",
			logging.String("method", req.Method), logging.String("id", req.ID.String()), logging.ErrorField(err))
	}
}

func (s *Server) handleNotification(n *protocol.Notification) {
	switch n.Method {
	case protocol.MethodInitialized:
		s.logger.Debug("client initialized")

	case protocol.MethodNotifyCancelled:
		var p protocol.CancelledParams
		if err := protocol.UnmarshalParams(n.Params, &p); err != nil {
			s.logger.Warn("malformed cancel notification", logging.ErrorField(err))
			return
		}
		s.mu.Lock()
		cancel := s.inflight[p.RequestID]
		s.mu.Unlock()
		if cancel != nil {
			s.logger.Debug("client cancelled request",
				logging.String("id", p.RequestID.String()), logging.String("reason", p.Reason))
			cancel()
		}

	case protocol.MethodNotifyRootsChanged:
		if s.rootsChanged != nil {
			s.handlers.Add(1)
			go func() {
				defer s.handlers.Done()
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("roots changed handler panicked", logging.String("panic", fmt.Sprint(r)))
					}
				}()
				s.rootsChanged(s.ctx)
			}()
		}

	default:
		s.logger.Debug("ignoring notification", logging.String("method", n.Method))
	}
}

func (s *Server) handleInitialize(req *protocol.Request) (interface{}, error) {
	var p protocol.InitializeParams
	if err := protocol.UnmarshalParams(req.Params, &p); err != nil {
		return nil, mcperrors.InvalidParams(req.Method, err.Error())
	}

	version := p.ProtocolVersion
	if !protocol.IsSupportedProtocolVersion(version) {
		version = protocol.LatestProtocolVersion
	}

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil, mcperrors.InvalidRequest("initialize may only be sent once")
	}
	s.initialized = true
	s.clientInfo = p.ClientInfo
	s.clientCaps = p.Capabilities
	s.protocolVersion = version
	s.negotiated = s.advertised()
	caps := s.negotiated
	s.mu.Unlock()

	if setter, ok := s.transport.(transport.ProtocolVersionSetter); ok {
		setter.SetProtocolVersion(version)
	}
	s.logger.Info("client connected",
		logging.String("client", p.ClientInfo.Name),
		logging.String("client_version", p.ClientInfo.Version),
		logging.String("protocol_version", version))

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

// advertised returns the configured capabilities plus any implied by
// registrations made so far
func (s *Server) advertised() protocol.ServerCapabilities {
	caps := s.capabilities
	tools, resources, prompts := s.providers.counts()
	if caps.Tools == nil && tools > 0 {
		caps.Tools = &protocol.ToolsCapability{}
	}
	if caps.Resources == nil && resources > 0 {
		caps.Resources = &protocol.ResourcesCapability{}
	}
	if caps.Prompts == nil && prompts > 0 {
		caps.Prompts = &protocol.PromptsCapability{}
	}
	return caps
}

// negotiatedCapabilities returns what the client was told on initialize
func (s *Server) negotiatedCapabilities() (protocol.ServerCapabilities, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated, s.initialized
}

func (s *Server) resolve(resp *protocol.Response) {
	s.mu.Lock()
	reply, ok := s.pending[resp.ID]
	delete(s.pending, resp.ID)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("ignoring response with unknown id", logging.String("id", resp.ID.String()))
		return
	}
	reply <- resp
}

// notify sends a notification to the client
func (s *Server) notify(ctx context.Context, method string, params interface{}) error {
	if s.state.Load() != stateRunning {
		return mcperrors.ConnectionClosed(string(s.transport.Kind()))
	}
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return mcperrors.InvalidParams(method, err.Error())
	}
	if err := s.transport.Send(ctx, n); err != nil {
		return err
	}
	s.metrics.RecordNotification(observability.DirectionOutbound, method)
	return nil
}

type requestKey struct{}

type requestInfo struct {
	id    protocol.RequestID
	token protocol.ProgressToken
	has   bool
}

func withRequest(ctx context.Context, req *protocol.Request) context.Context {
	info := requestInfo{id: req.ID}
	info.token, info.has = protocol.ProgressTokenFromParams(req.Params)
	return context.WithValue(ctx, requestKey{}, info)
}

// ProgressToken returns the progress token the client attached to the
// request being handled in ctx, if any
func ProgressToken(ctx context.Context) (protocol.ProgressToken, bool) {
	info, ok := ctx.Value(requestKey{}).(requestInfo)
	if !ok || !info.has {
		return protocol.ProgressToken{}, false
	}
	return info.token, true
}

// RequestID returns the id of the request being handled in ctx
func RequestID(ctx context.Context) (protocol.RequestID, bool) {
	info, ok := ctx.Value(requestKey{}).(requestInfo)
	return info.id, ok
}
