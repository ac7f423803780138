package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

// DefaultRequestTimeout bounds each request unless overridden
const DefaultRequestTimeout = 60 * time.Second

// cancelNotifyTimeout bounds the cancelled notification sent for an
// abandoned request
const cancelNotifyTimeout = 5 * time.Second

// State is the lifecycle state of a Client
type State int32

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RootsHandler answers roots/list requests from the server
type RootsHandler func(ctx context.Context) ([]protocol.Root, error)

// SamplingHandler answers sampling/createMessage requests from the server
type SamplingHandler func(ctx context.Context, params *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error)

// RequestHandler answers a custom server-initiated request
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// ProgressFunc receives progress notifications for one request
type ProgressFunc func(protocol.ProgressParams)

type pendingRequest struct {
	method string
	reply  chan *protocol.Response
}

// Client is a protocol client bound to a single transport. It is safe for
// concurrent use once Connect has returned.
type Client struct {
	transport       transport.Transport
	info            protocol.Implementation
	capabilities    protocol.ClientCapabilities
	protocolVersion string
	timeout         time.Duration
	logger          logging.Logger
	metrics         *observability.Metrics

	rootsHandler    RootsHandler
	samplingHandler SamplingHandler
	handlers        map[string]RequestHandler

	state  atomic.Int32
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[protocol.RequestID]*pendingRequest
	progress map[protocol.ProgressToken]ProgressFunc
	inbound  map[protocol.RequestID]context.CancelFunc

	sessionMu          sync.RWMutex
	serverInfo         protocol.Implementation
	serverCapabilities protocol.ServerCapabilities
	negotiatedVersion  string
	instructions       string

	events eventBus

	ctx         context.Context
	cancel      context.CancelFunc
	loopStarted atomic.Bool
	loopDone    chan struct{}
	handlerWG   sync.WaitGroup
	closeOnce   sync.Once
	done        chan struct{}
}

// Option configures a Client
type Option func(*Client)

// WithClientInfo sets the name and version sent during initialize
func WithClientInfo(name, version string) Option {
	return func(c *Client) {
		c.info = protocol.Implementation{Name: name, Version: version}
	}
}

// WithRequestTimeout sets the deadline applied to every request
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithProtocolVersion requests a specific protocol revision
func WithProtocolVersion(v string) Option {
	return func(c *Client) {
		c.protocolVersion = v
	}
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.ForComponent(l, "Client")
	}
}

// WithMetrics records request counts, latencies and the pending gauge
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithRoots answers roots/list with fn and advertises the roots capability
func WithRoots(fn RootsHandler) Option {
	return func(c *Client) {
		c.rootsHandler = fn
		c.capabilities.Roots = &protocol.RootsCapability{ListChanged: true}
	}
}

// WithSampling answers sampling/createMessage with fn and advertises the
// sampling capability
func WithSampling(fn SamplingHandler) Option {
	return func(c *Client) {
		c.samplingHandler = fn
		c.capabilities.Sampling = &protocol.SamplingCapability{}
	}
}

// WithRequestHandler answers a custom server-initiated method
func WithRequestHandler(method string, fn RequestHandler) Option {
	return func(c *Client) {
		c.handlers[method] = fn
	}
}

// New creates a client for t. The transport is started by Connect.
func New(t transport.Transport, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:       t,
		info:            protocol.Implementation{Name: "mcp-engine-client", Version: "1.0.0"},
		protocolVersion: protocol.LatestProtocolVersion,
		timeout:         DefaultRequestTimeout,
		logger:          logging.ForComponent(nil, "Client"),
		handlers:        make(map[string]RequestHandler),
		pending:         make(map[protocol.RequestID]*pendingRequest),
		progress:        make(map[protocol.ProgressToken]ProgressFunc),
		inbound:         make(map[protocol.RequestID]context.CancelFunc),
		ctx:             ctx,
		cancel:          cancel,
		loopDone:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the transport and performs the initialize handshake. On
// failure the client is closed.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateHandshaking)) {
		if c.State() == StateClosed {
			return mcperrors.ConnectionClosed(string(c.transport.Kind()))
		}
		return mcperrors.InvalidRequest("client is already connected")
	}

	if err := c.transport.Start(ctx); err != nil {
		c.shutdown(err)
		return err
	}
	c.loopStarted.Store(true)
	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.shutdown(err)
		return err
	}
	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady)) {
		return mcperrors.ConnectionClosed(string(c.transport.Kind()))
	}
	c.logger.Info("connected",
		logging.String("server", c.ServerInfo().Name),
		logging.String("protocol_version", c.ProtocolVersion()),
	)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := &protocol.InitializeParams{
		ProtocolVersion: c.protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	var result protocol.InitializeResult
	if err := c.call(ctx, protocol.MethodInitialize, params, &result, nil); err != nil {
		return err
	}
	if !protocol.IsSupportedProtocolVersion(result.ProtocolVersion) {
		return mcperrors.VersionMismatch(protocol.SupportedProtocolVersions, result.ProtocolVersion)
	}

	c.sessionMu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.negotiatedVersion = result.ProtocolVersion
	c.instructions = result.Instructions
	c.sessionMu.Unlock()

	if setter, ok := c.transport.(transport.ProtocolVersionSetter); ok {
		setter.SetProtocolVersion(result.ProtocolVersion)
	}
	return c.notify(ctx, protocol.MethodInitialized, nil)
}

// State returns the lifecycle state
func (c *Client) State() State { return State(c.state.Load()) }

// Done is closed once the client has closed
func (c *Client) Done() <-chan struct{} { return c.done }

// ServerInfo returns the server identity from the handshake
func (c *Client) ServerInfo() protocol.Implementation {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised
func (c *Client) ServerCapabilities() protocol.ServerCapabilities {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.serverCapabilities
}

// ProtocolVersion returns the negotiated protocol revision
func (c *Client) ProtocolVersion() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.negotiatedVersion
}

// Instructions returns the server's usage instructions, if any
func (c *Client) Instructions() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.instructions
}

// PendingRequests returns the number of requests awaiting a response
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending request, closes the transport and emits the
// closed event. It is idempotent.
func (c *Client) Close() error {
	return c.shutdown(nil)
}

func (c *Client) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.cancel()
		close(c.done)

		c.mu.Lock()
		abandoned := len(c.pending)
		c.pending = make(map[protocol.RequestID]*pendingRequest)
		c.progress = make(map[protocol.ProgressToken]ProgressFunc)
		c.mu.Unlock()
		c.metrics.AddPendingRequests(-abandoned)

		err = c.transport.Close()

		if cause != nil {
			c.logger.WithError(cause).Warn("client closed")
		} else {
			c.logger.Debug("client closed", logging.Int("abandoned_requests", abandoned))
		}
		c.events.emit(c.logger, Event{Type: EventClosed, Err: cause})
	})
	return err
}

// Wait blocks until the read loop and every server-initiated request
// handler have returned after Close. It must not be called from an event
// subscriber or a handler.
func (c *Client) Wait() {
	<-c.done
	if c.loopStarted.Load() {
		<-c.loopDone
	}
	c.handlerWG.Wait()
}

// ready fails fast when the handshake has not completed
func (c *Client) ready(operation string) error {
	switch c.State() {
	case StateReady:
		return nil
	case StateClosed:
		return mcperrors.ConnectionClosed(string(c.transport.Kind()))
	default:
		return mcperrors.NotInitialized(operation)
	}
}

// request issues a correlated request once the client is ready
func (c *Client) request(ctx context.Context, method string, params, result interface{}) error {
	if err := c.ready(method); err != nil {
		return err
	}
	return c.call(ctx, method, params, result, nil)
}

// call sends a request and waits for its response, its deadline, the
// caller's context or the connection closing, whichever comes first.
func (c *Client) call(ctx context.Context, method string, params, result interface{}, onRegistered func(protocol.RequestID)) (err error) {
	id := protocol.NewIntID(c.nextID.Add(1))
	ctx, span := observability.StartMethodSpan(ctx, method, trace.SpanKindClient, observability.AttrRequestID.String(id.String()))
	start := time.Now()
	defer func() {
		c.metrics.RecordRequest(method, err, time.Since(start))
		observability.EndSpan(span, err)
	}()

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return mcperrors.InvalidParams(method, err.Error())
	}

	p := &pendingRequest{method: method, reply: make(chan *protocol.Response, 1)}
	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		return mcperrors.ConnectionClosed(string(c.transport.Kind()))
	}
	c.pending[id] = p
	c.mu.Unlock()
	c.metrics.AddPendingRequests(1)
	if onRegistered != nil {
		onRegistered(id)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	// Send may block until the peer answers, so it shares the request
	// deadline and ends when the client closes.
	sendCtx, cancelSend := context.WithTimeout(ctx, c.timeout)
	defer cancelSend()
	stop := context.AfterFunc(c.ctx, cancelSend)
	defer stop()

	if err := c.transport.Send(sendCtx, req); err != nil {
		c.forget(id)
		select {
		case <-c.done:
			return mcperrors.ConnectionClosed(string(c.transport.Kind()))
		default:
		}
		if ctx.Err() == nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			c.sendCancelled(id, "request timed out")
			return mcperrors.ResponseTimeout(string(c.transport.Kind()), id.String(), c.timeout)
		}
		return err
	}

	select {
	case resp := <-p.reply:
		if resp.Error != nil {
			return mcperrors.FromJSONRPCError(resp.Error)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return mcperrors.ProtocolError(fmt.Sprintf("malformed %s result: %v", method, err))
		}
		return nil

	case <-timer.C:
		if c.forget(id) {
			c.sendCancelled(id, "request timed out")
		}
		return mcperrors.ResponseTimeout(string(c.transport.Kind()), id.String(), c.timeout)

	case <-ctx.Done():
		if c.forget(id) {
			c.sendCancelled(id, ctx.Err().Error())
		}
		return mcperrors.ConvertStandardError(ctx.Err())

	case <-c.done:
		return mcperrors.ConnectionClosed(string(c.transport.Kind()))
	}
}

// forget removes a pending request and reports whether it was still pending
func (c *Client) forget(id protocol.RequestID) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.metrics.AddPendingRequests(-1)
	}
	return ok
}

func (c *Client) sendCancelled(id protocol.RequestID, reason string) {
	if c.State() == StateClosed {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, cancelNotifyTimeout)
	defer cancel()
	err := c.notify(ctx, protocol.MethodNotifyCancelled, &protocol.CancelledParams{RequestID: id, Reason: reason})
	if err != nil {
		c.logger.Debug("cancel notification not sent", logging.String("id", id.String()), logging.ErrorField(err))
	}
}

// notify sends a notification
func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return mcperrors.InvalidParams(method, err.Error())
	}
	if err := c.transport.Send(ctx, n); err != nil {
		return err
	}
	c.metrics.RecordNotification(observability.DirectionOutbound, method)
	return nil
}

// readLoop drains the transport until it closes
func (c *Client) readLoop() {
	defer close(c.loopDone)
	for {
		select {
		case msg := <-c.transport.Receive():
			c.route(msg)
		case err := <-c.transport.Errors():
			c.logger.WithError(err).Warn("transport error")
			c.events.emit(c.logger, Event{Type: EventError, Err: err})
		case <-c.transport.Done():
			if c.State() != StateClosed {
				go c.shutdown(mcperrors.ConnectionLost(string(c.transport.Kind()), "", nil))
			}
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) route(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Response:
		c.resolve(m)
	case *protocol.Notification:
		c.metrics.RecordNotification(observability.DirectionInbound, m.Method)
		c.handleNotification(m)
	case *protocol.Request:
		c.handleRequest(m)
	}
}

// resolve hands a response to its pending request. Late or unknown ids are
// ignored.
func (c *Client) resolve(resp *protocol.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request ignored", logging.String("id", resp.ID.String()))
		return
	}
	c.metrics.AddPendingRequests(-1)
	p.reply <- resp
}
