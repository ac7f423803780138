package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

const (
	// DefaultSessionTimeout is how long an idle session survives
	DefaultSessionTimeout = 30 * time.Minute

	// DefaultResponseTimeout bounds how long a POST waits for its responses
	DefaultResponseTimeout = 2 * time.Minute

	maxRequestBody = 4 << 20
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	postAcceptTypes      = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	streamAcceptTypes    = []contenttype.MediaType{eventStreamMediaType}
)

// Factory builds the Server for a new session on t. It typically calls New
// and registers the session's tools, resources and prompts.
type Factory func(t transport.Transport) *Server

// session pairs a session transport with the server driving it
type session struct {
	transport *sessionTransport
	server    *Server
}

// sessionTable tracks live sessions and expires idle ones
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*session
	timeout  time.Duration
	logger   logging.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

func newSessionTable(timeout time.Duration, logger logging.Logger) *sessionTable {
	st := &sessionTable{
		sessions: make(map[string]*session),
		timeout:  timeout,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	go st.cleanupLoop()
	return st
}

// open creates a session, starts its server and registers it
func (st *sessionTable) open(kind transport.Kind, factory Factory) (*session, error) {
	id := uuid.NewString()
	t := newSessionTransport(id, kind, st.logger)
	srv := factory(t)
	if srv == nil {
		return nil, mcperrors.InternalError("create session", fmt.Errorf("server factory returned nil"))
	}
	if err := srv.Start(context.Background()); err != nil {
		return nil, err
	}
	sess := &session{transport: t, server: srv}

	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()

	// a server that stops on its own takes its session with it
	go func() {
		select {
		case <-srv.Done():
			st.remove(id)
		case <-st.stop:
		}
	}()

	st.logger.Debug("session opened", logging.String("session_id", id))
	return sess, nil
}

func (st *sessionTable) get(id string) (*session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// remove stops and forgets a session and reports whether it existed
func (st *sessionTable) remove(id string) bool {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return false
	}
	go func() {
		if err := sess.server.Stop(); err != nil {
			st.logger.Debug("session stop", logging.String("session_id", id), logging.ErrorField(err))
		}
	}()
	st.logger.Debug("session closed", logging.String("session_id", id))
	return true
}

func (st *sessionTable) len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *sessionTable) each(fn func(*Server)) {
	st.mu.RLock()
	servers := make([]*Server, 0, len(st.sessions))
	for _, sess := range st.sessions {
		servers = append(servers, sess.server)
	}
	st.mu.RUnlock()
	for _, srv := range servers {
		fn(srv)
	}
}

func (st *sessionTable) cleanupLoop() {
	interval := st.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.expire(time.Now())
		case <-st.stop:
			return
		}
	}
}

// expire closes sessions idle for longer than the timeout. Sessions with
// an attached event stream are never idle.
func (st *sessionTable) expire(now time.Time) {
	var expired []string
	st.mu.RLock()
	for id, sess := range st.sessions {
		sess.transport.mu.Lock()
		attached := sess.transport.attached
		sess.transport.mu.Unlock()
		if !attached && now.Sub(sess.transport.idleSince()) > st.timeout {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()
	for _, id := range expired {
		st.remove(id)
	}
	if len(expired) > 0 {
		st.logger.Info("expired idle sessions", logging.Int("count", len(expired)))
	}
}

func (st *sessionTable) close() {
	st.stopOnce.Do(func() {
		close(st.stop)
		st.mu.Lock()
		sessions := st.sessions
		st.sessions = make(map[string]*session)
		st.mu.Unlock()
		for _, sess := range sessions {
			_ = sess.server.Stop()
		}
	})
}

// HTTPHandler serves the streaming HTTP binding. POST carries JSON-RPC
// messages and gets JSON responses, GET opens the session's event stream
// and DELETE ends the session.
type HTTPHandler struct {
	factory         Factory
	logger          logging.Logger
	allowedOrigins  []string
	responseTimeout time.Duration
	sessionTimeout  time.Duration
	disableStream   bool

	sessions *sessionTable
}

// HTTPOption configures an HTTPHandler or SSEHandler
type HTTPOption func(*httpOptions)

type httpOptions struct {
	logger          logging.Logger
	allowedOrigins  []string
	responseTimeout time.Duration
	sessionTimeout  time.Duration
	disableStream   bool
	messagePath     string
}

// WithHTTPLogger sets the handler's logger
func WithHTTPLogger(l logging.Logger) HTTPOption {
	return func(o *httpOptions) { o.logger = l }
}

// WithAllowedOrigins replaces the browser origins allowed to connect.
// Requests without an Origin header are always allowed.
func WithAllowedOrigins(origins ...string) HTTPOption {
	return func(o *httpOptions) { o.allowedOrigins = origins }
}

// WithResponseTimeout bounds how long a POST waits for the server's responses
func WithResponseTimeout(d time.Duration) HTTPOption {
	return func(o *httpOptions) {
		if d > 0 {
			o.responseTimeout = d
		}
	}
}

// WithSessionTimeout sets how long an idle session survives
func WithSessionTimeout(d time.Duration) HTTPOption {
	return func(o *httpOptions) {
		if d > 0 {
			o.sessionTimeout = d
		}
	}
}

// WithoutEventStream answers GET with 405 so that clients only use
// request/response exchanges
func WithoutEventStream() HTTPOption {
	return func(o *httpOptions) { o.disableStream = true }
}

// WithMessagePath sets the path the event-stream handler advertises for
// message POSTs
func WithMessagePath(path string) HTTPOption {
	return func(o *httpOptions) { o.messagePath = path }
}

func buildHTTPOptions(opts []HTTPOption, component string) httpOptions {
	o := httpOptions{
		allowedOrigins:  []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1", "http://[::1]", "https://[::1]"},
		responseTimeout: DefaultResponseTimeout,
		sessionTimeout:  DefaultSessionTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.ForComponent(o.logger, component)
	return o
}

// NewHTTPHandler returns a streaming HTTP handler that creates one Server
// per session with factory
func NewHTTPHandler(factory Factory, opts ...HTTPOption) *HTTPHandler {
	o := buildHTTPOptions(opts, "HTTPHandler")
	return &HTTPHandler{
		factory:         factory,
		logger:          o.logger,
		allowedOrigins:  o.allowedOrigins,
		responseTimeout: o.responseTimeout,
		sessionTimeout:  o.sessionTimeout,
		disableStream:   o.disableStream,
		sessions:        newSessionTable(o.sessionTimeout, o.logger),
	}
}

// SessionCount returns the number of live sessions
func (h *HTTPHandler) SessionCount() int { return h.sessions.len() }

// Each calls fn with the server of every live session
func (h *HTTPHandler) Each(fn func(*Server)) { h.sessions.each(fn) }

// Close ends every session
func (h *HTTPHandler) Close() error {
	h.sessions.close()
	return nil
}

// ServeHTTP implements http.Handler
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !originAllowed(h.allowedOrigins, r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	r = r.WithContext(observability.ExtractHTTP(r.Context(), r.Header))

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONRPCError(w, http.StatusUnsupportedMediaType, mcperrors.InvalidRequest("content type must be application/json"))
		return
	}
	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, postAcceptTypes); err != nil {
			writeJSONRPCError(w, http.StatusNotAcceptable, mcperrors.InvalidRequest("client must accept application/json"))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, mcperrors.ParseError(err.Error()))
		return
	}
	if len(body) > maxRequestBody {
		writeJSONRPCError(w, http.StatusRequestEntityTooLarge, mcperrors.MessageTooLarge("streamable_http", int64(len(body)), maxRequestBody))
		return
	}
	msgs, err := protocol.DecodeBatchOrMessage(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, mcperrors.ParseError(err.Error()))
		return
	}
	batch := bytes.HasPrefix(bytes.TrimSpace(body), []byte("["))

	sess, status, err := h.sessionFor(r, msgs)
	if err != nil {
		writeJSONRPCError(w, status, err)
		return
	}

	var (
		ids     []protocol.RequestID
		waiters []<-chan *protocol.Response
	)
	for _, msg := range msgs {
		if req, ok := msg.(*protocol.Request); ok {
			ids = append(ids, req.ID)
			waiters = append(waiters, sess.transport.await(req.ID))
		}
	}
	for _, msg := range msgs {
		if err := sess.transport.deliver(r.Context(), msg); err != nil {
			for _, id := range ids {
				sess.transport.abandon(id)
			}
			writeJSONRPCError(w, http.StatusServiceUnavailable, err)
			return
		}
	}

	w.Header().Set(transport.HeaderSessionID, sess.transport.id)
	if len(waiters) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	timer := time.NewTimer(h.responseTimeout)
	defer timer.Stop()
	responses := make([]*protocol.Response, 0, len(waiters))
collect:
	for i, ch := range waiters {
		select {
		case resp := <-ch:
			responses = append(responses, resp)
		case <-r.Context().Done():
			abandonFrom(sess.transport, ids[i:])
			return
		case <-timer.C:
			abandonFrom(sess.transport, ids[i:])
			for _, id := range ids[i:] {
				responses = append(responses, mcperrors.ToJSONRPCResponse(
					mcperrors.ResponseTimeout("streamable_http", id.String(), h.responseTimeout), id))
			}
			break collect
		case <-sess.transport.done:
			abandonFrom(sess.transport, ids[i:])
			writeJSONRPCError(w, http.StatusNotFound, mcperrors.ConnectionClosed("streamable_http"))
			return
		}
	}

	// an initialize that failed leaves no usable session behind
	if len(msgs) == 1 && isInitialize(msgs[0]) && responses[0].Error != nil {
		h.sessions.remove(sess.transport.id)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	var payload interface{} = responses
	if !batch && len(responses) == 1 {
		payload = responses[0]
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Debug("write response", logging.ErrorField(err))
	}
}

func abandonFrom(t *sessionTransport, ids []protocol.RequestID) {
	for _, id := range ids {
		t.abandon(id)
	}
}

func isInitialize(msg protocol.Message) bool {
	req, ok := msg.(*protocol.Request)
	return ok && req.Method == protocol.MethodInitialize
}

// sessionFor returns the session a POST belongs to, opening a new one for
// an initialize request
func (h *HTTPHandler) sessionFor(r *http.Request, msgs []protocol.Message) (*session, int, error) {
	id := r.Header.Get(transport.HeaderSessionID)
	for _, msg := range msgs {
		if !isInitialize(msg) {
			continue
		}
		if len(msgs) != 1 {
			return nil, http.StatusBadRequest, mcperrors.InvalidRequest("initialize must not be batched")
		}
		if id != "" {
			if _, ok := h.sessions.get(id); ok {
				return nil, http.StatusBadRequest, mcperrors.InvalidRequest("session is already initialized")
			}
		}
		sess, err := h.sessions.open(transport.KindStreamableHTTP, h.factory)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return sess, 0, nil
	}
	return h.existingSession(id)
}

func (h *HTTPHandler) existingSession(id string) (*session, int, error) {
	if id == "" {
		return nil, http.StatusBadRequest, mcperrors.InvalidRequest("missing " + transport.HeaderSessionID + " header")
	}
	sess, ok := h.sessions.get(id)
	if !ok {
		return nil, http.StatusNotFound, mcperrors.ResourceNotFound("session", id)
	}
	return sess, 0, nil
}

// handleGet streams the session's server-initiated messages as events
func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if h.disableStream {
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "event stream not supported", http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, streamAcceptTypes); err != nil {
		http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
		return
	}
	sess, status, err := h.existingSession(r.Header.Get(transport.HeaderSessionID))
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	if !sess.transport.attach() {
		http.Error(w, "event stream already open for this session", http.StatusConflict)
		return
	}
	defer sess.transport.detach()

	w.Header().Set(transport.HeaderSessionID, sess.transport.id)
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", logging.ErrorField(err))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if err := stream.Flush(); err != nil {
		return
	}
	pumpEvents(r.Context(), stream, sess.transport, h.logger)
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, status, err := h.existingSession(r.Header.Get(transport.HeaderSessionID))
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	h.sessions.remove(sess.transport.id)
	w.WriteHeader(http.StatusNoContent)
}

// pumpEvents writes queued outbound messages to stream until the request
// or the session ends
func pumpEvents(ctx context.Context, stream *sse.Session, t *sessionTransport, logger logging.Logger) {
	for {
		select {
		case ev := <-t.stream:
			data, err := protocol.EncodeMessage(ev.msg)
			if err != nil {
				logger.Warn("dropping unencodable message", logging.ErrorField(err))
				continue
			}
			msg := &sse.Message{Type: sse.Type(transport.EventMessage)}
			if ev.id != "" {
				msg.ID = sse.ID(ev.id)
			}
			msg.AppendData(string(data))
			if err := stream.Send(msg); err != nil {
				logger.Debug("event stream write failed", logging.ErrorField(err))
				return
			}
			if err := stream.Flush(); err != nil {
				return
			}
			t.touch()
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

func writeJSONRPCError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(mcperrors.ToJSONRPCResponse(err, protocol.RequestID{}))
}

// originAllowed accepts requests without an Origin header and browser
// origins on the allow list. Listed localhost origins match any port.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin || strings.HasPrefix(origin, a+":") {
			return true
		}
	}
	return false
}
