package server

import (
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

// sessionQueryParam names the query parameter carrying the session id on
// message POSTs
const sessionQueryParam = "sessionId"

// SSEHandler serves the legacy event-stream binding. A GET opens a session
// and an event stream whose first event names the URL for posting
// messages. Every server message, responses included, flows over the
// stream.
type SSEHandler struct {
	factory        Factory
	logger         logging.Logger
	allowedOrigins []string
	messagePath    string

	sessions *sessionTable
}

// NewSSEHandler returns an event-stream handler that creates one Server
// per stream with factory. Messages are posted to the same path the stream
// was opened on unless WithMessagePath says otherwise.
func NewSSEHandler(factory Factory, opts ...HTTPOption) *SSEHandler {
	o := buildHTTPOptions(opts, "SSEHandler")
	return &SSEHandler{
		factory:        factory,
		logger:         o.logger,
		allowedOrigins: o.allowedOrigins,
		messagePath:    o.messagePath,
		sessions:       newSessionTable(o.sessionTimeout, o.logger),
	}
}

// SessionCount returns the number of open streams
func (h *SSEHandler) SessionCount() int { return h.sessions.len() }

// Each calls fn with the server of every open stream
func (h *SSEHandler) Each(fn func(*Server)) { h.sessions.each(fn) }

// Close ends every session
func (h *SSEHandler) Close() error {
	h.sessions.close()
	return nil
}

// ServeHTTP implements http.Handler
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !originAllowed(h.allowedOrigins, r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	r = r.WithContext(observability.ExtractHTTP(r.Context(), r.Header))

	switch r.Method {
	case http.MethodGet:
		h.handleStream(w, r)
	case http.MethodPost:
		h.handleMessage(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SSEHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.open(transport.KindSSE, h.factory)
	if err != nil {
		h.logger.Error("open session failed", logging.ErrorField(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	id := sess.transport.id
	defer h.sessions.remove(id)
	sess.transport.attach()

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", logging.ErrorField(err))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	path := h.messagePath
	if path == "" {
		path = r.URL.Path
	}
	endpoint := &sse.Message{Type: sse.Type(transport.EventEndpoint)}
	endpoint.AppendData(path + "?" + sessionQueryParam + "=" + id)
	if err := stream.Send(endpoint); err != nil {
		h.logger.Warn("write endpoint event failed", logging.ErrorField(err))
		return
	}
	if err := stream.Flush(); err != nil {
		return
	}

	pumpEvents(r.Context(), stream, sess.transport, h.logger)
}

func (h *SSEHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(sessionQueryParam)
	if id == "" {
		http.Error(w, "missing "+sessionQueryParam, http.StatusBadRequest)
		return
	}
	sess, ok := h.sessions.get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBody {
		writeJSONRPCError(w, http.StatusRequestEntityTooLarge, mcperrors.MessageTooLarge("sse", int64(len(body)), maxRequestBody))
		return
	}
	msgs, err := protocol.DecodeBatchOrMessage(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, mcperrors.ParseError(err.Error()))
		return
	}
	for _, msg := range msgs {
		if err := sess.transport.deliver(r.Context(), msg); err != nil {
			writeJSONRPCError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}
