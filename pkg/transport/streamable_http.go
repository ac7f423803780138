package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// HTTP headers of the streaming HTTP binding
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

	errListenerUnsupported = errors.New("server does not offer a standalone event stream")
)

// DeleteSessionTimeout bounds the session teardown request sent by Close
var DeleteSessionTimeout = 5 * time.Second

// StreamableHTTPTransport posts every outbound message to one endpoint and
// reads the reply as JSON or as an event stream. A session id issued by the
// server is echoed on every later request and ended with DELETE on Close.
// After the initialized notification a GET event stream is kept open for
// server-initiated messages, reconnecting with backoff.
type StreamableHTTPTransport struct {
	*base
	opts     *Options
	endpoint string

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
	lastEventID     string
	serverRetry     time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	listening atomic.Bool
}

// NewStreamableHTTPTransport creates a transport for endpoint
func NewStreamableHTTPTransport(endpoint string, opts ...Option) *StreamableHTTPTransport {
	o := NewOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamableHTTPTransport{
		base:     newBase(KindStreamableHTTP, o, "StreamableHTTPTransport"),
		opts:     o,
		endpoint: endpoint,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SessionID returns the server-issued session id, if any
func (t *StreamableHTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// SetProtocolVersion sets the mcp-protocol-version header
func (t *StreamableHTTPTransport) SetProtocolVersion(version string) {
	t.mu.Lock()
	t.protocolVersion = version
	t.mu.Unlock()
}

// Start validates the endpoint. No request is made until the first Send.
func (t *StreamableHTTPTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return mcperrors.ConvertStandardError(err)
	}
	if err := t.beginStart(); err != nil {
		return err
	}
	u, err := url.Parse(t.endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		cErr := mcperrors.InvalidTransportConfiguration(string(t.kind), "endpoint", "endpoint must be an absolute http(s) URL")
		t.fail(cErr)
		_ = t.Close()
		return cErr
	}
	t.setState(StateConnected)
	return nil
}

func (t *StreamableHTTPTransport) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.endpoint, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, t.opts.Headers)

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(HeaderSessionID, t.sessionID)
	}
	if t.protocolVersion != "" {
		req.Header.Set(HeaderProtocolVersion, t.protocolVersion)
	}
	t.mu.Unlock()

	observability.InjectHTTP(ctx, req.Header)
	return req, nil
}

func (t *StreamableHTTPTransport) captureSession(resp *http.Response) {
	id := resp.Header.Get(HeaderSessionID)
	if id == "" {
		return
	}
	t.mu.Lock()
	changed := t.sessionID != id
	t.sessionID = id
	t.mu.Unlock()
	if changed {
		t.logger.Debug("session established", logging.String("session_id", id))
	}
}

// Send posts msg and delivers whatever the server returns with it. An event
// stream reply is consumed until the server ends it or ctx is cancelled.
func (t *StreamableHTTPTransport) Send(ctx context.Context, msg protocol.Message) error {
	if err := t.checkSend(); err != nil {
		return err
	}
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return mcperrors.InternalError("encode message", err)
	}

	req, err := t.newRequest(ctx, http.MethodPost, bytes.NewReader(data))
	if err != nil {
		return mcperrors.HTTPTransportError("send", t.endpoint, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	hadSession := req.Header.Get(HeaderSessionID) != ""

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return mcperrors.ConvertStandardError(ctx.Err())
		}
		return mcperrors.ConnectionFailed(string(t.kind), t.endpoint, err)
	}
	defer resp.Body.Close()

	t.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound && hadSession:
		t.mu.Lock()
		t.sessionID = ""
		t.mu.Unlock()
		return mcperrors.HTTPTransportError("send", t.endpoint, resp.StatusCode, errors.New("session expired"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return mcperrors.HTTPTransportError("send", t.endpoint, resp.StatusCode, readErrorBody(resp.Body))
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
	default:
		if err := t.readReply(ctx, resp); err != nil {
			return err
		}
	}

	if n, ok := msg.(*protocol.Notification); ok && n.Method == protocol.MethodInitialized {
		t.startListener()
	}
	return nil
}

func (t *StreamableHTTPTransport) readReply(ctx context.Context, resp *http.Response) error {
	ctype := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
	switch {
	case ctype.Matches(eventStreamMediaType):
		if err := t.consumeStream(resp.Body); err != nil && ctx.Err() == nil && !t.closed() {
			return mcperrors.EventSourceError(t.endpoint, "reply stream failed", err)
		}
		return nil

	case ctype.Matches(jsonMediaType):
		body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.opts.MaxMessageSize)+1))
		if err != nil {
			return mcperrors.HTTPTransportError("read reply", t.endpoint, resp.StatusCode, err)
		}
		if len(body) > t.opts.MaxMessageSize {
			return mcperrors.MessageTooLarge(string(t.kind), int64(len(body)), int64(t.opts.MaxMessageSize))
		}
		if len(bytes.TrimSpace(body)) > 0 {
			t.deliverPayload(body)
		}
		return nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if len(bytes.TrimSpace(body)) > 0 {
			t.logger.Warn("ignoring reply with unexpected content type",
				logging.String("content_type", resp.Header.Get("Content-Type")),
				logging.Int("status", resp.StatusCode),
			)
		}
		return nil
	}
}

// consumeStream delivers every message event of body and records the last
// event id and any retry interval the server advertises.
func (t *StreamableHTTPTransport) consumeStream(body io.Reader) error {
	er := newEventReader(body, t.opts.MaxMessageSize, t.kind)
	for {
		ev, err := er.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		t.mu.Lock()
		if ev.HasID {
			t.lastEventID = ev.ID
		}
		if ev.HasRetry {
			t.serverRetry = ev.Retry
		}
		t.mu.Unlock()

		if ev.Data == "" || (ev.Type != "" && ev.Type != EventMessage) {
			continue
		}
		t.deliverPayload([]byte(ev.Data))
	}
}

// startListener starts the GET stream loop unless it runs already
func (t *StreamableHTTPTransport) startListener() {
	if t.opts.DisableListener {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed() || !t.listening.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go t.listen()
}

// listen keeps the standalone event stream open. Failed opens are retried
// with backoff, or after the server's retry interval when it sent one. A 405
// reply means the server has no such stream and ends the loop quietly.
func (t *StreamableHTTPTransport) listen() {
	defer t.wg.Done()
	defer t.listening.Store(false)

	attempt := 0
	for {
		opened, err := t.openListener()
		if errors.Is(err, errListenerUnsupported) {
			t.logger.Debug("server has no standalone event stream")
			return
		}
		if t.ctx.Err() != nil {
			return
		}
		if opened {
			attempt = 0
		}

		attempt++
		if t.opts.Backoff.Exhausted(attempt) {
			cause := err
			if cause == nil {
				cause = io.EOF
			}
			t.reportError(mcperrors.ConnectionLost(string(t.kind), t.endpoint,
				fmt.Errorf("event stream abandoned after %d reconnect attempts: %w", attempt-1, cause)))
			return
		}

		delay := t.reconnectDelay(attempt)
		t.opts.Metrics.RecordStreamReconnect(string(t.kind))
		t.logger.Debug("reconnecting event stream",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.ErrorField(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (t *StreamableHTTPTransport) reconnectDelay(attempt int) time.Duration {
	t.mu.Lock()
	retry := t.serverRetry
	t.mu.Unlock()
	if retry > 0 {
		return retry
	}
	return t.opts.Backoff.NextDelay(attempt)
}

func (t *StreamableHTTPTransport) openListener() (bool, error) {
	req, err := t.newRequest(t.ctx, http.MethodGet, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.mu.Lock()
	if t.lastEventID != "" {
		req.Header.Set(HeaderLastEventID, t.lastEventID)
	}
	t.mu.Unlock()

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		return false, errListenerUnsupported
	}
	if resp.StatusCode != http.StatusOK {
		return false, mcperrors.HTTPTransportError("listen", t.endpoint, resp.StatusCode, readErrorBody(resp.Body))
	}
	if !contenttype.NewMediaType(resp.Header.Get("Content-Type")).Matches(eventStreamMediaType) {
		return false, mcperrors.EventSourceError(t.endpoint, "listener reply is not an event stream", nil)
	}

	t.captureSession(resp)
	return true, t.consumeStream(resp.Body)
}

// Close stops the listener and ends the server session
func (t *StreamableHTTPTransport) Close() error {
	if !t.finish() {
		return nil
	}
	t.cancel()

	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	t.wg.Wait()

	if sessionID != "" {
		t.deleteSession()
	}
	t.logger.Debug("streaming HTTP transport closed")
	return nil
}

func (t *StreamableHTTPTransport) deleteSession() {
	ctx, cancel := context.WithTimeout(context.Background(), DeleteSessionTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodDelete, nil)
	if err != nil {
		return
	}
	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		t.logger.Debug("session teardown failed", logging.ErrorField(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed {
		t.logger.Debug("session teardown rejected", logging.Int("status", resp.StatusCode))
	}
}
