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

	"github.com/tmaxmax/go-sse"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// Event types of the legacy event-stream binding
const (
	EventEndpoint = "endpoint"
	EventMessage  = "message"
)

// SSETransport reads a server-to-client event stream and posts outbound
// messages to the endpoint announced by the first "endpoint" event. The
// endpoint must share the stream's origin.
type SSETransport struct {
	*base
	opts      *Options
	streamURL *url.URL
	rawURL    string

	mu              sync.RWMutex
	endpoint        string
	protocolVersion string

	cancel   context.CancelFunc
	reading  atomic.Bool
	readDone chan struct{}
}

// NewSSETransport creates a transport for the event stream at streamURL
func NewSSETransport(streamURL string, opts ...Option) *SSETransport {
	o := NewOptions(opts...)
	return &SSETransport{
		base:     newBase(KindSSE, o, "SSETransport"),
		opts:     o,
		rawURL:   streamURL,
		readDone: make(chan struct{}),
	}
}

// SetProtocolVersion sets the mcp-protocol-version header sent on posts
func (t *SSETransport) SetProtocolVersion(version string) {
	t.mu.Lock()
	t.protocolVersion = version
	t.mu.Unlock()
}

// Endpoint returns the message endpoint learned from the stream
func (t *SSETransport) Endpoint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoint
}

// Start opens the event stream and waits for the endpoint event
func (t *SSETransport) Start(ctx context.Context) error {
	if err := t.beginStart(); err != nil {
		return err
	}

	u, err := url.Parse(t.rawURL)
	if err != nil || u.Host == "" {
		return t.startFailed(mcperrors.InvalidTransportConfiguration(string(KindSSE), "url", "stream URL must be absolute"))
	}
	t.streamURL = u

	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	stopStartup := context.AfterFunc(ctx, cancel)
	defer stopStartup()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.rawURL, nil)
	if err != nil {
		return t.startFailed(mcperrors.ConnectionFailed(string(KindSSE), t.rawURL, err))
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	copyHeaders(req.Header, t.opts.Headers)
	observability.InjectHTTP(ctx, req.Header)

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return t.startFailed(mcperrors.ConvertStandardError(ctx.Err()))
		}
		return t.startFailed(mcperrors.ConnectionFailed(string(KindSSE), t.rawURL, err))
	}
	if resp.StatusCode != http.StatusOK {
		body := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		return t.startFailed(mcperrors.HTTPTransportError("connect", t.rawURL, resp.StatusCode, body))
	}

	ready := make(chan error, 1)
	t.reading.Store(true)
	go t.readLoop(resp.Body, ready)

	select {
	case err := <-ready:
		if err != nil {
			return t.startFailed(err)
		}
	case <-ctx.Done():
		return t.startFailed(mcperrors.ConvertStandardError(ctx.Err()))
	}

	t.setState(StateConnected)
	t.logger.Info("event stream connected",
		logging.String("url", t.rawURL),
		logging.String("endpoint", t.Endpoint()),
	)
	return nil
}

func (t *SSETransport) startFailed(err error) error {
	t.fail(err)
	_ = t.Close()
	return err
}

func (t *SSETransport) readLoop(body io.ReadCloser, ready chan<- error) {
	defer close(t.readDone)
	defer body.Close()

	announced := false
	signal := func(err error) {
		if !announced {
			announced = true
			ready <- err
		}
	}

	cfg := &sse.ReadConfig{MaxEventSize: t.opts.MaxMessageSize}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if t.closed() || errors.Is(err, context.Canceled) {
				return
			}
			sErr := mcperrors.EventSourceError(t.rawURL, "stream read failed", err)
			if !announced {
				signal(sErr)
				return
			}
			t.fail(mcperrors.ConnectionLost(string(KindSSE), t.rawURL, err))
			go t.Close()
			return
		}

		switch ev.Type {
		case EventEndpoint:
			endpoint, err := t.resolveEndpoint(ev.Data)
			if err != nil {
				if !announced {
					signal(err)
					return
				}
				t.fail(err)
				go t.Close()
				return
			}
			t.mu.Lock()
			t.endpoint = endpoint
			t.mu.Unlock()
			signal(nil)

		case EventMessage, "":
			if t.Endpoint() == "" {
				t.logger.Warn("message event before endpoint event, dropping")
				continue
			}
			t.deliverPayload([]byte(ev.Data))

		default:
			t.logger.Debug("ignoring event", logging.String("type", ev.Type))
		}
	}

	if t.closed() {
		return
	}
	if !announced {
		signal(mcperrors.EventSourceError(t.rawURL, "stream ended before endpoint event", nil))
		return
	}
	t.fail(mcperrors.ConnectionLost(string(KindSSE), t.rawURL, io.EOF))
	go t.Close()
}

// resolveEndpoint resolves data against the stream URL and rejects
// endpoints on another origin.
func (t *SSETransport) resolveEndpoint(data string) (string, error) {
	ref, err := url.Parse(string(bytes.TrimSpace([]byte(data))))
	if err != nil || data == "" {
		return "", mcperrors.EventSourceError(t.rawURL, "invalid endpoint event", err)
	}
	endpoint := t.streamURL.ResolveReference(ref)
	if !sameOrigin(t.streamURL, endpoint) {
		return "", mcperrors.CrossOriginEndpoint(t.rawURL, endpoint.String())
	}
	return endpoint.String(), nil
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Hostname() == b.Hostname() && effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch u.Scheme {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// Send posts msg to the endpoint
func (t *SSETransport) Send(ctx context.Context, msg protocol.Message) error {
	if err := t.checkSend(); err != nil {
		return err
	}
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return mcperrors.InternalError("encode message", err)
	}

	endpoint := t.Endpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return mcperrors.HTTPTransportError("send", endpoint, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	copyHeaders(req.Header, t.opts.Headers)
	t.mu.RLock()
	if t.protocolVersion != "" {
		req.Header.Set(HeaderProtocolVersion, t.protocolVersion)
	}
	t.mu.RUnlock()
	observability.InjectHTTP(ctx, req.Header)

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return mcperrors.ConvertStandardError(ctx.Err())
		}
		return mcperrors.HTTPTransportError("send", endpoint, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mcperrors.HTTPTransportError("send", endpoint, resp.StatusCode, readErrorBody(resp.Body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close stops the event stream
func (t *SSETransport) Close() error {
	if !t.finish() {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.reading.Load() {
		<-t.readDone
	}
	t.logger.Debug("event stream transport closed")
	return nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// readErrorBody returns a short error carrying the start of an error response body
func readErrorBody(r io.Reader) error {
	data, _ := io.ReadAll(io.LimitReader(r, 1024))
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	return fmt.Errorf("%s", data)
}
